// Package publish fans completed sessions out to NATS subscribers.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/types"
)

// DefaultSubjectPrefix is prepended to the device model.
const DefaultSubjectPrefix = "hipot.session"

// Config holds NATS settings.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher sends one JSON message per completed session.
type Publisher struct {
	nc     Conn
	prefix string
}

// Connect dials cfg.URL and returns a publisher on it.
func Connect(cfg Config) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("hipotd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Str("component", "publish").Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("component", "publish").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.Info().Str("component", "publish").Str("url", url).Msg("connected to nats")
	return New(nc, cfg.Subject), nil
}

// New wraps an existing connection. An empty prefix uses DefaultSubjectPrefix.
func New(nc Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject a session for model is published on.
func (p *Publisher) Subject(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	m = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(m)
	if m == "" {
		m = "unknown"
	}
	return p.prefix + "." + m
}

// Publish encodes s as JSON and sends it.
func (p *Publisher) Publish(s types.TestSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	subject := p.Subject(s.DeviceModel)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	log.Debug().Str("component", "publish").Str("subject", subject).Str("session", s.SessionID).Msg("session published")
	return nil
}

// OnSessionCompleted publishes s, logging failures.
func (p *Publisher) OnSessionCompleted(s types.TestSession) {
	if err := p.Publish(s); err != nil {
		log.Warn().Str("component", "publish").Err(err).Msg("publish failed")
	}
}

// Close drains the connection.
func (p *Publisher) Close() error { return p.nc.Drain() }
