// Package store keeps completed test sessions in memory for the lifetime of
// the process.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/quality"
	"github.com/shaunagostinho/hipotd/internal/types"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("store: session not found")

// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]types.TestSession
	subs     []func(types.TestSession)
}

// New returns an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]types.TestSession)}
}

// Save records s and notifies subscribers. Sessions without samples or
// without an id are rejected.
func (st *Store) Save(s types.TestSession) error {
	if s.SessionID == "" {
		return errors.New("store: session has no id")
	}
	if len(s.Samples) == 0 {
		return errors.New("store: session has no samples")
	}
	s.Samples = append([]types.DataPoint(nil), s.Samples...)

	st.mu.Lock()
	st.sessions[s.SessionID] = s
	subs := append([]func(types.TestSession){}, st.subs...)
	st.mu.Unlock()

	log.Info().Str("component", "store").Str("session", s.SessionID).
		Int("points", len(s.Samples)).Str("verdict", s.Verdict.String()).Msg("session saved")
	for _, fn := range subs {
		fn(s)
	}
	return nil
}

// OnSessionCompleted adapts Save to the orchestrator sink signature.
func (st *Store) OnSessionCompleted(s types.TestSession) {
	if err := st.Save(s); err != nil {
		log.Warn().Str("component", "store").Err(err).Msg("session not saved")
	}
}

// Get returns the session with id.
func (st *Store) Get(id string) (types.TestSession, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return types.TestSession{}, ErrNotFound
	}
	return s, nil
}

// List returns every session, oldest first.
func (st *Store) List() []types.TestSession {
	st.mu.RLock()
	out := make([]types.TestSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of stored sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Remove deletes the session with id.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(st.sessions, id)
	return nil
}

// Clear deletes every session.
func (st *Store) Clear() {
	st.mu.Lock()
	st.sessions = make(map[string]types.TestSession)
	st.mu.Unlock()
}

// Subscribe registers fn to run after every successful Save.
func (st *Store) Subscribe(fn func(types.TestSession)) {
	st.mu.Lock()
	st.subs = append(st.subs, fn)
	st.mu.Unlock()
}

// Statistics counts the classifications of the session's samples.
func (st *Store) Statistics(id string) (map[quality.Classification]int, error) {
	s, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	return quality.Count(quality.ClassifyAll(s.Samples)), nil
}
