package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/hipotd/internal/device"
	"github.com/shaunagostinho/hipotd/internal/export"
	"github.com/shaunagostinho/hipotd/internal/instrument"
	"github.com/shaunagostinho/hipotd/internal/instrument/sim"
	"github.com/shaunagostinho/hipotd/internal/metrics"
	"github.com/shaunagostinho/hipotd/internal/orchestrator"
	"github.com/shaunagostinho/hipotd/internal/publish"
	"github.com/shaunagostinho/hipotd/internal/quality"
	"github.com/shaunagostinho/hipotd/internal/store"
	"github.com/shaunagostinho/hipotd/internal/types"
)

// ErrIdentity is returned when the instrument answered with an empty identity.
var ErrIdentity = errors.New("instrument returned an empty identity")

// Frame is the JSON message pushed to WebSocket clients.
type Frame struct {
	Type    string                 `json:"type"`
	State   *orchestrator.Snapshot `json:"state,omitempty"`
	Sample  *types.DataPoint       `json:"sample,omitempty"`
	Session *SessionSummary        `json:"session,omitempty"`
	Device  *DeviceStatus          `json:"device,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Stamp   int64                  `json:"stamp"`
}

// SessionSummary is a session without its samples.
type SessionSummary struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"startedAt"`
	Mode        types.Mode    `json:"mode"`
	DeviceModel string        `json:"deviceModel"`
	Verdict     types.Verdict `json:"verdict"`
	Points      int           `json:"points"`
	Name        string        `json:"name"`
}

func summarize(s types.TestSession) SessionSummary {
	return SessionSummary{
		ID:          s.SessionID,
		StartedAt:   s.StartedAt,
		Mode:        s.Mode,
		DeviceModel: s.DeviceModel,
		Verdict:     s.Verdict,
		Points:      len(s.Samples),
		Name:        s.DisplayName(),
	}
}

// DeviceStatus describes the bound instrument.
type DeviceStatus struct {
	Connected bool                     `json:"connected"`
	Port      string                   `json:"port,omitempty"`
	Identity  types.DeviceIdentity     `json:"identity"`
	Ranges    []instrument.RangeOption `json:"ranges,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Option configures a Server.
type Option func(*Server)

// WithPublisher forwards completed sessions to p.
func WithPublisher(p *publish.Publisher) Option { return func(s *Server) { s.pub = p } }

// WithPortLister replaces serial port enumeration.
func WithPortLister(fn func() ([]device.PortInfo, error)) Option {
	return func(s *Server) { s.listPorts = fn }
}

// WithOpener replaces the serial port opener.
func WithOpener(o device.Opener) Option { return func(s *Server) { s.opener = o } }

// WithOrchestratorOptions appends options used when building the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *Server) { s.orchOpts = append(s.orchOpts, opts...) }
}

// Server is the HTTP and WebSocket server driving one instrument.
type Server struct {
	cfg      *Config
	webFS    fs.FS
	registry *instrument.Registry
	store    *store.Store
	exporter *export.CSVExporter
	pub      *publish.Publisher
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	orch     *orchestrator.Orchestrator
	router   chi.Router
	upgrader websocket.Upgrader

	listPorts func() ([]device.PortInfo, error)
	opener    device.Opener
	orchOpts  []orchestrator.Option

	// devMu serializes connect and disconnect against each other.
	devMu     sync.Mutex
	sess      *device.Session
	demoModel string

	runCtx context.Context

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

// New wires a server from cfg. webFS may be nil.
func New(cfg *Config, webFS fs.FS, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		webFS:     webFS,
		registry:  instrument.NewRegistry(),
		store:     store.New(),
		exporter:  export.New(cfg.ExportSettings()),
		promReg:   prometheus.NewRegistry(),
		listPorts: device.ListPorts,
		runCtx:    context.Background(),
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}

	s.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.promReg)

	ic := cfg.InstrumentSettings()
	sessOpts := []device.Option{
		device.WithCodecConfig(ic.CodecConfig()),
		device.WithDriverOptions(instrument.WithIdentifyDelay(ic.IdentifyDelay())),
	}
	switch {
	case s.opener != nil:
		sessOpts = append(sessOpts, device.WithOpener(s.opener))
	case ic.Demo:
		sessOpts = append(sessOpts, device.WithOpener(s.openDemo))
	}
	s.sess = device.NewSession(s.registry, sessOpts...)

	orchOpts := append([]orchestrator.Option{
		orchestrator.WithInterval(ic.PollInterval()),
		orchestrator.WithObserver(s.metrics),
	}, s.orchOpts...)
	s.orch = orchestrator.New(nil, orchOpts...)
	s.orch.OnSessionCompleted(s.store.OnSessionCompleted)
	s.orch.OnSessionCompleted(s.exporter.OnSessionCompleted)
	if s.pub != nil {
		s.orch.OnSessionCompleted(s.pub.OnSessionCompleted)
	}
	s.orch.Subscribe(s.onEvent)

	s.router = s.routes()
	return s
}

// openDemo stands in for a serial port with a simulated instrument of
// the model being connected.
func (s *Server) openDemo(port string) (io.ReadWriteCloser, error) {
	drv, err := s.registry.CreateDriver(s.demoModel)
	if err != nil {
		return nil, err
	}
	secs := s.cfg.TestSettings().TimeS
	if secs <= 0 {
		secs = 30
	}
	log.Info().Str("component", "server").Str("model", s.demoModel).Str("port", port).Msg("opening demo instrument")
	return sim.NewDemo(drv.Dialect().Delimiter, seconds(secs)), nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleModels)
		r.Get("/ports", s.handlePorts)

		r.Get("/device", s.handleDevice)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)

		r.Route("/test", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/samples", s.handleSamples)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Delete("/", s.handleClearSessions)
			r.Post("/export", s.handleExportAll)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/quality", s.handleQuality)
				r.Get("/statistics", s.handleStatistics)
				r.Post("/export", s.handleExportSession)
			})
		})

		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleSetConfig)
	})

	metricsPath := s.cfg.Server.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)

	if s.webFS != nil {
		r.Handle("/*", http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Store returns the session store.
func (s *Server) Store() *store.Store { return s.store }

// Orchestrator returns the test orchestrator.
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Run serves until ctx is cancelled, then stops any running test and
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := s.orch.Stop(); err != nil {
			log.Warn().Str("component", "server").Err(err).Msg("stop on shutdown failed")
		}
		s.Disconnect()
		if s.pub != nil {
			s.pub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "server").Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Connect binds the instrument at port. A running test must be stopped first.
func (s *Server) Connect(model, port string) error {
	if s.orch.State().Terminal() {
		s.orch.Stop()
	}

	s.devMu.Lock()
	defer s.devMu.Unlock()

	if err := s.orch.SetDriver(nil); err != nil {
		return err
	}
	s.demoModel = model
	ok, err := s.sess.Connect(model, port)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIdentity
	}
	drv, err := s.sess.Driver()
	if err != nil {
		return err
	}
	if err := s.orch.SetDriver(drv); err != nil {
		s.sess.Disconnect()
		return err
	}
	s.broadcastDevice()
	return nil
}

// Disconnect stops any test and releases the instrument.
func (s *Server) Disconnect() {
	if err := s.orch.Stop(); err != nil {
		log.Warn().Str("component", "server").Err(err).Msg("stop before disconnect failed")
	}
	s.devMu.Lock()
	defer s.devMu.Unlock()
	s.orch.SetDriver(nil)
	s.sess.Disconnect()
	s.broadcastDevice()
}

func (s *Server) deviceStatus() DeviceStatus {
	st := DeviceStatus{
		Connected: s.sess.IsConnected(),
		Port:      s.sess.Port(),
		Identity:  s.sess.Identity(),
	}
	if d, err := s.sess.Driver(); err == nil {
		st.Ranges = d.RangeOptions()
	}
	return st
}

// StartTest programs the configured step, if any, and starts a run.
func (s *Server) StartTest() error {
	tc, apply, err := s.cfg.TestConfiguration()
	if err != nil {
		return err
	}
	if apply {
		if err := s.orch.Configure(tc); err != nil {
			return err
		}
	} else if m, err := types.ParseMode(s.cfg.TestSettings().Mode); err == nil {
		s.orch.SetMode(m)
	}
	return s.orch.Start(s.runCtx)
}

func (s *Server) onEvent(e orchestrator.Event) {
	snap := e.Snapshot
	f := Frame{State: &snap, Stamp: time.Now().UnixMilli()}
	switch e.Kind {
	case orchestrator.EventSample:
		f.Type, f.Sample = "sample", e.Sample
	case orchestrator.EventStatus:
		f.Type = "status"
	case orchestrator.EventError:
		f.Type = "error"
		if e.Err != nil {
			f.Error = e.Err.Error()
		}
	case orchestrator.EventSession:
		f.Type = "session"
		if e.Session != nil {
			sum := summarize(*e.Session)
			f.Session = &sum
		}
	default:
		f.Type = "state"
	}
	s.broadcast(f)
}

func (s *Server) broadcastDevice() {
	st := s.deviceStatus()
	s.broadcast(Frame{Type: "device", Device: &st, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Debug().Str("component", "ws").Int("clients", n).Msg("client connected")

	snap := s.orch.Snapshot()
	s.devMu.Lock()
	dev := s.deviceStatus()
	s.devMu.Unlock()
	if data, err := json.Marshal(Frame{Type: "state", State: &snap, Device: &dev, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Debug().Str("component", "ws").Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Str("component", "server").Err(err).Msg("marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var unsupportedDev *instrument.UnsupportedDeviceTypeError
	var unsupportedOp *instrument.UnsupportedOperationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotIdle),
		errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, instrument.ErrNotConnected):
		return http.StatusConflict
	case errors.As(err, &unsupportedDev), errors.As(err, &unsupportedOp):
		return http.StatusBadRequest
	case errors.Is(err, ErrIdentity):
		return http.StatusBadGateway
	}
	var comm *instrument.CommunicationError
	if errors.As(err, &comm) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.respondError(w, errorStatus(err), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.registry.Models())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, ports)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	s.devMu.Lock()
	st := s.deviceStatus()
	s.devMu.Unlock()
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ic := s.cfg.InstrumentSettings()
	req := struct {
		Model string `json:"model"`
		Port  string `json:"port"`
	}{Model: ic.Model, Port: ic.Port}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.Connect(req.Model, req.Port); err != nil {
		s.fail(w, err)
		return
	}
	s.handleDevice(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.Disconnect()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Samples())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.StartTest(); err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(); err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List()
	out := make([]SessionSummary, 0, len(sessions))
	for _, ts := range sessions {
		out = append(out, summarize(ts))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ts)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	q := s.cfg.QualitySettings()
	s.respondJSON(w, http.StatusOK, quality.Analyze(ts.Samples, quality.Options{
		OutlierThreshold:    q.OutlierThreshold,
		MovingAverageWindow: q.MovingAverageWindow,
	}))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Statistics(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make(map[string]int, len(counts))
	for cls, n := range counts {
		out[cls.String()] = n
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	path, err := s.exporter.Export(ts)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleExportAll(w http.ResponseWriter, r *http.Request) {
	path, err := s.exporter.ExportAll(s.store.List())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.exporter.SetEnabled(s.cfg.ExportSettings().Enabled)
	if err := s.cfg.Save(); err != nil {
		log.Warn().Str("component", "config").Err(err).Msg("save failed")
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
