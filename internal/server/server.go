// Package server exposes the agent's HTTP API: health and status reads,
// report history, dispatch controls and an SSE event stream.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nodediag/internal/eventbus"
	"nodediag/internal/sinks"
	"nodediag/internal/storage"
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// Options controls the listener.
type Options struct {
	Addr    string
	Token   string // bearer for mutating routes, do not log
	Node    string
	Version string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // keep 0: the SSE stream holds responses open
	IdleTimeout  time.Duration
}

// Dispatcher is the updater surface the API drives.
type Dispatcher interface {
	Force()
	Broadcast(level diag.Level, message string)
	Period() time.Duration
	SetPeriod(d time.Duration)
}

// Notifier sends a report through the alert pipeline directly.
type Notifier interface {
	Notify(rep diag.Report, channels ...string) error
}

// Deps are the collaborators routes read from. Everything but
// Dispatcher is optional; missing pieces disable their routes.
type Deps struct {
	Dispatcher Dispatcher
	Alerts     Notifier
	History    *sinks.History
	Store      storage.Store
	Bus        eventbus.Bus

	// Debug supplies extra state for the debug route (service
	// snapshots, supervisor stats).
	Debug func() map[string]any
}

type Service struct {
	log  logx.Logger
	opts Options
	deps Deps

	mu           sync.Mutex
	ln           net.Listener
	srv          *http.Server
	started      time.Time
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

func New(opts Options, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, opts: opts, deps: deps}
}

// Addr reports the bound listen address, empty when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. A bind
// failure is returned so startup can abort on a taken port.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}

	addr := strings.TrimSpace(s.opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	readTimeout := s.opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	idleTimeout := s.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.ln = ln
	s.srv = srv
	s.started = time.Now()
	// Canceled on Stop so open SSE streams end and Shutdown can drain.
	s.streamCtx, s.streamCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()

	s.log.Info("api listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.opts.Token != ""),
	)
	return nil
}

// Stop ends event streams and shuts down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	cancel := s.streamCancel
	s.srv = nil
	s.ln = nil
	s.streamCtx = nil
	s.streamCancel = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("api stopped")
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/reports", s.handleReports)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/debug", s.handleDebug)
			r.Post("/force", s.handleForce)
			r.Post("/broadcast", s.handleBroadcast)
			r.Put("/period", s.handlePeriod)
			r.Post("/alerts/test", s.handleAlertTest)
		})
	})
	return r
}

// requireToken guards mutating routes (and the debug route, which
// exposes internals). With no token configured everything is open;
// the agent binds loopback by default.
func (s *Service) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimSpace(s.opts.Token)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) &&
			strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
