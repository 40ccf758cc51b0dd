// Package httpapi is the JSON-over-HTTP surface of the engine.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"wabulk/internal/campaign"
	"wabulk/internal/dedup"
	"wabulk/internal/eventbus"
	"wabulk/internal/inbound"
	"wabulk/internal/jobs"
	"wabulk/internal/scheduler"
	"wabulk/internal/sweep"
	logx "wabulk/pkg/logx"
)

// Config controls the listener. Token and RequestTimeout apply live.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
	Token          string
	Pprof          bool
}

// Deps are the components the routes call into. Scheduler and Health may be nil.
type Deps struct {
	Campaigns *campaign.Service
	Ledger    *jobs.Ledger
	Sweeper   *sweep.Sweeper
	Merger    *dedup.Merger
	Inbound   *inbound.Observer
	Bus       eventbus.Bus
	Scheduler *scheduler.Service
	Health    func() map[string]any
}

type Server struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config

	once    sync.Once
	handler http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	return &Server{deps: deps, log: log.With(logx.String("comp", "http")), cfg: cfg}
}

func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handler returns the router. Pprof is decided the first time it is built.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() { s.handler = s.routes() })
	return s.handler
}

// Serve listens on Addr until ctx is cancelled, then drains in-flight
// requests for up to ShutdownGrace. Event streams end with ctx.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.config()
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http stopped", logx.Duration("took", time.Since(start)))
	return nil
}
