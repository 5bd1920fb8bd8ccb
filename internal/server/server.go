// Package server is the webhook intake: one POST endpoint gated by the
// shared secret, plus a health probe.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"gitrelay/internal/audit"
	"gitrelay/internal/dispatch"
	"gitrelay/internal/event"
	"gitrelay/internal/render"
	"gitrelay/internal/storage"
	"gitrelay/internal/transport"
	logx "gitrelay/pkg/logx"
)

type Config struct {
	Addr string
	// Secret gates deliveries via the X-Gitlab-Token header.
	// Empty disables the gate.
	Secret string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	return c
}

// Dispatcher is the slice of the dispatch engine the intake needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event, to transport.ChatTarget, prefs render.Prefs) (dispatch.Outcome, error)
}

type Server struct {
	cfg    Config
	log    logx.Logger
	store  storage.Store
	engine Dispatcher
	audit  audit.Publisher

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, store storage.Store, engine Dispatcher, pub audit.Publisher, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), log: log, store: store, engine: engine, audit: pub}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/gitlab", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()
	s.log.Info("webhook intake listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address (useful when cfg.Addr used port 0).
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
