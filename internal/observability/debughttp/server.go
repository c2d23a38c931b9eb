// Package debughttp serves clock diagnostics and pprof over HTTP.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskclock/internal/runtime/supervisor"
	logx "taskclock/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional debug server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// SnapshotFunc returns a JSON-encodable view served at /debug/clock.
type SnapshotFunc func() any

type Server struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	snapshot SnapshotFunc

	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, snapshot SnapshotFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if snapshot == nil {
		snapshot = func() any { return struct{}{} }
	}
	return &Server{cfg: cfg, snapshot: snapshot, log: log}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start is idempotent. It refuses an insecure bind synchronously; listen
// failures after that are retried with backoff.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("debug server refused %s: non-loopback addr requires token or allow_insecure", addr)
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	// Optional observability; never cancel the app.
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	h := s.handler(strings.TrimSpace(cfg.Token))
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, addr, h)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("debug server stopped")
	return err
}

func (s *Server) serveOnce(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: time.Minute}
	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler exposes /healthz, /debug/clock and /debug/pprof/.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	token := strings.TrimSpace(s.cfg.Token)
	s.mu.Unlock()
	return s.handler(token)
}

func (s *Server) handler(token string) http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/debug/clock", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.snapshot()); err != nil {
			s.log.Debug("snapshot encode failed", logx.Err(err))
		}
	}))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
