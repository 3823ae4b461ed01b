package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/diagnostics"
	"github.com/valinor-ai/authguard/internal/platform/middleware"
	"github.com/valinor-ai/authguard/internal/proxy"
)

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Guard              *authstate.Guard
	AuthStateHandler   *authstate.Handler
	DiagnosticsHandler *diagnostics.Handler
	ProxyHandler       *proxy.Handler
	Metrics            http.Handler
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

type Server struct {
	httpServer *http.Server
	guard      *authstate.Guard
	handler    http.Handler
}

func New(addr string, deps Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		guard: deps.Guard,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	if h := deps.AuthStateHandler; h != nil {
		mux.HandleFunc("GET /api/v1/authstate", h.HandleStatus)
		mux.HandleFunc("GET /api/v1/authstate/admin", h.HandleAdminStatus)
		mux.HandleFunc("GET /api/v1/authstate/history", h.HandleHistory)
		mux.HandleFunc("GET /api/v1/authstate/stream", h.HandleStream)
		mux.HandleFunc("POST /api/v1/authstate/login", h.HandleLogin)
		mux.HandleFunc("POST /api/v1/authstate/logout", h.HandleLogout)
	}

	if h := deps.DiagnosticsHandler; h != nil {
		mux.HandleFunc("GET /api/v1/diagnostics", h.HandleExport)
		mux.HandleFunc("GET /api/v1/diagnostics/stats", h.HandleStats)
	}

	if deps.ProxyHandler != nil {
		mux.HandleFunc("/api/v1/origin/{path...}", deps.ProxyHandler.HandleForward)
	}

	var handler http.Handler = mux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness reports ready once the guard has settled on an answer.
// A degraded guard is serving grace data and is reported as not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "guard not configured",
		})
		return
	}

	phase := s.guard.Phase()
	if !phase.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"phase":  string(phase),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "phase": string(phase)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
