package authstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/valinor-ai/authguard/internal/platform/middleware"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

// StatusResponse is the body of the status endpoints.
type StatusResponse struct {
	Cache      string         `json:"cache" yaml:"cache"`
	State      State          `json:"state" yaml:"state"`
	Phase      Phase          `json:"phase,omitempty" yaml:"phase,omitempty"`
	ValidUntil *time.Time     `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Grace      *GraceOverride `json:"grace,omitempty" yaml:"grace,omitempty"`
}

// StreamMessage is one frame on the state stream.
type StreamMessage struct {
	Type  string `json:"type"`
	Cache string `json:"cache"`
	State State  `json:"state"`
}

const (
	streamBuffer       = 8
	streamWriteTimeout = 5 * time.Second
)

// Handler exposes the guard to a UI layer over HTTP and WebSocket.
type Handler struct {
	guard          *Guard
	admin          *Cache
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a Handler. admin may be nil.
func NewHandler(guard *Guard, admin *Cache, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		guard:          guard,
		admin:          admin,
		allowedOrigins: allowedOrigins,
		logger:         telemetry.Component(logger, "authstate.handler"),
	}
}

// HandleStatus serves GET /api/v1/authstate. With ?wait=true it blocks
// until the guard is ready instead of returning the current snapshot.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	wait, err := parseBool(r, "wait")
	if err != nil {
		writeStateError(w, http.StatusBadRequest, "invalid wait parameter")
		return
	}

	if wait {
		if _, err := h.guard.EnsureReady(r.Context()); err != nil {
			writeStateError(w, http.StatusServiceUnavailable, "authorization state unavailable")
			return
		}
	}

	resp := statusOf(h.guard.Cache())
	resp.Phase = h.guard.Phase()
	writeStateJSON(w, http.StatusOK, resp)
}

// HandleAdminStatus serves GET /api/v1/authstate/admin.
func (h *Handler) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		writeStateError(w, http.StatusNotFound, "admin check not configured")
		return
	}
	wait, err := parseBool(r, "wait")
	if err != nil {
		writeStateError(w, http.StatusBadRequest, "invalid wait parameter")
		return
	}
	if wait {
		if _, err := h.admin.Get(r.Context(), false); err != nil {
			writeStateError(w, http.StatusServiceUnavailable, "admin state unavailable")
			return
		}
	}
	writeStateJSON(w, http.StatusOK, statusOf(h.admin))
}

// HandleHistory serves GET /api/v1/authstate/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	writeStateJSON(w, http.StatusOK, h.guard.Cache().History())
}

// HandleLogin serves POST /api/v1/authstate/login, recording a completed
// login without a network re-check.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := h.guard.Login(r.Context())
	if h.admin != nil {
		h.admin.Invalidate()
	}
	if err != nil {
		writeStateError(w, http.StatusServiceUnavailable, "authorization state unavailable")
		return
	}
	h.logger.Info("login recorded", "request_id", middleware.GetRequestID(r.Context()), "phase", h.guard.Phase())
	writeStateJSON(w, http.StatusOK, StatusResponse{Cache: h.guard.Cache().Key(), State: state, Phase: h.guard.Phase()})
}

// HandleLogout serves POST /api/v1/authstate/logout.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.guard.Reset()
	if h.admin != nil {
		h.admin.Invalidate()
	}
	h.logger.Info("logout recorded", "request_id", middleware.GetRequestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// HandleStream upgrades to a WebSocket and pushes every State transition.
// ?cache=admin streams the admin cache instead.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	cache := h.guard.Cache()
	if r.URL.Query().Get("cache") == "admin" {
		if h.admin == nil {
			writeStateError(w, http.StatusNotFound, "admin check not configured")
			return
		}
		cache = h.admin
	}

	acceptOpts := &websocket.AcceptOptions{}
	if len(h.allowedOrigins) > 0 {
		acceptOpts.OriginPatterns = h.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// long-lived connection; the server WriteTimeout does not apply
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// clients only listen; CloseRead handles control frames and ends ctx
	ctx := conn.CloseRead(r.Context())

	updates := make(chan State, streamBuffer)
	unsubscribe := cache.Subscribe(func(s State) { offerLatest(updates, s) })
	defer unsubscribe()

	if _, ok := cache.Bus().Current(); !ok {
		offerLatest(updates, cache.Snapshot())
	}

	h.stream(ctx, conn, cache.Key(), updates)
}

func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, key string, updates <-chan State) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case s := <-updates:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, StreamMessage{Type: "state", Cache: key, State: s})
			cancel()
			if err != nil {
				h.logger.Debug("state stream closed", "error", err)
				return
			}
		}
	}
}

// offerLatest enqueues s, dropping the oldest queued State when full.
func offerLatest(ch chan State, s State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func statusOf(c *Cache) StatusResponse {
	resp := StatusResponse{Cache: c.Key(), State: c.Snapshot()}
	if until, ok := c.ValidUntil(); ok {
		resp.ValidUntil = &until
	}
	if g, ok := c.Grace(); ok {
		resp.Grace = &g
	}
	return resp
}

func parseBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func writeStateJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStateError(w http.ResponseWriter, status int, msg string) {
	writeStateJSON(w, status, map[string]string{"error": msg})
}
