// Package proxy forwards UI requests to the origin under the authorization
// guard: token attached, denials retried once with fresh state.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/diagnostics"
	"github.com/valinor-ai/authguard/internal/platform/middleware"
	"github.com/valinor-ai/authguard/internal/platform/telemetry"
	"github.com/valinor-ai/authguard/internal/probe"
)

const maxBodyBytes = 1 << 20

// forwardedHeaders are copied from the UI request to the origin.
var forwardedHeaders = []string{"Accept", "Content-Type", "Accept-Language"}

// TokenAttacher sets the anti-forgery header on outbound requests.
type TokenAttacher interface {
	Attach(h http.Header) bool
}

type HandlerConfig struct {
	RequestTimeout time.Duration
	Recorder       *diagnostics.Recorder
	Credentials    probe.CredentialStore
	Logger         *slog.Logger
}

// Handler serves /api/v1/origin/{path...}.
type Handler struct {
	guard     *authstate.Guard
	transport probe.Transport
	tokens    TokenAttacher
	cfg       HandlerConfig
	logger    *slog.Logger
}

// NewHandler creates a proxy Handler. tokens may be nil.
func NewHandler(guard *authstate.Guard, transport probe.Transport, tokens TokenAttacher, cfg HandlerConfig) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		guard:     guard,
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		logger:    telemetry.Component(cfg.Logger, "proxy"),
	}
}

// HandleForward relays the request to the origin path and writes back the
// origin's answer. A denial that survives the guard's retry is relayed as is.
func (h *Handler) HandleForward(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimPrefix(r.PathValue("path"), "/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProxyJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	requestID := middleware.GetRequestID(r.Context())
	resp, err := authstate.GuardedCall(ctx, h.guard, func(ctx context.Context, _ authstate.State) (probe.Response, error) {
		return h.forward(ctx, r.Method, path, r.Header, body, requestID)
	})

	switch {
	case err == nil, probe.IsDenied(err) && resp.Status != 0:
		relay(w, resp)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, probe.ErrTimeout):
		writeProxyJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "origin timed out"})
	default:
		h.logger.Warn("forward failed", "method", r.Method, "path", path, "error", err, "request_id", requestID)
		writeProxyJSON(w, http.StatusBadGateway, map[string]string{"error": "origin unreachable"})
	}
}

func (h *Handler) forward(ctx context.Context, method, path string, in http.Header, body []byte, requestID string) (probe.Response, error) {
	header := http.Header{}
	for _, name := range forwardedHeaders {
		if v := in.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	if requestID != "" {
		header.Set(middleware.RequestIDHeader, requestID)
	}
	tokenPresent := h.tokens != nil && h.tokens.Attach(header)

	id := h.cfg.Recorder.StartTracking(method, path, diagnostics.Meta{
		CredentialsPresent: h.cfg.Credentials != nil && h.cfg.Credentials.HasSessionCredentials(),
		TokenPresent:       tokenPresent,
	})
	resp, err := h.transport.Probe(ctx, probe.Request{Method: method, Target: path, Header: header, Body: body})

	// only transport failures and denials are errors here; any other status
	// belongs to the caller
	var outcome error
	switch {
	case err != nil:
		outcome = probe.Classify(resp, err)
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		outcome = probe.NewError(probe.KindDenied, resp.Status, nil)
	}
	h.cfg.Recorder.CompleteTracking(id, diagnostics.Outcome{
		Status: resp.Status,
		Kind:   probe.KindOf(outcome),
		Err:    outcome,
		Markup: resp.LooksLikeMarkup(),
	})
	return resp, outcome
}

func relay(w http.ResponseWriter, resp probe.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeProxyJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
