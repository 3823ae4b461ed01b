// Package token owns the anti-forgery token used on state-changing requests
// to the origin: fetch once, attach, invalidate on failure.
package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

// DefaultHeader is the request header carrying the token.
const DefaultHeader = "X-CSRF-Token"

var ErrEmptyToken = errors.New("origin returned an empty token")

// Fetcher acquires a fresh token from the origin.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context) (string, error) { return f(ctx) }

type Config struct {
	Header     string
	ExpirySkew time.Duration
	Logger     *slog.Logger
}

// Lifecycle caches a single token. Concurrent Ensure calls share one fetch.
type Lifecycle struct {
	fetcher Fetcher
	header  string
	skew    time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	gen       uint64
}

// NewLifecycle creates a Lifecycle. It panics on a nil fetcher.
func NewLifecycle(fetcher Fetcher, cfg Config) *Lifecycle {
	if fetcher == nil {
		panic("token: nil fetcher")
	}
	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}
	return &Lifecycle{
		fetcher: fetcher,
		header:  cfg.Header,
		skew:    cfg.ExpirySkew,
		logger:  telemetry.Component(cfg.Logger, "token"),
		now:     time.Now,
	}
}

// Ensure returns the cached token, fetching one if none is usable. The
// shared fetch outlives a cancelled caller so other waiters still get it.
func (l *Lifecycle) Ensure(ctx context.Context) (string, error) {
	if tok, ok := l.usable(); ok {
		return tok, nil
	}

	l.mu.RLock()
	gen := l.gen
	l.mu.RUnlock()

	ch := l.group.DoChan("token", func() (any, error) {
		tok, err := l.fetcher.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			l.logger.Warn("token fetch failed", "error", err)
			return "", err
		}
		if tok == "" {
			return "", ErrEmptyToken
		}
		exp := expiryOf(tok)

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.gen != gen {
			l.logger.Debug("discarding token fetched before invalidation")
			return tok, nil
		}
		l.token = tok
		l.expiresAt = exp
		l.logger.Debug("token acquired", "expires_at", exp)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// IsReady reports whether a usable token is cached.
func (l *Lifecycle) IsReady() bool {
	_, ok := l.usable()
	return ok
}

// Invalidate drops the cached token and detaches future callers from any
// fetch already in flight.
func (l *Lifecycle) Invalidate() {
	l.mu.Lock()
	l.token = ""
	l.expiresAt = time.Time{}
	l.gen++
	l.mu.Unlock()
	l.group.Forget("token")
}

// Attach sets the token header on h when a usable token is cached.
func (l *Lifecycle) Attach(h http.Header) bool {
	tok, ok := l.usable()
	if !ok || h == nil {
		return false
	}
	h.Set(l.header, tok)
	return true
}

// Header is the name of the header Attach sets.
func (l *Lifecycle) Header() string { return l.header }

func (l *Lifecycle) usable() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.token == "" {
		return "", false
	}
	if !l.expiresAt.IsZero() && !l.now().Add(l.skew).Before(l.expiresAt) {
		return "", false
	}
	return l.token, true
}

// expiryOf reads exp from a JWT-shaped token without verifying it. Opaque
// tokens have no expiry.
func expiryOf(tok string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
