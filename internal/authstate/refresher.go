package authstate

import (
	"context"
	"log/slog"
	"time"

	"github.com/valinor-ai/authguard/internal/platform/telemetry"
)

// Refresher re-checks caches shortly before they go stale, but only while
// someone is subscribed to them.
type Refresher struct {
	caches   []*Cache
	interval time.Duration
	lead     time.Duration
	logger   *slog.Logger
}

func NewRefresher(interval, lead time.Duration, logger *slog.Logger, caches ...*Cache) *Refresher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Refresher{
		caches:   caches,
		interval: interval,
		lead:     lead,
		logger:   telemetry.Component(logger, "authstate.refresher"),
	}
}

// Run blocks until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce refreshes every watched cache that needs it and returns how
// many were refreshed.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	n := 0
	for _, c := range r.caches {
		if c.Bus().Len() == 0 || !c.NeedsRefresh(r.lead) {
			continue
		}
		s, err := c.Get(ctx, true)
		if err != nil {
			r.logger.Warn("background refresh failed", "cache", c.Key(), "error", err)
			continue
		}
		r.logger.Debug("background refresh", "cache", c.Key(), "authenticated", s.Authenticated, "confidence", s.Confidence)
		n++
	}
	return n
}
