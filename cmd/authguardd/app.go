package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/valinor-ai/authguard/internal/authstate"
	"github.com/valinor-ai/authguard/internal/diagnostics"
	"github.com/valinor-ai/authguard/internal/platform/config"
	"github.com/valinor-ai/authguard/internal/platform/server"
	"github.com/valinor-ai/authguard/internal/probe"
	"github.com/valinor-ai/authguard/internal/proxy"
	"github.com/valinor-ai/authguard/internal/token"
)

// app is the fully wired daemon.
type app struct {
	server    *server.Server
	guard     *authstate.Guard
	admin     *authstate.Engine
	refresher *authstate.Refresher
	recorder  *diagnostics.Recorder
	tokens    *token.Lifecycle
	redis     *redis.Client
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (*app, error) {
	// Transport and credentials
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	transport, err := probe.NewHTTPTransport(cfg.Origin.BaseURL, jar, secs(cfg.Origin.RequestTimeoutSec))
	if err != nil {
		return nil, fmt.Errorf("creating origin transport: %w", err)
	}
	credentials := probe.NewJarCredentials(jar, transport.BaseURL(), cfg.Origin.SessionCookie)

	// Diagnostics
	metrics, err := diagnostics.NewMetrics(diagnostics.MetricsOptions{Registerer: registry})
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	recorder := diagnostics.NewRecorder(diagnostics.Config{
		Capacity:      cfg.Diagnostics.Capacity,
		DensityWindow: secs(cfg.Diagnostics.DensityWindow),
		DensityLimit:  cfg.Diagnostics.DensityLimit,
		Metrics:       metrics,
		Logger:        logger,
	})

	// Anti-forgery token
	tokens := token.NewLifecycle(
		token.NewHTTPFetcher(transport, cfg.Token.Path, cfg.Token.Header),
		token.Config{
			Header:     cfg.Token.Header,
			ExpirySkew: secs(cfg.Token.ExpirySkew),
			Logger:     logger,
		},
	)

	a := &app{recorder: recorder, tokens: tokens}

	// Snapshot persistence (optional)
	var store authstate.SnapshotStore
	if cfg.Redis.Enabled {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis connection failed, starting without snapshot store", "error", err)
		} else {
			a.redis = client
			store = authstate.NewRedisSnapshotStore(client, cfg.Redis.KeyPrefix)
			logger.Info("snapshot store enabled", "addr", cfg.Redis.Addr)
		}
	}

	cacheCfg := authstate.CacheConfig{
		TTL: authstate.TTLPolicy{
			Base:       secs(cfg.Cache.BaseTTLSecs),
			Min:        secs(cfg.Cache.MinTTLSecs),
			HighFactor: cfg.Cache.HighFactor,
			LowFactor:  cfg.Cache.LowFactor,
		},
		GracePeriod:       millis(cfg.Grace.PeriodMS),
		DegradedThreshold: cfg.Grace.DegradedThreshold,
		HistorySize:       cfg.Cache.HistorySize,
		Store:             store,
		Logger:            logger,
	}
	coordCfg := authstate.CoordinatorConfig{
		Target:           cfg.Origin.ProbePath,
		Retry:            retryPolicy(cfg.Retry),
		ProbeTimeout:     millis(cfg.Origin.ProbeTimeoutMS),
		ReadinessTimeout: millis(cfg.Readiness.TimeoutMS),
		ReadinessPoll:    millis(cfg.Readiness.PollMS),
		Credentials:      credentials,
		Tokens:           tokens,
		Recorder:         recorder,
		Logger:           logger,
	}

	// Authorization engine
	engine := authstate.NewEngine(transport, cacheCfg, coordCfg)
	if engine.Cache.Restore(ctx) {
		logger.Info("restored last known authorization state")
	}

	var adminCache *authstate.Cache
	if cfg.Origin.AdminPath != "" {
		a.admin = authstate.NewAdminCheck(transport, cfg.Origin.AdminPath, cacheCfg, coordCfg)
		a.admin.Cache.Restore(ctx)
		adminCache = a.admin.Cache
	}

	a.guard = authstate.NewGuard(engine.Cache, authstate.GuardConfig{
		Tokens:            tokens,
		LivenessTarget:    cfg.Origin.LivenessPath,
		Transport:         transport,
		Recorder:          recorder,
		MaxRetries:        cfg.Guard.MaxRetries,
		Backoff:           millis(cfg.Guard.BackoffMS),
		DegradedThreshold: cfg.Grace.DegradedThreshold,
		Logger:            logger,
	})

	watched := []*authstate.Cache{engine.Cache}
	if adminCache != nil {
		watched = append(watched, adminCache)
	}
	a.refresher = authstate.NewRefresher(
		millis(cfg.Daemon.RefreshIntervalMS),
		millis(cfg.Cache.RefreshLeadMS),
		logger,
		watched...,
	)

	// HTTP surface
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.server = server.New(addr, server.Dependencies{
		Guard:              a.guard,
		AuthStateHandler:   authstate.NewHandler(a.guard, adminCache, cfg.Server.CORSAllowedOrigins, logger),
		DiagnosticsHandler: diagnostics.NewHandler(recorder),
		ProxyHandler: proxy.NewHandler(a.guard, transport, tokens, proxy.HandlerConfig{
			RequestTimeout: secs(cfg.Origin.RequestTimeoutSec),
			Recorder:       recorder,
			Credentials:    credentials,
			Logger:         logger,
		}),
		Metrics:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	return a, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func retryPolicy(cfg config.RetryConfig) authstate.RetryPolicy {
	delays := make([]time.Duration, 0, len(cfg.DelaysMS))
	for _, ms := range cfg.DelaysMS {
		delays = append(delays, millis(ms))
	}
	return authstate.RetryPolicy{
		MaxAttempts:          cfg.MaxAttempts,
		Delays:               delays,
		JitterRatio:          cfg.JitterRatio,
		FailureStep:          cfg.FailureStep,
		MaxFailureMultiplier: cfg.MaxFailureMultiplier,
	}
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
