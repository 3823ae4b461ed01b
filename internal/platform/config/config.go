package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Origin      OriginConfig      `koanf:"origin"`
	Cache       CacheConfig       `koanf:"cache"`
	Retry       RetryConfig       `koanf:"retry"`
	Grace       GraceConfig       `koanf:"grace"`
	Readiness   ReadinessConfig   `koanf:"readiness"`
	Guard       GuardConfig       `koanf:"guard"`
	Token       TokenConfig       `koanf:"token"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Redis       RedisConfig       `koanf:"redis"`
	Daemon      DaemonConfig      `koanf:"daemon"`
}

type ServerConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// OriginConfig points at the server whose authorization state is tracked.
type OriginConfig struct {
	BaseURL           string `koanf:"base_url"`
	ProbePath         string `koanf:"probe_path"`
	AdminPath         string `koanf:"admin_path"`
	LivenessPath      string `koanf:"liveness_path"`
	SessionCookie     string `koanf:"session_cookie"`
	ProbeTimeoutMS    int    `koanf:"probe_timeout_ms"`
	RequestTimeoutSec int    `koanf:"request_timeout_secs"`
}

type CacheConfig struct {
	BaseTTLSecs   int     `koanf:"base_ttl_secs"`
	MinTTLSecs    int     `koanf:"min_ttl_secs"`
	HighFactor    float64 `koanf:"high_factor"`
	LowFactor     float64 `koanf:"low_factor"`
	HistorySize   int     `koanf:"history_size"`
	RefreshLeadMS int     `koanf:"refresh_lead_ms"`
}

type RetryConfig struct {
	MaxAttempts          int     `koanf:"max_attempts"`
	DelaysMS             []int   `koanf:"delays_ms"`
	JitterRatio          float64 `koanf:"jitter_ratio"`
	FailureStep          float64 `koanf:"failure_step"`
	MaxFailureMultiplier float64 `koanf:"max_failure_multiplier"`
}

type GraceConfig struct {
	PeriodMS          int `koanf:"period_ms"`
	DegradedThreshold int `koanf:"degraded_threshold"`
}

type ReadinessConfig struct {
	TimeoutMS int `koanf:"timeout_ms"`
	PollMS    int `koanf:"poll_ms"`
}

type GuardConfig struct {
	MaxRetries int `koanf:"max_retries"`
	BackoffMS  int `koanf:"backoff_ms"`
}

type TokenConfig struct {
	Path       string `koanf:"path"`
	Header     string `koanf:"header"`
	ExpirySkew int    `koanf:"expiry_skew_secs"`
}

type DiagnosticsConfig struct {
	Capacity      int `koanf:"capacity"`
	DensityWindow int `koanf:"density_window_secs"`
	DensityLimit  int `koanf:"density_limit"`
}

type RedisConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type DaemonConfig struct {
	RefreshIntervalMS int `koanf:"refresh_interval_ms"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                        8787,
		"server.host":                        "127.0.0.1",
		"log.level":                          "info",
		"log.format":                         "json",
		"origin.base_url":                    "http://localhost:3000",
		"origin.probe_path":                  "/api/auth/status",
		"origin.admin_path":                  "/api/admin/status",
		"origin.session_cookie":              "session",
		"origin.probe_timeout_ms":            5000,
		"origin.request_timeout_secs":        30,
		"cache.base_ttl_secs":                300,
		"cache.min_ttl_secs":                 5,
		"cache.high_factor":                  1.0,
		"cache.low_factor":                   0.25,
		"cache.history_size":                 20,
		"cache.refresh_lead_ms":              2000,
		"retry.max_attempts":                 3,
		"retry.delays_ms":                    []int{1000, 2000},
		"retry.jitter_ratio":                 0.2,
		"retry.failure_step":                 0.25,
		"retry.max_failure_multiplier":       2.0,
		"grace.period_ms":                    10000,
		"grace.degraded_threshold":           6,
		"readiness.timeout_ms":               1500,
		"readiness.poll_ms":                  100,
		"guard.max_retries":                  1,
		"guard.backoff_ms":                   500,
		"token.path":                         "/api/csrf-token",
		"token.header":                       "X-CSRF-Token",
		"token.expiry_skew_secs":             30,
		"diagnostics.capacity":               100,
		"diagnostics.density_window_secs":    10,
		"diagnostics.density_limit":          5,
		"redis.enabled":                      false,
		"redis.addr":                         "localhost:6379",
		"redis.key_prefix":                   "authguard:snapshot",
		"daemon.refresh_interval_ms":         1000,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// The first underscore separates the section from the key:
	// AUTHGUARD_ORIGIN_BASE_URL -> origin.base_url
	_ = k.Load(env.Provider("AUTHGUARD_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "AUTHGUARD_"))
		section, rest, ok := strings.Cut(key, "_")
		if !ok {
			return key
		}
		return section + "." + rest
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
