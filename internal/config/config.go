// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable the service consumes. Values come from the
// environment (after an optional .env load in the binary); defaults mirror
// the reference deployment.
type Config struct {
	// Addr is the listen address. ENV: ADDR
	Addr string `env:"ADDR,default=:8000"`

	// APIToken is the static shared secret required on GET /sse. ENV: API_TOKEN
	APIToken string `env:"API_TOKEN,required"`

	// AppID and AppSecret are the vendor application credentials.
	AppID     string `env:"WECHAT_APPID,required"`
	AppSecret string `env:"WECHAT_SECRET,required"`

	// MPToken signs the vendor's webhook verification challenge. ENV: WECHAT_MP_TOKEN
	MPToken string `env:"WECHAT_MP_TOKEN,required"`

	// APIBase overrides the vendor endpoint, mainly for tests. ENV: WECHAT_API_BASE
	APIBase string `env:"WECHAT_API_BASE,default=https://api.weixin.qq.com"`

	// RateLimit caps outbound vendor calls per second. ENV: WECHAT_RATE_LIMIT
	RateLimit int `env:"WECHAT_RATE_LIMIT,default=10"`

	// SessionBudget is the total wall-clock budget for one streaming session.
	// ENV: SESSION_BUDGET
	SessionBudget time.Duration `env:"SESSION_BUDGET,default=20s"`

	// WarmCount is how many identifiers to pre-mint at startup. ENV: POOL_WARM_COUNT
	WarmCount int `env:"POOL_WARM_COUNT,default=10"`

	// SceneTTL is how long a minted identifier stays usable. ENV: POOL_SCENE_TTL
	SceneTTL time.Duration `env:"POOL_SCENE_TTL,default=720h"`

	// MaxRetries and RetryDelay govern the allocation fallback mint loop.
	MaxRetries int           `env:"ISSUE_MAX_RETRIES,default=3"`
	RetryDelay time.Duration `env:"ISSUE_RETRY_DELAY,default=1s"`

	// TimeoutNotice controls the synthetic timeout frame. ENV: SSE_TIMEOUT_NOTICE
	TimeoutNotice bool `env:"SSE_TIMEOUT_NOTICE,default=true"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load populates a Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps the configured level name onto a slog.Level, defaulting to
// info for anything unrecognized.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
