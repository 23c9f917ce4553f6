// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, outbound rate budgets,
// shadow-ban detection, digest batching, and the publishing schedule.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-publisher-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RateLimitConfig defines one outbound sliding-window rate budget.
type RateLimitConfig struct {
	Limit  int           // max requests per window
	Window time.Duration // sliding window length
}

// ShadowBanConfig defines detection thresholds and pause bounds for the
// shadow-ban breaker.
type ShadowBanConfig struct {
	MinItems         int           // fewer parsed items than this is suspicious
	LargePayloadSize int           // bytes; big payload + few items = decoy page
	LowPayloadSize   int           // bytes; zero items above this is suspicious
	MinPause         time.Duration // lower bound of randomized pause
	MaxPause         time.Duration // upper bound of randomized pause
}

// DigestConfig controls batched ("digest") publications.
type DigestConfig struct {
	Frequency int // send a digest after this many single posts
	MinItems  int // skip the digest when fewer eligible items queued
	MaxItems  int // cap of items bundled into one digest
}

// ScheduleConfig constrains when the publishing loop may post.
type ScheduleConfig struct {
	Enabled      bool
	AllowedHours []int         // hours of day (local) when posting is allowed; empty = all
	OnePerDay    bool          // at most one publication per calendar day
	Interval     time.Duration // pause between publications
	IdleInterval time.Duration // pause when disabled, gated, or queue empty
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Store
	DBPath string // SQLite path

	// Redis (distributed rate limiting); empty disables the shared window
	RedisAddr string

	// Telegram publishing target
	TelegramToken string
	ChannelID     int64

	// Catalog discovery
	CatalogURL          string        // source reference fetched each cycle
	CatalogFetchTimeout time.Duration // explicit timeout for catalog calls

	// Outbound rate budgets
	CatalogRate RateLimitConfig // catalog-fetch budget
	PublishRate RateLimitConfig // publish-channel budget

	// Pipeline
	ShadowBan      ShadowBanConfig
	Digest         DigestConfig
	Schedule       ScheduleConfig
	DedupLookback  int           // days a posted product_key blocks re-posting
	ReapInterval   time.Duration // how often the reaper/pruner runs
	ProcessTimeout time.Duration // processing entries older than this are reaped
	MaxAttempts    int           // reaper requeue budget before failing an entry

	// Inbound (operational API) rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DBPath: getenv("DB_PATH", "publisher.db"),

		// Redis
		RedisAddr: getenv("REDIS_ADDR", ""),

		// Telegram
		TelegramToken: getenv("TELEGRAM_TOKEN", ""),
		ChannelID:     getint64("CHANNEL_ID", 0),

		// Catalog
		CatalogURL:          getenv("CATALOG_URL", ""),
		CatalogFetchTimeout: getdur("CATALOG_FETCH_TIMEOUT", 45*time.Second),

		// Outbound rate budgets
		CatalogRate: RateLimitConfig{
			Limit:  getint("CATALOG_RATE_LIMIT", 5),
			Window: getdur("CATALOG_RATE_WINDOW", time.Minute),
		},
		PublishRate: RateLimitConfig{
			Limit:  getint("PUBLISH_RATE_LIMIT", 20),
			Window: getdur("PUBLISH_RATE_WINDOW", time.Minute),
		},

		// Pipeline
		ShadowBan: ShadowBanConfig{
			MinItems:         getint("SHADOW_BAN_MIN_ITEMS", 5),
			LargePayloadSize: getint("SHADOW_BAN_LARGE_PAYLOAD", 500_000),
			LowPayloadSize:   getint("SHADOW_BAN_LOW_PAYLOAD", 100_000),
			MinPause:         getdur("SHADOW_BAN_MIN_PAUSE", 6*time.Hour),
			MaxPause:         getdur("SHADOW_BAN_MAX_PAUSE", 12*time.Hour),
		},
		Digest: DigestConfig{
			Frequency: getint("DIGEST_FREQUENCY", 15),
			MinItems:  getint("DIGEST_MIN_ITEMS", 3),
			MaxItems:  getint("DIGEST_MAX_ITEMS", 5),
		},
		Schedule: ScheduleConfig{
			Enabled:      getbool("SCHEDULE_ENABLED", false),
			AllowedHours: splitHours(getenv("SCHEDULE_ALLOWED_HOURS", "")),
			OnePerDay:    getbool("SCHEDULE_ONE_PER_DAY", false),
			Interval:     getdur("POST_INTERVAL", 3*time.Hour),
			IdleInterval: getdur("IDLE_INTERVAL", time.Minute),
		},
		DedupLookback:  getint("DEDUP_LOOKBACK_DAYS", 7),
		ReapInterval:   getdur("REAP_INTERVAL", 5*time.Minute),
		ProcessTimeout: getdur("PROCESS_TIMEOUT", 10*time.Minute),
		MaxAttempts:    getint("MAX_ATTEMPTS", 3),

		// Inbound rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-publisher-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.CatalogRate.Limit < 1 || cfg.PublishRate.Limit < 1 {
		return cfg, errors.New("rate limits must be >= 1")
	}
	if cfg.CatalogRate.Window <= 0 || cfg.PublishRate.Window <= 0 {
		return cfg, errors.New("rate windows must be positive durations")
	}
	if cfg.ShadowBan.MinPause <= 0 || cfg.ShadowBan.MaxPause < cfg.ShadowBan.MinPause {
		return cfg, errors.New("SHADOW_BAN pause bounds must satisfy 0 < min <= max")
	}
	if cfg.Digest.Frequency < 1 || cfg.Digest.MinItems < 1 || cfg.Digest.MaxItems < cfg.Digest.MinItems {
		return cfg, errors.New("DIGEST settings must satisfy frequency >= 1 and 1 <= min <= max")
	}
	for _, h := range cfg.Schedule.AllowedHours {
		if h < 0 || h > 23 {
			return cfg, errors.New("SCHEDULE_ALLOWED_HOURS entries must be in [0,23]")
		}
	}
	if cfg.Schedule.Interval <= 0 || cfg.Schedule.IdleInterval <= 0 {
		return cfg, errors.New("schedule intervals must be positive durations")
	}
	if cfg.DedupLookback < 0 {
		return cfg, errors.New("DEDUP_LOOKBACK_DAYS must be >= 0")
	}
	if cfg.ReapInterval <= 0 || cfg.ProcessTimeout <= 0 {
		return cfg, errors.New("REAP_INTERVAL and PROCESS_TIMEOUT must be positive durations")
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitHours parses a CSV of hour-of-day integers; malformed entries are dropped.
func splitHours(s string) []int {
	var out []int
	for _, p := range splitCSV(s) {
		if h, err := strconv.Atoi(p); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
