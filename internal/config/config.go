package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseDriver       string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret string
	JWTTTL    time.Duration

	LogLevel  string
	LogFormat string

	Telegram TelegramConfig
	Worker   WorkerConfig
	Jobs     JobsConfig

	BroadcastBatchSize int
	TargetStaleAfter   time.Duration
}

type TelegramConfig struct {
	// Token empty means deliveries are only logged.
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	ClaimLimit   int
}

type JobsConfig struct {
	LockTimeout  time.Duration
	ReapInterval time.Duration
	MaxFailures  int
	Retention    time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseDriver:       strings.ToLower(getenv("DATABASE_DRIVER", "postgres")),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "console"),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	cfg.JWTSecret = mustGetenv("JWT_SECRET")
	cfg.Telegram.Token = getenv("TELEGRAM_TOKEN", "")

	p := parser{}
	cfg.JWTTTL = p.duration("JWT_TTL", 24*time.Hour)
	cfg.Telegram.RatePerSec = p.int("TELEGRAM_RATE_PER_SEC", 25)
	cfg.Telegram.Timeout = p.duration("TELEGRAM_TIMEOUT", 15*time.Second)

	cfg.Worker.Count = p.int("WORKER_COUNT", 1)
	cfg.Worker.PollInterval = p.duration("WORKER_POLL_INTERVAL", time.Second)
	cfg.Worker.ClaimLimit = p.int("WORKER_CLAIM_LIMIT", 5)

	cfg.Jobs.LockTimeout = p.duration("JOB_LOCK_TIMEOUT", 10*time.Minute)
	cfg.Jobs.ReapInterval = p.duration("JOB_REAP_INTERVAL", time.Minute)
	cfg.Jobs.MaxFailures = p.int("JOB_MAX_FAILURES", 8)
	cfg.Jobs.Retention = p.duration("JOB_RETENTION", 7*24*time.Hour)

	cfg.BroadcastBatchSize = p.int("BROADCAST_BATCH_SIZE", 5)
	cfg.TargetStaleAfter = p.duration("BROADCAST_TARGET_STALE_AFTER", 10*time.Minute)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse fine but cannot work together.
func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("config: WORKER_COUNT must be >= 0")
	}
	if c.Worker.ClaimLimit <= 0 {
		return fmt.Errorf("config: WORKER_CLAIM_LIMIT must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("config: WORKER_POLL_INTERVAL must be > 0")
	}
	if c.Jobs.LockTimeout <= 0 || c.Jobs.ReapInterval <= 0 {
		return fmt.Errorf("config: JOB_LOCK_TIMEOUT and JOB_REAP_INTERVAL must be > 0")
	}
	if c.BroadcastBatchSize <= 0 {
		return fmt.Errorf("config: BROADCAST_BATCH_SIZE must be > 0")
	}
	return nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

// parser keeps the first typed-parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
