package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile        string
	StorageDriver string
	AdminAddr     string
	APIAddr       string
	AuthSecret    string
	TokenExpiry   time.Duration
	LogLevel      slog.Level
	CORSOrigins   []string

	PresenceStaleAfter   time.Duration
	PresencePersistEvery time.Duration
	OfflineGrace         time.Duration
	TypingTTL            time.Duration
	RateWindow           time.Duration
	RateMax              int
	SweepInterval        time.Duration
	IdempotencyTTL       time.Duration
	ChannelBuffer        int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Load reads the environment, after merging an optional .env file.
// cliMode relaxes checks that only matter for the server.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key, fallback string) int {
		n, err := strconv.Atoi(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cfg := &Config{
		DBFile:               getEnv("PARLEY_DB", "parley.db"),
		StorageDriver:        getEnv("STORAGE_DRIVER", "bbolt"),
		AdminAddr:            getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:              getEnv("API_ADDR", ":8080"),
		AuthSecret:           os.Getenv("AUTH_SECRET"),
		TokenExpiry:          duration("TOKEN_EXPIRY", "12h"),
		CORSOrigins:          splitList(getEnv("CORS_ORIGINS", "")),
		PresenceStaleAfter:   duration("PRESENCE_STALE_AFTER", "60s"),
		PresencePersistEvery: duration("PRESENCE_PERSIST_EVERY", "1m"),
		OfflineGrace:         duration("OFFLINE_GRACE", "5s"),
		TypingTTL:            duration("TYPING_TTL", "2s"),
		RateWindow:           duration("RATE_WINDOW", "60s"),
		RateMax:              integer("RATE_MAX", "100"),
		SweepInterval:        duration("SWEEP_INTERVAL", "1s"),
		IdempotencyTTL:       duration("IDEMPOTENCY_TTL", "10m"),
		ChannelBuffer:        integer("CHANNEL_BUFFER", "64"),
		VAPIDPublicKey:       os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:      os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:         getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	switch c.StorageDriver {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be bbolt or sqlite, got %q", c.StorageDriver)
	}

	for name, d := range map[string]time.Duration{
		"TOKEN_EXPIRY":           c.TokenExpiry,
		"PRESENCE_STALE_AFTER":   c.PresenceStaleAfter,
		"PRESENCE_PERSIST_EVERY": c.PresencePersistEvery,
		"TYPING_TTL":             c.TypingTTL,
		"RATE_WINDOW":            c.RateWindow,
		"SWEEP_INTERVAL":         c.SweepInterval,
		"IDEMPOTENCY_TTL":        c.IdempotencyTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if c.OfflineGrace < 0 {
		return fmt.Errorf("OFFLINE_GRACE must not be negative")
	}
	if c.RateMax <= 0 {
		return fmt.Errorf("RATE_MAX must be greater than 0")
	}
	if c.ChannelBuffer <= 0 {
		return fmt.Errorf("CHANNEL_BUFFER must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
