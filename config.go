package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pov-board/api"
	"pov-board/storage"
)

const (
	driverAzureTables = "aztables"
	driverSQLite      = "sqlite"
)

type serverConfig struct {
	Debug bool
	Port  string

	Driver           string
	ConnStr          string
	StagesTable      string
	TasksTable       string
	EventsQueue      string
	QueueConcurrency int
	SQLitePath       string

	Redis       *redis.Options
	CacheTTL    time.Duration
	DeduperTTL  time.Duration
	UpdatesChan string

	Auth        api.AuthConfig
	AuthDomain  string
	MaxBodySize int64
}

// loadConfig reads the server settings from the environment.
func loadConfig() (serverConfig, error) {
	var cfg serverConfig
	var err error

	if cfg.Debug, err = envBool("DEBUG", false); err != nil {
		return cfg, err
	}
	cfg.Port = envString("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")

	cfg.Driver = envString("STORAGE_DRIVER", driverAzureTables)
	switch cfg.Driver {
	case driverAzureTables:
		cfg.ConnStr = os.Getenv("STORAGE_CONNECTION_STRING")
		cfg.StagesTable = os.Getenv("STAGES_TABLE")
		cfg.TasksTable = os.Getenv("TASKS_TABLE")
		cfg.EventsQueue = os.Getenv("EVENTS_QUEUE")
		if cfg.ConnStr == "" || cfg.StagesTable == "" || cfg.TasksTable == "" || cfg.EventsQueue == "" {
			return cfg, errors.New("missing storage config")
		}
		if cfg.QueueConcurrency, err = envInt("EVENT_QUEUE_CONCURRENCY", storage.DefaultQueueConcurrency()); err != nil {
			return cfg, err
		}
	case driverSQLite:
		cfg.SQLitePath = envString("SQLITE_PATH", "pov-board.db")
	default:
		return cfg, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.Driver)
	}

	if conn := os.Getenv("REDIS_CONNECTION_STRING"); conn != "" {
		cfg.Redis = parseRedis(conn)
	}
	if cfg.CacheTTL, err = envDur("CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	cfg.UpdatesChan = envString("BOARD_UPDATES_CHANNEL", "board-updates")
	n, err := envInt("MAX_BODY_SIZE", 1<<20)
	if err != nil {
		return cfg, err
	}
	cfg.MaxBodySize = int64(n)

	if cfg.Auth.KeyCacheTTL, err = envDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL); err != nil {
		return cfg, err
	}
	switch {
	case strings.EqualFold(os.Getenv("LOCAL_AUTH_MODE"), "hs256"):
		cfg.Auth.SharedSecret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if cfg.Auth.SharedSecret == "" {
			return cfg, errors.New("missing LOCAL_AUTH_SHARED_SECRET")
		}
	case os.Getenv("AUTH0_TEST_MODE") == "1":
		cfg.Auth.SharedSecret = os.Getenv("TEST_JWT_SECRET")
		if cfg.Auth.SharedSecret == "" {
			return cfg, errors.New("missing TEST_JWT_SECRET")
		}
	default:
		cfg.Auth.Audience = os.Getenv("AUTH0_AUDIENCE")
		cfg.AuthDomain = os.Getenv("AUTH0_DOMAIN")
		if cfg.Auth.Audience == "" || cfg.AuthDomain == "" {
			return cfg, errors.New("missing Auth0 config")
		}
		cfg.Auth.Issuer = "https://" + cfg.AuthDomain + "/"
	}
	return cfg, nil
}

// parseRedis accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedis(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
