package main

import (
	"strings"
	"testing"
	"time"

	"pov-board/api"
)

func TestLoadConfigSQLiteWithLocalAuth(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/board.db")
	t.Setenv("LOCAL_AUTH_MODE", "HS256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "dev")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("DEBUG", "true")
	t.Setenv("REDIS_CONNECTION_STRING", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Driver != driverSQLite || cfg.SQLitePath != "/tmp/board.db" {
		t.Fatalf("unexpected storage config %+v", cfg)
	}
	if cfg.Auth.SharedSecret != "dev" || cfg.CacheTTL != 30*time.Second || !cfg.Debug {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Port != "8080" || cfg.DeduperTTL != 24*time.Hour || cfg.Auth.KeyCacheTTL != api.DefaultJWKSCacheTTL {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Redis != nil {
		t.Fatalf("redis should be disabled without a connection string")
	}
}

func TestLoadConfigAzureRequiresStorage(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("STORAGE_CONNECTION_STRING", "")
	_, err := loadConfig()
	if err == nil || !strings.Contains(err.Error(), "missing storage config") {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestLoadConfigAuth0(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("LOCAL_AUTH_MODE", "")
	t.Setenv("AUTH0_TEST_MODE", "")
	t.Setenv("AUTH0_AUDIENCE", "https://api.pov")
	t.Setenv("AUTH0_DOMAIN", "tenant.eu.auth0.com")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Auth.Issuer != "https://tenant.eu.auth0.com/" || cfg.Auth.Audience != "https://api.pov" {
		t.Fatalf("unexpected auth %+v", cfg.Auth)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":  {"STORAGE_DRIVER": "mongo"},
		"ttl":     {"STORAGE_DRIVER": "sqlite", "CACHE_TTL": "soon"},
		"debug":   {"STORAGE_DRIVER": "sqlite", "DEBUG": "maybe"},
		"body":    {"STORAGE_DRIVER": "sqlite", "MAX_BODY_SIZE": "0"},
		"secret":  {"STORAGE_DRIVER": "sqlite", "LOCAL_AUTH_MODE": "hs256", "LOCAL_AUTH_SHARED_SECRET": ""},
		"auth0":   {"STORAGE_DRIVER": "sqlite", "AUTH0_AUDIENCE": "", "AUTH0_DOMAIN": ""},
		"testjwt": {"STORAGE_DRIVER": "sqlite", "AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestParseRedis(t *testing.T) {
	opts := parseRedis("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}

	opts = parseRedis("cache.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if opts.Addr != "cache.redis.cache.windows.net:6380" || opts.Password != "abc=" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options %+v", opts)
	}

	opts = parseRedis("localhost:6379")
	if opts.Addr != "localhost:6379" || opts.TLSConfig != nil {
		t.Fatalf("unexpected plain options %+v", opts)
	}
}
