package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pov-board/api"
	"pov-board/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, closeBase := openBackend(cfg)
	defer closeBase()

	var rc *redis.Client
	if cfg.Redis != nil {
		rc = redis.NewClient(cfg.Redis)
		defer rc.Close()
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, running without cache, idempotency or cross-instance updates")
	}

	deps := api.Deps{
		Store:   storage.NewCache(base, rc, cfg.CacheTTL),
		Auth:    newAuth(cfg),
		Updates: api.NewBoardUpdates(rc, cfg.UpdatesChan, log.StandardLogger()),
		Logger:  log.StandardLogger(),
	}
	if rc != nil && cfg.DeduperTTL > 0 {
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}
	go deps.Updates.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(cfg.MaxBodySize))

	api.Register(e, deps)

	go func() {
		<-ctx.Done()
		if err := e.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithFields(log.Fields{"driver": cfg.Driver, "port": cfg.Port}).Info("pov-board listening")
	if err := e.Start(":" + cfg.Port); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

// openBackend opens the configured storage driver.
func openBackend(cfg serverConfig) (storage.Backend, func()) {
	switch cfg.Driver {
	case driverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		return db, func() { db.Close() }
	default:
		store, err := storage.New(cfg.ConnStr, cfg.StagesTable, cfg.TasksTable, cfg.EventsQueue, cfg.QueueConcurrency)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return store, func() {}
	}
}

func newAuth(cfg serverConfig) *api.Auth {
	if cfg.Auth.SharedSecret != "" {
		return api.NewAuth(nil, cfg.Auth)
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, cfg.Auth)
}
