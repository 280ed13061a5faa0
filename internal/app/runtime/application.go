// Package runtime wires configured backends into a running HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/airlift-ota/airlift/internal/app"
	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/metrics"
	"github.com/airlift-ota/airlift/internal/app/services/accounting"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/app/storage/postgres"
	"github.com/airlift-ota/airlift/internal/config"
	"github.com/airlift-ota/airlift/internal/middleware"
	"github.com/airlift-ota/airlift/internal/platform/migrations"
	"github.com/airlift-ota/airlift/pkg/logger"
)

const sweepSchedule = "@every 5m"

// Application wires the configured backends and manages the HTTP server
// lifecycle.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	app    *app.Application
	server *http.Server
	db     *sql.DB
	redis  *redis.Client
}

// NewApplication constructs an application from the environment. Without a
// DATABASE_URL it runs on the embedded in-memory store; without a REDIS_ADDR
// it caches and counts in process memory.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Component: "airlift",
	})

	var db *sql.DB
	var store storage.Store
	if cfg.Database.URL != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := migrations.Apply(migrateCtx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		store = postgres.New(db)
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; state will not survive restarts")
	}

	var respCache cache.Cache
	var metricStore accounting.MetricStore
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			redisClient.Close()
			if db != nil {
				db.Close()
			}
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		respCache = cache.NewRedis(redisClient, cfg.Cache.TTL())
		metricStore = accounting.NewRedisStore(redisClient)
		log.Info("using redis cache and metrics")
	} else {
		respCache = cache.NewMemory(cfg.Cache.TTL())
		metricStore = accounting.NewMemoryStore()
	}

	application, err := app.New(app.Config{
		Store:      store,
		Cache:      respCache,
		Metrics:    metricStore,
		AuthSecret: []byte(cfg.AuthSecret),
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	if mem, ok := respCache.(*cache.Memory); ok {
		j, err := newJanitor(mem, sweepSchedule, log)
		if err != nil {
			return nil, fmt.Errorf("configure cache janitor: %w", err)
		}
		if err := application.Attach(j); err != nil {
			return nil, fmt.Errorf("attach cache janitor: %w", err)
		}
	}

	handler := application.Handler()
	if cfg.RateLimit.Enabled {
		handler = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log).Handler(handler)
	}
	if len(cfg.CORSOrigins) > 0 {
		handler = middleware.NewCORS(cfg.CORSOrigins).Handler(handler)
	}
	handler = metrics.InstrumentHandler(handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return &Application{
		cfg:    cfg,
		log:    log,
		app:    application,
		server: server,
		db:     db,
		redis:  redisClient,
	}, nil
}

// Run starts the background services and the HTTP server and blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr())
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the background services and the
// backend connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
