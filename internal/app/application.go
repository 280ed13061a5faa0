package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/deferred"
	"github.com/airlift-ota/airlift/internal/app/httpapi"
	"github.com/airlift-ota/airlift/internal/app/services/accounting"
	"github.com/airlift-ota/airlift/internal/app/services/acquisition"
	"github.com/airlift-ota/airlift/internal/app/services/management"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/app/storage/memory"
	"github.com/airlift-ota/airlift/internal/app/system"
	"github.com/airlift-ota/airlift/pkg/logger"
)

// Config carries the application's pluggable backends. Nil fields default to
// the embedded in-memory implementations.
type Config struct {
	Store   storage.Store
	Cache   cache.Cache
	Metrics accounting.MetricStore

	// AuthSecret signs management session tokens. When empty a random
	// per-process secret is generated, which invalidates sessions across
	// restarts.
	AuthSecret []byte
	QueueSize  int
	Log        *logger.Logger
}

// Application ties the services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store storage.Store
	Cache cache.Cache
	Queue *deferred.Queue

	Acquisition *acquisition.Service
	Accounting  *accounting.Service
	Management  *management.Service

	handler http.Handler
}

// New builds a fully initialised application with the provided backends.
func New(cfg Config) (*Application, error) {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg.Store == nil {
		cfg.Store = memory.New(memory.WithHealthy())
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory(0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = accounting.NewMemoryStore()
	}
	if len(cfg.AuthSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		cfg.AuthSecret = secret
		log.Warn("AUTH_SECRET not configured; sessions will not survive restarts")
	}

	manager := system.NewManager()
	queue := deferred.NewQueue(cfg.QueueSize, log)
	if err := manager.Register(queue); err != nil {
		return nil, fmt.Errorf("register deferred queue: %w", err)
	}

	accountingSvc := accounting.New(cfg.Metrics, log)
	acquisitionSvc := acquisition.New(cfg.Store, cfg.Cache, queue, log)
	managementSvc := management.New(cfg.Store, cfg.Cache, log)

	// The request-scoped services carry no background work; registering
	// them keeps the lifecycle roster complete and their names reserved.
	for _, name := range []string{"acquisition", "accounting", "management"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	handler := httpapi.NewHandler(httpapi.Config{
		Acquisition: acquisitionSvc,
		Accounting:  accountingSvc,
		Management:  managementSvc,
		Health:      cfg.Store,
		Queue:       queue,
		AuthSecret:  cfg.AuthSecret,
		Log:         log,
	})

	return &Application{
		manager:     manager,
		log:         log,
		Store:       cfg.Store,
		Cache:       cfg.Cache,
		Queue:       queue,
		Acquisition: acquisitionSvc,
		Accounting:  accountingSvc,
		Management:  managementSvc,
		handler:     handler,
	}, nil
}

// Handler returns the HTTP surface covering both the acquisition and the
// management APIs.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
