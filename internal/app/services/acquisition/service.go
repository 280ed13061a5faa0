// Package acquisition serves client update checks: cache lookup, history
// load, resolution and the per-client rollout pick, with cache population
// deferred until after the response has been flushed.
package acquisition

import (
	"context"
	"net/url"
	"strings"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/deferred"
	"github.com/airlift-ota/airlift/internal/app/metrics"
	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
	"github.com/airlift-ota/airlift/pkg/logger"
)

// Service answers update checks.
type Service struct {
	packages storage.PackageStore
	cache    cache.Cache
	queue    *deferred.Queue
	log      *logger.Logger
}

// New constructs the acquisition service. cache and queue may be nil, in
// which case every check resolves fresh and nothing is deferred.
func New(packages storage.PackageStore, c cache.Cache, queue *deferred.Queue, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("acquisition")
	}
	return &Service{packages: packages, cache: c, queue: queue, log: log}
}

// CheckForUpdate resolves one client's update decision. Only an
// unresolvable deployment key or a malformed request produces an error;
// cache trouble degrades to a fresh resolution.
func (s *Service) CheckForUpdate(ctx context.Context, req resolver.Request) (resolver.UpdateInfo, error) {
	req.DeploymentKey = strings.TrimSpace(req.DeploymentKey)
	if err := storage.ValidateDeploymentKey(req.DeploymentKey); err != nil {
		return resolver.UpdateInfo{}, err
	}
	if strings.TrimSpace(req.AppVersion) == "" {
		return resolver.UpdateInfo{}, errors.Malformedf("appVersion is required")
	}

	key := cacheKey(req)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key)
		metrics.RecordCacheLookup(err == nil)
		switch {
		case err == nil:
			return cached.ForClient(req.ClientID), nil
		case err == cache.ErrMiss:
		default:
			// Degrade to a miss now; the failure surfaces after the
			// response has gone out.
			s.reportAfterFlush(err)
		}
	}

	history, err := s.packages.GetPackageHistoryFromDeploymentKey(ctx, req.DeploymentKey)
	if err != nil {
		return resolver.UpdateInfo{}, err
	}

	info, err := resolver.GetUpdatePackageInfo(history, req)
	if err != nil {
		return resolver.UpdateInfo{}, err
	}

	if s.cache != nil && s.queue != nil {
		c := s.cache
		s.queue.Submit(func(taskCtx context.Context) error {
			return c.Set(taskCtx, key, info)
		})
	}
	return info.ForClient(req.ClientID), nil
}

func (s *Service) reportAfterFlush(err error) {
	if s.queue == nil {
		s.log.WithError(err).Warn("cache read failed")
		return
	}
	s.queue.Submit(func(context.Context) error { return err })
}

// cacheKey builds the shared cache key from the normalized request, so
// query and body spellings of the same check land on one entry and the
// client id never fragments the cache.
func cacheKey(req resolver.Request) cache.Key {
	values := url.Values{}
	values.Set("appVersion", req.AppVersion)
	if req.PackageHash != "" {
		values.Set("packageHash", req.PackageHash)
	}
	if req.Label != "" {
		values.Set("label", req.Label)
	}
	if req.IsCompanion {
		values.Set("isCompanion", "true")
	}
	return cache.DeriveKey(req.DeploymentKey, "/updateCheck", values)
}
