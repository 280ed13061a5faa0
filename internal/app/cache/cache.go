// Package cache holds resolved update-check responses so repeated checks
// against an unchanged deployment skip storage and resolution entirely.
// Entries are keyed so that requests differing only by client identity
// share one entry; the per-client rollout pick happens after lookup.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"

	"github.com/airlift-ota/airlift/internal/app/resolver"
)

// ErrMiss is returned by Get when no entry exists for the key. Callers
// compute fresh and populate after the response is flushed.
var ErrMiss = errors.New("cache miss")

// Key addresses one cached resolution. The deployment key never appears
// in the clear; invalidation works per deployment-key hash.
type Key struct {
	DeploymentKeyHash string
	Fingerprint       string
}

// Cache is the store for resolved responses. Implementations must treat
// Get on an absent key as ErrMiss, not an error condition.
type Cache interface {
	Get(ctx context.Context, key Key) (resolver.PackageInfo, error)
	Set(ctx context.Context, key Key, value resolver.PackageInfo) error
	Invalidate(ctx context.Context, deploymentKey string) error
}

// fields that identify the individual client rather than the request
// shape; they must not fragment the cache.
var clientFields = map[string]struct{}{
	"clientUniqueId":   {},
	"client_unique_id": {},
}

// HashDeploymentKey derives the cache namespace for a deployment key.
func HashDeploymentKey(deploymentKey string) string {
	sum := sha256.Sum256([]byte(deploymentKey))
	return hex.EncodeToString(sum[:])
}

// DeriveKey builds the cache key for an update-check request. The
// fingerprint is the request path plus its query in sorted order with
// client-identifying fields stripped.
func DeriveKey(deploymentKey, path string, query url.Values) Key {
	filtered := url.Values{}
	for name, values := range query {
		if _, ok := clientFields[name]; ok {
			continue
		}
		filtered[name] = values
	}
	fingerprint := path
	if encoded := filtered.Encode(); encoded != "" {
		fingerprint += "?" + encoded
	}
	return Key{
		DeploymentKeyHash: HashDeploymentKey(deploymentKey),
		Fingerprint:       fingerprint,
	}
}
