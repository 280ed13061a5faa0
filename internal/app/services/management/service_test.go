package management

import (
	"context"
	"testing"
	"time"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/domain/account"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/app/storage/memory"
	"github.com/airlift-ota/airlift/internal/errors"
)

type fixture struct {
	svc   *Service
	cache *cache.Memory

	accountID    string
	appID        string
	deploymentID string
	deployKey    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	c := cache.NewMemory(time.Minute)
	svc := New(memory.New(), c, nil)

	acct, err := svc.CreateAccount(ctx, account.Account{Email: "owner@example.com", Name: "owner"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	app, deployments, err := svc.CreateApp(ctx, acct.ID, "my-app")
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	if len(deployments) != 2 {
		t.Fatalf("expected Production and Staging by default, got %d", len(deployments))
	}

	return &fixture{
		svc:          svc,
		cache:        c,
		accountID:    acct.ID,
		appID:        app.ID,
		deploymentID: deployments[0].ID,
		deployKey:    deployments[0].Key,
	}
}

func (f *fixture) release(t *testing.T, hash string, rollout *int) deployment.Package {
	t.Helper()
	pkg, err := f.svc.Release(context.Background(), f.accountID, f.appID, f.deploymentID, ReleaseRequest{
		AppVersion:  "1.0.0",
		PackageHash: hash,
		Content:     []byte("bundle-" + hash),
		ReleasedBy:  "owner@example.com",
		Rollout:     rollout,
	})
	if err != nil {
		t.Fatalf("release %s: %v", hash, err)
	}
	return pkg
}

func TestReleaseCommitsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Seed a cached response for the deployment key, then release.
	key := cache.DeriveKey(f.deployKey, "/updateCheck", nil)
	if err := f.cache.Set(ctx, key, resolver.PackageInfo{}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	pkg := f.release(t, "h1", nil)
	if pkg.Label != "v1" {
		t.Fatalf("first release must be v1, got %s", pkg.Label)
	}
	if pkg.BlobURL == "" || pkg.Size == 0 {
		t.Fatalf("release must persist the blob: %#v", pkg)
	}
	if pkg.ReleaseMethod != deployment.ReleaseMethodUpload {
		t.Fatalf("release method mismatch: %s", pkg.ReleaseMethod)
	}

	if _, err := f.cache.Get(ctx, key); err != cache.ErrMiss {
		t.Fatalf("release must invalidate cached responses, got %v", err)
	}
}

func TestReleaseValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bad := func(req ReleaseRequest) error {
		_, err := f.svc.Release(ctx, f.accountID, f.appID, f.deploymentID, req)
		return err
	}

	if err := bad(ReleaseRequest{PackageHash: "h", Content: []byte("x")}); !errors.IsMalformed(err) {
		t.Fatalf("missing range must be Malformed, got %v", err)
	}
	if err := bad(ReleaseRequest{AppVersion: "not a range", PackageHash: "h", Content: []byte("x")}); !errors.IsMalformed(err) {
		t.Fatalf("bad range must be Malformed, got %v", err)
	}
	if err := bad(ReleaseRequest{AppVersion: "1.0.0", Content: []byte("x")}); !errors.IsMalformed(err) {
		t.Fatalf("missing hash must be Malformed, got %v", err)
	}
	zero := 0
	if err := bad(ReleaseRequest{AppVersion: "1.0.0", PackageHash: "h", Content: []byte("x"), Rollout: &zero}); !errors.IsMalformed(err) {
		t.Fatalf("rollout 0 must be Malformed, got %v", err)
	}
	over := 101
	if err := bad(ReleaseRequest{AppVersion: "1.0.0", PackageHash: "h", Content: []byte("x"), Rollout: &over}); !errors.IsMalformed(err) {
		t.Fatalf("rollout 101 must be Malformed, got %v", err)
	}

	// Ranges are accepted, not just plain versions.
	if _, err := f.svc.Release(ctx, f.accountID, f.appID, f.deploymentID, ReleaseRequest{
		AppVersion: ">=1.0.0 <2.0.0", PackageHash: "h-range", Content: []byte("x"),
	}); err != nil {
		t.Fatalf("range release: %v", err)
	}
}

func TestPatchPackage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	forty := 40
	f.release(t, "h1", &forty)

	disabled := true
	desc := "hotfix"
	patched, err := f.svc.PatchPackage(ctx, f.accountID, f.appID, f.deploymentID, "v1", PackagePatch{
		Description: &desc,
		IsDisabled:  &disabled,
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Description != "hotfix" || !patched.IsDisabled {
		t.Fatalf("patch not applied: %#v", patched)
	}
	if patched.PackageHash != "h1" || patched.Label != "v1" {
		t.Fatalf("identity must be preserved: %#v", patched)
	}

	if _, err := f.svc.PatchPackage(ctx, f.accountID, f.appID, f.deploymentID, "v9", PackagePatch{Description: &desc}); !errors.IsNotFound(err) {
		t.Fatalf("unknown label must NotFound, got %v", err)
	}
}

func TestRolloutOnlyGrows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	forty := 40
	f.release(t, "h1", &forty)

	thirty := 30
	if _, err := f.svc.PatchPackage(ctx, f.accountID, f.appID, f.deploymentID, "v1", PackagePatch{Rollout: &thirty}); !errors.IsMalformed(err) {
		t.Fatalf("shrinking rollout must be Malformed, got %v", err)
	}

	eighty := 80
	patched, err := f.svc.PatchPackage(ctx, f.accountID, f.appID, f.deploymentID, "v1", PackagePatch{Rollout: &eighty})
	if err != nil {
		t.Fatalf("grow rollout: %v", err)
	}
	if patched.Rollout == nil || *patched.Rollout != 80 {
		t.Fatalf("rollout not applied: %#v", patched)
	}

	f.release(t, "h2", nil)
	ninety := 90
	if _, err := f.svc.PatchPackage(ctx, f.accountID, f.appID, f.deploymentID, "v2", PackagePatch{Rollout: &ninety}); !errors.IsMalformed(err) {
		t.Fatalf("reopening a finished rollout must be Malformed, got %v", err)
	}
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.release(t, "h1", nil)

	deployments, err := f.svc.ListDeployments(ctx, f.accountID, f.appID)
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	var staging deployment.Deployment
	for _, dep := range deployments {
		if dep.Name == "Staging" {
			staging = dep
		}
	}

	promoted, err := f.svc.Promote(ctx, f.accountID, f.appID, f.deploymentID, staging.ID, PackagePatch{})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Label != "v1" {
		t.Fatalf("target history starts fresh at v1, got %s", promoted.Label)
	}
	if promoted.PackageHash != "h1" {
		t.Fatalf("promoted content must match source: %#v", promoted)
	}
	if promoted.ReleaseMethod != deployment.ReleaseMethodPromote {
		t.Fatalf("release method mismatch: %s", promoted.ReleaseMethod)
	}

	staged := 25
	throttled, err := f.svc.Promote(ctx, f.accountID, f.appID, f.deploymentID, staging.ID, PackagePatch{Rollout: &staged})
	if err != nil {
		t.Fatalf("staged promote: %v", err)
	}
	if throttled.Rollout == nil || *throttled.Rollout != 25 {
		t.Fatalf("promote must honor the rollout override: %#v", throttled)
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.release(t, "h1", nil)
	f.release(t, "h2", nil)

	rolled, err := f.svc.Rollback(ctx, f.accountID, f.appID, f.deploymentID, "")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.PackageHash != "h1" || rolled.Label != "v3" {
		t.Fatalf("rollback must re-release h1 under a new label: %#v", rolled)
	}
	if rolled.ReleaseMethod != deployment.ReleaseMethodRollback {
		t.Fatalf("release method mismatch: %s", rolled.ReleaseMethod)
	}

	// Rolling back again would target h2's label... current is h1 now.
	if _, err := f.svc.Rollback(ctx, f.accountID, f.appID, f.deploymentID, "v3"); !errors.IsAlreadyExists(err) {
		t.Fatalf("rolling back to the current package must conflict, got %v", err)
	}
	if _, err := f.svc.Rollback(ctx, f.accountID, f.appID, f.deploymentID, "v99"); !errors.IsNotFound(err) {
		t.Fatalf("unknown label must NotFound, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key, err := f.svc.CreateAccessKey(ctx, f.accountID, "ci", "cli", time.Hour)
	if err != nil {
		t.Fatalf("create access key: %v", err)
	}
	if key.Name == "" {
		t.Fatalf("token must be generated")
	}

	acct, err := f.svc.Authenticate(ctx, "owner@example.com", key.Name)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if acct.ID != f.accountID {
		t.Fatalf("wrong account: %#v", acct)
	}

	if _, err := f.svc.Authenticate(ctx, "owner@example.com", "wrong-token"); !errors.IsNotFound(err) {
		t.Fatalf("bad token must NotFound, got %v", err)
	}

	expired, err := f.svc.CreateAccessKey(ctx, f.accountID, "old", "cli", -time.Hour)
	if err != nil {
		t.Fatalf("create expired key: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "owner@example.com", expired.Name); err == nil {
		t.Fatalf("expired key must not authenticate")
	}
}

func TestRemoveDeploymentInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.release(t, "h1", nil)

	key := cache.DeriveKey(f.deployKey, "/updateCheck", nil)
	if err := f.cache.Set(ctx, key, resolver.PackageInfo{}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if err := f.svc.RemoveDeployment(ctx, f.accountID, f.appID, f.deploymentID); err != nil {
		t.Fatalf("remove deployment: %v", err)
	}
	if _, err := f.cache.Get(ctx, key); err != cache.ErrMiss {
		t.Fatalf("removal must invalidate cached responses, got %v", err)
	}
}
