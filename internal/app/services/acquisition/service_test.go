package acquisition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/deferred"
	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/app/storage/memory"
	"github.com/airlift-ota/airlift/internal/errors"
)

type fixture struct {
	store *memory.Store
	cache *cache.Memory
	queue *deferred.Queue
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	c := cache.NewMemory(time.Minute)
	queue := deferred.NewQueue(16, nil)
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(func() { queue.Stop(context.Background()) })

	return &fixture{store: store, cache: c, queue: queue, svc: New(store, c, queue, nil)}
}

func (f *fixture) seed(t *testing.T, key string, packages ...deployment.Package) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.store.AddAccount(ctx, account.Account{Email: "release@example.com"})
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	app, err := f.store.AddApp(ctx, acct.ID, appdomain.App{Name: "app"})
	if err != nil {
		t.Fatalf("add app: %v", err)
	}
	dep, err := f.store.AddDeployment(ctx, acct.ID, app.ID, deployment.Deployment{Name: "Production", Key: key})
	if err != nil {
		t.Fatalf("add deployment: %v", err)
	}
	for _, pkg := range packages {
		if _, err := f.store.CommitPackage(ctx, acct.ID, app.ID, dep.ID, pkg); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
}

// drain waits for the deferred queue to work through pending tasks.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	if !f.queue.Submit(func(context.Context) error { close(done); return nil }) {
		t.Fatalf("queue rejected drain marker")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deferred queue did not drain")
	}
}

func TestCheckForUpdateResolvesAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "dk-1",
		deployment.Package{AppVersion: "1.0.0", PackageHash: "h1", BlobURL: "https://blobs/h1"},
		deployment.Package{AppVersion: "1.0.0", PackageHash: "h2", BlobURL: "https://blobs/h2"},
	)

	req := resolver.Request{DeploymentKey: "dk-1", AppVersion: "1.0.0", PackageHash: "h1", ClientID: "c1"}
	info, err := f.svc.CheckForUpdate(ctx, req)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !info.IsAvailable || info.Label != "v2" {
		t.Fatalf("expected v2, got %#v", info)
	}

	// Population is deferred; after draining, the same request hits the
	// cache even for a different client.
	f.drain(t)
	req.ClientID = "c2"
	again, err := f.svc.CheckForUpdate(ctx, req)
	if err != nil {
		t.Fatalf("cached check: %v", err)
	}
	if again.Label != "v2" {
		t.Fatalf("cached response mismatch: %#v", again)
	}
}

func TestCheckForUpdateUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckForUpdate(context.Background(), resolver.Request{DeploymentKey: "missing", AppVersion: "1.0.0"})
	if !errors.IsNotFound(err) {
		t.Fatalf("unknown deployment key must NotFound, got %v", err)
	}
}

func TestCheckForUpdateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CheckForUpdate(ctx, resolver.Request{DeploymentKey: "bad key!", AppVersion: "1.0.0"}); !errors.IsMalformed(err) {
		t.Fatalf("bad key must be Malformed, got %v", err)
	}
	if _, err := f.svc.CheckForUpdate(ctx, resolver.Request{DeploymentKey: "dk-1"}); !errors.IsMalformed(err) {
		t.Fatalf("missing appVersion must be Malformed, got %v", err)
	}
}

// failingCache satisfies cache.Cache and breaks on read.
type failingCache struct {
	readErr error
	store   *cache.Memory
}

func (f *failingCache) Get(ctx context.Context, key cache.Key) (resolver.PackageInfo, error) {
	return resolver.PackageInfo{}, f.readErr
}

func (f *failingCache) Set(ctx context.Context, key cache.Key, value resolver.PackageInfo) error {
	return f.store.Set(ctx, key, value)
}

func (f *failingCache) Invalidate(ctx context.Context, deploymentKey string) error {
	return f.store.Invalidate(ctx, deploymentKey)
}

func TestCacheReadFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "dk-2", deployment.Package{AppVersion: "1.0.0", PackageHash: "h1", BlobURL: "https://blobs/h1"})

	readErr := errors.Wrap(errors.KindConnectionFailed, "cache down", nil)
	f.svc = New(f.store, &failingCache{readErr: readErr, store: f.cache}, f.queue, nil)

	info, err := f.svc.CheckForUpdate(ctx, resolver.Request{DeploymentKey: "dk-2", AppVersion: "1.0.0", PackageHash: "h0", ClientID: "c1"})
	if err != nil {
		t.Fatalf("check must succeed despite cache failure: %v", err)
	}
	if !info.IsAvailable || info.Label != "v1" {
		t.Fatalf("fresh resolution expected: %#v", info)
	}

	// The read failure surfaces on the queue's error channel, after the
	// response.
	select {
	case got := <-f.queue.Errors():
		if errors.KindOf(got) != errors.KindConnectionFailed {
			t.Fatalf("unexpected surfaced error: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cache failure never surfaced")
	}
}

func TestStagedRolloutPerClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fifty := 50
	f.seed(t, "dk-3",
		deployment.Package{AppVersion: "1.0.0", PackageHash: "h1", BlobURL: "https://blobs/h1"},
		deployment.Package{AppVersion: "1.0.0", PackageHash: "h2", BlobURL: "https://blobs/h2", Rollout: &fifty},
	)
	f.drain(t)

	sawV2, sawHold := false, false
	for i := 0; i < 64 && !(sawV2 && sawHold); i++ {
		req := resolver.Request{DeploymentKey: "dk-3", AppVersion: "1.0.0", PackageHash: "h1", ClientID: fmt.Sprintf("client-%d", i)}
		info, err := f.svc.CheckForUpdate(ctx, req)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if info.IsAvailable && info.Label == "v2" {
			sawV2 = true
		} else {
			sawHold = true
		}
	}
	if !sawV2 || !sawHold {
		t.Fatalf("a 50%% rollout must split the population: v2=%v hold=%v", sawV2, sawHold)
	}
}
