package cache

import (
	"context"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/airlift-ota/airlift/internal/app/resolver"
)

func sampleInfo(label string) resolver.PackageInfo {
	return resolver.PackageInfo{
		OriginalPackage: resolver.UpdateInfo{IsAvailable: true, Label: label, PackageHash: "hash-" + label},
	}
}

func TestDeriveKeyStripsClientIdentity(t *testing.T) {
	base := url.Values{"appVersion": {"1.0.0"}, "packageHash": {"h1"}}

	withClient := url.Values{"appVersion": {"1.0.0"}, "packageHash": {"h1"}, "clientUniqueId": {"c1"}}
	withOtherClient := url.Values{"appVersion": {"1.0.0"}, "packageHash": {"h1"}, "client_unique_id": {"c2"}}

	a := DeriveKey("dk", "/updateCheck", base)
	b := DeriveKey("dk", "/updateCheck", withClient)
	c := DeriveKey("dk", "/updateCheck", withOtherClient)

	if a != b || a != c {
		t.Fatalf("client identity must not fragment the cache: %v %v %v", a, b, c)
	}
}

func TestDeriveKeyOrderIndependent(t *testing.T) {
	a := DeriveKey("dk", "/updateCheck", url.Values{"a": {"1"}, "b": {"2"}})
	b := DeriveKey("dk", "/updateCheck", url.Values{"b": {"2"}, "a": {"1"}})
	if a != b {
		t.Fatalf("query order must not matter: %v vs %v", a, b)
	}
}

func TestDeriveKeySeparatesRequests(t *testing.T) {
	a := DeriveKey("dk", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})
	b := DeriveKey("dk", "/updateCheck", url.Values{"appVersion": {"2.0.0"}})
	if a == b {
		t.Fatalf("different requests must not collide")
	}

	c := DeriveKey("other-dk", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})
	if a.DeploymentKeyHash == c.DeploymentKeyHash {
		t.Fatalf("different deployment keys must not share a namespace")
	}
}

func TestDeriveKeyHidesDeploymentKey(t *testing.T) {
	key := DeriveKey("secret-deployment-key", "/updateCheck", nil)
	if key.DeploymentKeyHash == "secret-deployment-key" {
		t.Fatalf("deployment key must never appear in the clear")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	key := DeriveKey("dk", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})

	if _, err := m.Get(ctx, key); err != ErrMiss {
		t.Fatalf("empty cache must miss, got %v", err)
	}

	want := sampleInfo("v2")
	if err := m.Set(ctx, key, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	current := time.Unix(1000, 0)
	m.now = func() time.Time { return current }

	key := DeriveKey("dk", "/updateCheck", nil)
	if err := m.Set(ctx, key, sampleInfo("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	current = current.Add(30 * time.Second)
	if _, err := m.Get(ctx, key); err != nil {
		t.Fatalf("entry must still be live: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := m.Get(ctx, key); err != ErrMiss {
		t.Fatalf("expired entry must miss, got %v", err)
	}

	m.Sweep()
	m.mu.RLock()
	remaining := len(m.entries)
	m.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("sweep must drop expired namespaces, %d left", remaining)
	}
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	keyA := DeriveKey("dk-a", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})
	keyA2 := DeriveKey("dk-a", "/updateCheck", url.Values{"appVersion": {"2.0.0"}})
	keyB := DeriveKey("dk-b", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})

	for _, key := range []Key{keyA, keyA2, keyB} {
		if err := m.Set(ctx, key, sampleInfo("v1")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	if err := m.Invalidate(ctx, "dk-a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, err := m.Get(ctx, keyA); err != ErrMiss {
		t.Fatalf("invalidated entry must miss, got %v", err)
	}
	if _, err := m.Get(ctx, keyA2); err != ErrMiss {
		t.Fatalf("all entries under the key must go, got %v", err)
	}
	if _, err := m.Get(ctx, keyB); err != nil {
		t.Fatalf("other deployments must be untouched: %v", err)
	}
}

func TestMemoryConcurrentPopulateConverges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	key := DeriveKey("dk", "/updateCheck", url.Values{"appVersion": {"1.0.0"}})
	want := sampleInfo("v3")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every writer computes the same pure value; racing
			// populates must converge on it.
			if err := m.Set(ctx, key, want); err != nil {
				t.Errorf("set: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("racing populates diverged: %#v", got)
	}
}
