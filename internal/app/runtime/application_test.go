package runtime

import (
	"context"
	"testing"
	"time"
)

type countingSweeper struct {
	ch chan struct{}
}

func (s *countingSweeper) Sweep() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func TestJanitorSweeps(t *testing.T) {
	target := &countingSweeper{ch: make(chan struct{}, 1)}
	j, err := newJanitor(target, "@every 100ms", nil)
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	if j.Name() != "cache-janitor" {
		t.Fatalf("unexpected name %q", j.Name())
	}

	ctx := context.Background()
	if err := j.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-target.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never swept")
	}
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	if _, err := newJanitor(&countingSweeper{ch: make(chan struct{}, 1)}, "not a schedule", nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestEmbeddedApplicationLifecycle(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("AUTH_SECRET", "test")
	t.Setenv("PORT", "0")

	if _, err := NewApplication(); err == nil {
		t.Fatal("expected error for port 0")
	}

	t.Setenv("PORT", "3999")
	app, err := NewApplication()
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.app.Start(ctx); err != nil {
		t.Fatalf("start services: %v", err)
	}
	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
