package accounting

import (
	"context"
	"testing"

	"github.com/airlift-ota/airlift/internal/errors"
)

func TestLegacyAdoptionMovesActiveLabel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store, nil)

	report := DeployReport{DeploymentKey: "dk", AppVersion: "1.0.0", Label: "v1", ClientID: "c1"}
	if err := svc.ReportDeploy(ctx, report); err != nil {
		t.Fatalf("report v1: %v", err)
	}

	// Repeating the same report must not move counters.
	if err := svc.ReportDeploy(ctx, report); err != nil {
		t.Fatalf("repeat report: %v", err)
	}

	summary, err := svc.Summary(ctx, "dk")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["v1:DeploymentSucceeded"] != 1 || summary["v1:Active"] != 1 {
		t.Fatalf("duplicate report must be a no-op: %v", summary)
	}

	// Moving to v2 decrements v1's active count.
	report.Label = "v2"
	if err := svc.ReportDeploy(ctx, report); err != nil {
		t.Fatalf("report v2: %v", err)
	}
	summary, _ = svc.Summary(ctx, "dk")
	if summary["v1:Active"] != 0 || summary["v2:Active"] != 1 || summary["v2:DeploymentSucceeded"] != 1 {
		t.Fatalf("adoption must move the active counter: %v", summary)
	}
}

func TestFailureNeverAdopts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store, nil)

	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk", AppVersion: "1.0.0", Label: "v1", ClientID: "c1"}); err != nil {
		t.Fatalf("adopt v1: %v", err)
	}
	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk", AppVersion: "1.0.0", Label: "v2", Status: StatusFailed, ClientID: "c1"}); err != nil {
		t.Fatalf("report failure: %v", err)
	}

	label, err := store.ActiveLabel(ctx, "dk", "c1")
	if err != nil {
		t.Fatalf("active label: %v", err)
	}
	if label != "v1" {
		t.Fatalf("failed update must not be adopted, active is %q", label)
	}

	summary, _ := svc.Summary(ctx, "dk")
	if summary["v2:DeploymentFailed"] != 1 {
		t.Fatalf("failure counter missing: %v", summary)
	}
	if summary["v2:Active"] != 0 {
		t.Fatalf("failure must not touch active: %v", summary)
	}
}

func TestImplicitVersionBump(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore(), nil)

	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk", AppVersion: "2.0.0", ClientID: "c1"}); err != nil {
		t.Fatalf("version bump: %v", err)
	}
	summary, _ := svc.Summary(ctx, "dk")
	if summary["2.0.0:DeploymentSucceeded"] != 1 || summary["2.0.0:Active"] != 1 {
		t.Fatalf("version bump must count against the app version: %v", summary)
	}
}

func TestModernReportCountsLabelsOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store, nil)

	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk", AppVersion: "1.0.0", Label: "v3"}); err != nil {
		t.Fatalf("modern report: %v", err)
	}
	summary, _ := svc.Summary(ctx, "dk")
	if summary["v3:DeploymentSucceeded"] != 1 {
		t.Fatalf("success counter missing: %v", summary)
	}
	if summary["v3:Active"] != 0 {
		t.Fatalf("modern mode keeps no per-client state: %v", summary)
	}
}

func TestClearClientRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := New(store, nil)

	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "old-dk", AppVersion: "1.0.0", Label: "v1", ClientID: "c1"}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := svc.ClearClientRecord(ctx, "old-dk", "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	label, _ := store.ActiveLabel(ctx, "old-dk", "c1")
	if label != "" {
		t.Fatalf("record must be gone, got %q", label)
	}

	if err := svc.ClearClientRecord(ctx, "", ""); err != nil {
		t.Fatalf("empty cleanup must be a no-op: %v", err)
	}
}

func TestReportValidation(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore(), nil)

	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "bad key!"}); !errors.IsMalformed(err) {
		t.Fatalf("bad deployment key must be Malformed, got %v", err)
	}
	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk"}); !errors.IsMalformed(err) {
		t.Fatalf("report without label or version must be Malformed, got %v", err)
	}
	if err := svc.ReportDeploy(ctx, DeployReport{DeploymentKey: "dk", Label: "v1", Status: "Exploded"}); !errors.IsMalformed(err) {
		t.Fatalf("unknown status must be Malformed, got %v", err)
	}
	if err := svc.ReportDownload(ctx, "dk", ""); !errors.IsMalformed(err) {
		t.Fatalf("download without label must be Malformed, got %v", err)
	}
}

func TestDownloadCounter(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryStore(), nil)

	for i := 0; i < 3; i++ {
		if err := svc.ReportDownload(ctx, "dk", "v1"); err != nil {
			t.Fatalf("download: %v", err)
		}
	}
	summary, _ := svc.Summary(ctx, "dk")
	if summary["v1:Downloaded"] != 3 {
		t.Fatalf("expected 3 downloads, got %v", summary)
	}
}
