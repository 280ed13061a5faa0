package accounting

import "context"

// Deployment status values tracked per label.
const (
	StatusSucceeded  = "DeploymentSucceeded"
	StatusFailed     = "DeploymentFailed"
	StatusActive     = "Active"
	StatusDownloaded = "Downloaded"
)

// MetricStore persists per-deployment status counters and, for legacy
// clients, the label each client currently runs. Implementations are safe
// for concurrent use.
type MetricStore interface {
	Increment(ctx context.Context, deploymentKey, label, status string) error
	Decrement(ctx context.Context, deploymentKey, label, status string) error

	// ActiveLabel returns "" without error when the client has no record.
	ActiveLabel(ctx context.Context, deploymentKey, clientID string) (string, error)
	SetActiveLabel(ctx context.Context, deploymentKey, clientID, label string) error
	ClearActiveLabel(ctx context.Context, deploymentKey, clientID string) error

	// Summary returns all counters for a deployment keyed "label:status".
	Summary(ctx context.Context, deploymentKey string) (map[string]int64, error)
}

func counterField(label, status string) string {
	return label + ":" + status
}
