// Package accounting tracks deployment and download status reported by
// clients after an update check. Counters feed the release dashboard;
// none of this sits on the update-check serving path.
package accounting

import (
	"context"
	"strings"

	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
	"github.com/airlift-ota/airlift/pkg/logger"
)

// DeployReport is one client's deployment outcome. Label and Status are
// optional: a report without either is an implicit binary-version bump.
// ClientID distinguishes legacy clients, which get per-client active-label
// tracking, from modern ones, which are counted per label only.
type DeployReport struct {
	DeploymentKey             string
	AppVersion                string
	Label                     string
	Status                    string
	ClientID                  string
	PreviousDeploymentKey     string
	PreviousLabelOrAppVersion string
}

// Service applies status reports to a metric store.
type Service struct {
	store MetricStore
	log   *logger.Logger
}

func New(store MetricStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounting")
	}
	return &Service{store: store, log: log}
}

// ReportDeploy records a deployment outcome. For legacy clients the
// active label moves only on a successful adoption of a different
// release; a failed update is never adopted.
func (s *Service) ReportDeploy(ctx context.Context, report DeployReport) error {
	if err := storage.ValidateDeploymentKey(report.DeploymentKey); err != nil {
		return err
	}

	target := strings.TrimSpace(report.Label)
	if target == "" {
		target = strings.TrimSpace(report.AppVersion)
	}
	if target == "" {
		return errors.Malformedf("deploy report needs a label or app version")
	}

	status := strings.TrimSpace(report.Status)
	switch status {
	case "", StatusSucceeded:
		status = StatusSucceeded
	case StatusFailed:
	default:
		return errors.Malformedf("unknown deployment status %q", report.Status)
	}

	if status == StatusFailed {
		if report.Label == "" {
			return errors.Malformedf("a failure report needs a label")
		}
		s.log.WithFields(map[string]interface{}{
			"deployment_key": report.DeploymentKey,
			"label":          report.Label,
		}).Info("deployment failed")
		return s.store.Increment(ctx, report.DeploymentKey, report.Label, StatusFailed)
	}

	if report.ClientID == "" {
		return s.store.Increment(ctx, report.DeploymentKey, target, StatusSucceeded)
	}
	return s.recordAdoption(ctx, report.DeploymentKey, report.ClientID, target)
}

// recordAdoption is the legacy path: counters move only when the client's
// active label actually changes.
func (s *Service) recordAdoption(ctx context.Context, deploymentKey, clientID, target string) error {
	current, err := s.store.ActiveLabel(ctx, deploymentKey, clientID)
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}

	if err := s.store.Increment(ctx, deploymentKey, target, StatusSucceeded); err != nil {
		return err
	}
	if err := s.store.Increment(ctx, deploymentKey, target, StatusActive); err != nil {
		return err
	}
	if current != "" {
		if err := s.store.Decrement(ctx, deploymentKey, current, StatusActive); err != nil {
			return err
		}
	}
	return s.store.SetActiveLabel(ctx, deploymentKey, clientID, target)
}

// ReportDownload counts one package download.
func (s *Service) ReportDownload(ctx context.Context, deploymentKey, label string) error {
	if err := storage.ValidateDeploymentKey(deploymentKey); err != nil {
		return err
	}
	if strings.TrimSpace(label) == "" {
		return errors.Malformedf("a download report needs a label")
	}
	return s.store.Increment(ctx, deploymentKey, label, StatusDownloaded)
}

// ClearClientRecord drops a client's active-label record under a prior
// deployment key. It runs as a deferred task after a report that names a
// previous deployment; failures are best-effort by contract.
func (s *Service) ClearClientRecord(ctx context.Context, deploymentKey, clientID string) error {
	if deploymentKey == "" || clientID == "" {
		return nil
	}
	return s.store.ClearActiveLabel(ctx, deploymentKey, clientID)
}

// Summary returns every counter recorded for a deployment.
func (s *Service) Summary(ctx context.Context, deploymentKey string) (map[string]int64, error) {
	if err := storage.ValidateDeploymentKey(deploymentKey); err != nil {
		return nil, err
	}
	return s.store.Summary(ctx, deploymentKey)
}
