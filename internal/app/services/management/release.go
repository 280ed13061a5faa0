package management

import (
	"context"
	"strings"

	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
)

// ReleaseRequest describes one package upload.
type ReleaseRequest struct {
	AppVersion  string
	PackageHash string
	Content     []byte
	Description string
	ReleasedBy  string
	IsMandatory bool
	IsDisabled  bool
	Rollout     *int
}

// PackagePatch carries the fields a committed package may still change.
// Nil fields stay untouched.
type PackagePatch struct {
	Description *string
	IsDisabled  *bool
	IsMandatory *bool
	Rollout     *int
}

// Release commits a new package to a deployment and invalidates its
// cached responses.
func (s *Service) Release(ctx context.Context, accountID, appID, deploymentID string, req ReleaseRequest) (deployment.Package, error) {
	req.AppVersion = strings.TrimSpace(req.AppVersion)
	req.PackageHash = strings.TrimSpace(req.PackageHash)

	if req.AppVersion == "" {
		return deployment.Package{}, errors.Malformedf("target binary range is required")
	}
	if err := validateBinaryRange(req.AppVersion); err != nil {
		return deployment.Package{}, err
	}
	if req.PackageHash == "" {
		return deployment.Package{}, errors.Malformedf("package hash is required")
	}
	if err := validateRollout(req.Rollout); err != nil {
		return deployment.Package{}, err
	}
	if len(req.Content) == 0 {
		return deployment.Package{}, errors.Malformedf("package content is required")
	}

	blob, err := s.store.AddBlob(ctx, storage.Blob{Content: req.Content})
	if err != nil {
		return deployment.Package{}, err
	}

	pkg := deployment.Package{
		AppVersion:    req.AppVersion,
		PackageHash:   req.PackageHash,
		BlobURL:       blob.URL,
		Size:          int64(len(req.Content)),
		Description:   req.Description,
		ReleasedBy:    req.ReleasedBy,
		ReleaseMethod: deployment.ReleaseMethodUpload,
		IsMandatory:   req.IsMandatory,
		IsDisabled:    req.IsDisabled,
		Rollout:       req.Rollout,
	}
	return s.commit(ctx, accountID, appID, deploymentID, pkg)
}

// Promote copies the latest package of one deployment onto another. The
// patch, when given, overrides the mutable fields on the promoted copy.
func (s *Service) Promote(ctx context.Context, accountID, appID, sourceID, targetID string, patch PackagePatch) (deployment.Package, error) {
	history, err := s.store.GetPackageHistory(ctx, accountID, appID, sourceID)
	if err != nil {
		return deployment.Package{}, err
	}
	if len(history) == 0 {
		return deployment.Package{}, errors.NotFoundf("deployment %s has nothing to promote", sourceID)
	}
	if err := validateRollout(patch.Rollout); err != nil {
		return deployment.Package{}, err
	}

	pkg := history[len(history)-1].Clone()
	pkg.Label = ""
	pkg.ReleaseMethod = deployment.ReleaseMethodPromote
	pkg.Rollout = nil
	applyPatch(&pkg, patch)

	return s.commit(ctx, accountID, appID, targetID, pkg)
}

// Rollback re-releases an earlier package of the same deployment. With an
// empty targetLabel the release before the current one is used.
func (s *Service) Rollback(ctx context.Context, accountID, appID, deploymentID, targetLabel string) (deployment.Package, error) {
	history, err := s.store.GetPackageHistory(ctx, accountID, appID, deploymentID)
	if err != nil {
		return deployment.Package{}, err
	}
	if len(history) == 0 {
		return deployment.Package{}, errors.NotFoundf("deployment %s has no releases", deploymentID)
	}

	var source *deployment.Package
	if targetLabel == "" {
		if len(history) < 2 {
			return deployment.Package{}, errors.NotFoundf("no earlier release to roll back to")
		}
		source = &history[len(history)-2]
	} else {
		for i := range history {
			if history[i].Label == targetLabel {
				source = &history[i]
				break
			}
		}
		if source == nil {
			return deployment.Package{}, errors.NotFoundf("label %s not found", targetLabel)
		}
	}

	current := history[len(history)-1]
	if current.PackageHash == source.PackageHash {
		return deployment.Package{}, errors.AlreadyExistsf("deployment is already on package %s", source.PackageHash)
	}

	pkg := source.Clone()
	pkg.Label = ""
	pkg.ReleaseMethod = deployment.ReleaseMethodRollback
	pkg.Rollout = nil
	return s.commit(ctx, accountID, appID, deploymentID, pkg)
}

// PatchPackage edits the mutable fields of one release, addressed by
// label, through the bulk history update. The rollout may only grow; a
// finished rollout cannot be reopened.
func (s *Service) PatchPackage(ctx context.Context, accountID, appID, deploymentID, label string, patch PackagePatch) (deployment.Package, error) {
	if err := validateRollout(patch.Rollout); err != nil {
		return deployment.Package{}, err
	}

	history, err := s.store.GetPackageHistory(ctx, accountID, appID, deploymentID)
	if err != nil {
		return deployment.Package{}, err
	}

	idx := -1
	for i := range history {
		if history[i].Label == label {
			idx = i
			break
		}
	}
	if idx < 0 {
		return deployment.Package{}, errors.NotFoundf("label %s not found", label)
	}

	if patch.Rollout != nil {
		current := history[idx].Rollout
		if !deployment.IsUnfinishedRollout(current) {
			return deployment.Package{}, errors.Malformedf("rollout for %s is already complete", label)
		}
		if *patch.Rollout <= *current {
			return deployment.Package{}, errors.Malformedf("rollout may only increase (%d -> %d)", *current, *patch.Rollout)
		}
	}

	applyPatch(&history[idx], patch)
	if err := s.store.UpdatePackageHistory(ctx, accountID, appID, deploymentID, history); err != nil {
		return deployment.Package{}, err
	}

	if dep, err := s.store.GetDeployment(ctx, accountID, appID, deploymentID); err == nil {
		s.invalidate(ctx, dep.Key)
	}
	return history[idx].Clone(), nil
}

// History returns a deployment's full package history.
func (s *Service) History(ctx context.Context, accountID, appID, deploymentID string) ([]deployment.Package, error) {
	return s.store.GetPackageHistory(ctx, accountID, appID, deploymentID)
}

// Blobs ------------------------------------------------------------------

func (s *Service) GetBlob(ctx context.Context, blobID string) (storage.Blob, error) {
	return s.store.GetBlob(ctx, blobID)
}

func (s *Service) commit(ctx context.Context, accountID, appID, deploymentID string, pkg deployment.Package) (deployment.Package, error) {
	committed, err := s.store.CommitPackage(ctx, accountID, appID, deploymentID, pkg)
	if err != nil {
		return deployment.Package{}, err
	}

	if dep, err := s.store.GetDeployment(ctx, accountID, appID, deploymentID); err == nil {
		s.invalidate(ctx, dep.Key)
	}

	s.log.WithFields(map[string]interface{}{
		"app_id":        appID,
		"deployment_id": deploymentID,
		"label":         committed.Label,
		"method":        string(committed.ReleaseMethod),
	}).Info("package released")
	return committed, nil
}

func applyPatch(pkg *deployment.Package, patch PackagePatch) {
	if patch.Description != nil {
		pkg.Description = *patch.Description
	}
	if patch.IsDisabled != nil {
		pkg.IsDisabled = *patch.IsDisabled
	}
	if patch.IsMandatory != nil {
		pkg.IsMandatory = *patch.IsMandatory
	}
	if patch.Rollout != nil {
		pkg.Rollout = patch.Rollout
	}
}

func validateRollout(rollout *int) error {
	if rollout == nil {
		return nil
	}
	if *rollout < 1 || *rollout > 100 {
		return errors.Malformedf("rollout must be between 1 and 100, got %d", *rollout)
	}
	return nil
}
