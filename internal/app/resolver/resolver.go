// Package resolver turns a deployment's package history and a client
// update-check request into an update decision. Resolution is a pure
// function of its inputs, which is what makes its output safe to cache
// and share across clients.
package resolver

import (
	"github.com/Masterminds/semver/v3"

	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/rollout"
)

// Request is the normalized update-check request. The boundary adapter is
// responsible for folding the client's heterogeneous field spellings into
// this shape before resolution.
type Request struct {
	DeploymentKey string
	AppVersion    string
	PackageHash   string
	Label         string
	ClientID      string
	IsCompanion   bool
}

// UpdateInfo is the client-facing decision for one resolution branch.
type UpdateInfo struct {
	IsAvailable      bool
	IsMandatory      bool
	IsDisabled       bool
	AppVersion       string
	UpdateAppVersion bool
	PackageHash      string
	Label            string
	PackageSize      int64
	Description      string
	DownloadURL      string
}

// PackageInfo is the cacheable resolution result. When the winning package
// is mid-rollout, OriginalPackage holds the last fully-rolled-out fallback
// and RolloutPackage the staged candidate; the per-client pick between the
// two happens after any cache lookup.
type PackageInfo struct {
	OriginalPackage UpdateInfo
	RolloutPackage  *UpdateInfo
	Rollout         *int
}

// ForClient collapses the resolution to a single decision for one client,
// applying the rollout selector when the result carries a staged package.
func (p PackageInfo) ForClient(clientID string) UpdateInfo {
	if p.RolloutPackage == nil || p.Rollout == nil {
		return p.OriginalPackage
	}
	releaseID := rollout.ReleaseID(p.RolloutPackage.Label, p.RolloutPackage.PackageHash)
	if rollout.IsSelected(clientID, releaseID, *p.Rollout) {
		return *p.RolloutPackage
	}
	return p.OriginalPackage
}

// GetUpdatePackageInfo resolves the update decision for a request against
// a deployment's history. It never touches storage; malformed requests are
// rejected before any resolution is attempted.
func GetUpdatePackageInfo(history []deployment.Package, req Request) (PackageInfo, error) {
	clientVersion, err := parseClientVersion(req.AppVersion)
	if err != nil {
		return PackageInfo{}, err
	}

	winner, winnerRollout := resolve(history, req, clientVersion, false)
	if winnerRollout != nil && *winnerRollout != 100 {
		fallback, _ := resolve(history, req, clientVersion, true)
		return PackageInfo{
			OriginalPackage: fallback,
			RolloutPackage:  &winner,
			Rollout:         winnerRollout,
		}, nil
	}
	return PackageInfo{OriginalPackage: winner}, nil
}

// resolve walks the history newest-first and picks the latest enabled
// entry whose binary range covers the client. ignoreRollout additionally
// skips entries still mid-rollout, which yields the safe fallback branch.
func resolve(history []deployment.Package, req Request, clientVersion *semver.Version, ignoreRollout bool) (UpdateInfo, *int) {
	info := UpdateInfo{AppVersion: req.AppVersion}

	var latestEnabled, latestSatisfying *deployment.Package
	foundRequestPackage := false
	makeMandatory := false

	for i := len(history) - 1; i >= 0; i-- {
		entry := &history[i]
		foundRequestPackage = foundRequestPackage ||
			(req.Label != "" && entry.Label == req.Label) ||
			(req.Label == "" && entry.PackageHash == req.PackageHash)

		if entry.IsDisabled || (ignoreRollout && rollout.IsUnfinished(entry.Rollout)) {
			continue
		}
		if latestEnabled == nil {
			latestEnabled = entry
		}
		if !req.IsCompanion && !satisfiesRange(entry.AppVersion, clientVersion) {
			continue
		}
		if latestSatisfying == nil {
			latestSatisfying = entry
		}
		if foundRequestPackage {
			break
		}
		if entry.IsMandatory {
			makeMandatory = true
			break
		}
	}

	switch {
	case latestEnabled == nil:
		// Nothing releasable in the history at all.
		return info, nil
	case latestSatisfying == nil:
		// Releases exist but none covers this binary; tell the client to
		// update the app itself when everything sits above it.
		if rangeRequiresNewerBinary(latestEnabled.AppVersion, clientVersion) {
			info.UpdateAppVersion = true
			info.AppVersion = latestEnabled.AppVersion
		}
		return info, nil
	case isCurrentPackage(latestSatisfying, req):
		// The client already runs the winning package.
		info.IsMandatory = latestSatisfying.IsMandatory
		return info, nil
	}

	info = UpdateInfo{
		IsAvailable: true,
		IsMandatory: makeMandatory || latestSatisfying.IsMandatory,
		AppVersion:  echoAppVersion(req.AppVersion, latestSatisfying.AppVersion),
		PackageHash: latestSatisfying.PackageHash,
		Label:       latestSatisfying.Label,
		PackageSize: latestSatisfying.Size,
		Description: latestSatisfying.Description,
		DownloadURL: latestSatisfying.BlobURL,
	}
	return info, latestSatisfying.Rollout
}

// isCurrentPackage reports whether the client already runs pkg. The hash is
// authoritative when the client sent one; the label covers clients that
// only report where they are in the history.
func isCurrentPackage(pkg *deployment.Package, req Request) bool {
	if req.PackageHash != "" {
		return pkg.PackageHash == req.PackageHash
	}
	return req.Label != "" && pkg.Label == req.Label
}

// echoAppVersion keeps the client's own spelling of its version when the
// release range matches it exactly, so a client reporting "2" is answered
// with "2" rather than the normalized "2.0.0".
func echoAppVersion(requested, released string) string {
	if NormalizeVersion(requested) == NormalizeVersion(released) {
		return requested
	}
	return released
}
