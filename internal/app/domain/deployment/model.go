package deployment

import "time"

// ReleaseMethod records how a package entered a deployment's history.
type ReleaseMethod string

const (
	ReleaseMethodUpload   ReleaseMethod = "Upload"
	ReleaseMethodPromote  ReleaseMethod = "Promote"
	ReleaseMethodRollback ReleaseMethod = "Rollback"
)

// Package is one released artifact plus metadata inside a deployment's
// ordered history. Once committed only Description, IsDisabled, IsMandatory
// and Rollout may change, via a bulk history update.
type Package struct {
	Label           string        `json:"label"`
	AppVersion      string        `json:"app_version"`
	PackageHash     string        `json:"package_hash"`
	BlobURL         string        `json:"blob_url"`
	ManifestBlobURL string        `json:"manifest_blob_url,omitempty"`
	Size            int64         `json:"size"`
	Description     string        `json:"description"`
	ReleasedBy      string        `json:"released_by"`
	ReleaseMethod   ReleaseMethod `json:"release_method"`
	// Rollout is the staged percentage in (0,100]; nil means fully rolled
	// out (100).
	Rollout     *int      `json:"rollout,omitempty"`
	IsMandatory bool      `json:"is_mandatory"`
	IsDisabled  bool      `json:"is_disabled"`
	UploadTime  time.Time `json:"upload_time"`
}

// Deployment is a named release channel of an app. Key is the opaque,
// globally unique credential clients present on update checks.
type Deployment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	CreatedTime time.Time `json:"created_time"`
}

// Info is the reverse-index entry resolving a deployment key back to its
// owning app and deployment ids.
type Info struct {
	AppID        string
	DeploymentID string
}

// Clone returns a deep copy of the package.
func (p Package) Clone() Package {
	out := p
	if p.Rollout != nil {
		rollout := *p.Rollout
		out.Rollout = &rollout
	}
	return out
}

// CloneHistory returns a deep copy of a package history.
func CloneHistory(history []Package) []Package {
	if history == nil {
		return nil
	}
	out := make([]Package, len(history))
	for i := range history {
		out[i] = history[i].Clone()
	}
	return out
}

// IsUnfinishedRollout reports whether rollout marks a partially staged
// release.
func IsUnfinishedRollout(rollout *int) bool {
	return rollout != nil && *rollout < 100
}
