// Package storage defines the persistence contract for the update service.
// Two backends implement it: the embedded in-memory store and the durable
// postgres store. Both are exercised by the shared suite in storagetest.
package storage

import (
	"context"
	"regexp"

	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/errors"
)

// AccountStore persists accounts and their access keys.
type AccountStore interface {
	// AddAccount fails AlreadyExists on a case-insensitive email collision.
	AddAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
}

// AccessKeyStore persists management credentials scoped to an account.
type AccessKeyStore interface {
	AddAccessKey(ctx context.Context, accountID string, key account.AccessKey) (account.AccessKey, error)
	GetAccessKey(ctx context.Context, accountID, keyID string) (account.AccessKey, error)
	ListAccessKeys(ctx context.Context, accountID string) ([]account.AccessKey, error)
	UpdateAccessKey(ctx context.Context, accountID string, key account.AccessKey) (account.AccessKey, error)
	RemoveAccessKey(ctx context.Context, accountID, keyID string) error
}

// AppStore persists apps and their collaborator graphs. All operations are
// scoped to the calling account: ids that resolve outside that scope fail
// NotFound.
type AppStore interface {
	AddApp(ctx context.Context, accountID string, app appdomain.App) (appdomain.App, error)
	GetApp(ctx context.Context, accountID, appID string) (appdomain.App, error)
	ListApps(ctx context.Context, accountID string) ([]appdomain.App, error)
	UpdateApp(ctx context.Context, accountID string, app appdomain.App) (appdomain.App, error)
	// RemoveApp cascade-deletes the app, its deployments, their histories and
	// reverse-index entries with no partial cascade observable afterward.
	RemoveApp(ctx context.Context, accountID, appID string) error
	// TransferApp reassigns ownership to the account registered under email.
	// The prior owner becomes a collaborator; all other collaborators are
	// preserved. Fails AlreadyExists when email already owns the app and
	// NotFound when no account holds email.
	TransferApp(ctx context.Context, accountID, appID, email string) error
	// AddCollaborator fails AlreadyExists when email already collaborates and
	// NotFound when no account holds email.
	AddCollaborator(ctx context.Context, accountID, appID, email string) error
	RemoveCollaborator(ctx context.Context, accountID, appID, email string) error
}

// DeploymentStore persists deployments and the deployment-key reverse index.
// The reverse-index entry becomes visible no later than the deployment is
// queryable for history.
type DeploymentStore interface {
	AddDeployment(ctx context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error)
	GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (deployment.Deployment, error)
	ListDeployments(ctx context.Context, accountID, appID string) ([]deployment.Deployment, error)
	UpdateDeployment(ctx context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error)
	// RemoveDeployment cascade-deletes the deployment, its history and its
	// reverse-index entry.
	RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error
	GetDeploymentInfo(ctx context.Context, deploymentKey string) (deployment.Info, error)
}

// PackageStore persists per-deployment package histories. Histories are
// append-only through CommitPackage; UpdatePackageHistory is the only
// in-place mutation path and preserves order and identity of untouched
// entries.
type PackageStore interface {
	// CommitPackage appends pkg with the next monotonic label. The caller's
	// pkg is never mutated.
	CommitPackage(ctx context.Context, accountID, appID, deploymentID string, pkg deployment.Package) (deployment.Package, error)
	// GetPackageHistory returns the full history in commit order. A
	// deployment with no packages yields an empty slice, not NotFound.
	GetPackageHistory(ctx context.Context, accountID, appID, deploymentID string) ([]deployment.Package, error)
	GetPackageHistoryFromDeploymentKey(ctx context.Context, deploymentKey string) ([]deployment.Package, error)
	// UpdatePackageHistory replaces the stored history. A nil or empty
	// history is rejected with kind Other and leaves the stored history
	// untouched.
	UpdatePackageHistory(ctx context.Context, accountID, appID, deploymentID string, history []deployment.Package) error
}

// Blob is a content-addressed payload referenced by packages. When ID is
// unset the backend derives it from Content (SHA-256) and defaults URL to
// the serving path, so a content-only blob behaves identically everywhere.
type Blob struct {
	ID      string
	URL     string
	Content []byte
}

// BlobStore persists package payloads by content address.
type BlobStore interface {
	AddBlob(ctx context.Context, blob Blob) (Blob, error)
	GetBlob(ctx context.Context, id string) (Blob, error)
	RemoveBlob(ctx context.Context, id string) error
}

// HealthChecker reports whether the backend is reachable and durable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Store is the full persistence contract.
type Store interface {
	AccountStore
	AccessKeyStore
	AppStore
	DeploymentStore
	PackageStore
	BlobStore
	HealthChecker
}

var deploymentKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateDeploymentKey rejects keys containing backend-query
// metacharacters. Key lookups fail closed rather than execute an unintended
// query.
func ValidateDeploymentKey(key string) error {
	if key == "" || !deploymentKeyPattern.MatchString(key) {
		return errors.Malformedf("invalid deployment key")
	}
	return nil
}
