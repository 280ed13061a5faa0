package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
)

// Store is the embedded in-memory implementation of the storage contract. It
// is safe for concurrent use and is intended for tests and single-process
// deployments. Its health check reports unhealthy because the backend is
// not production-durable; WithHealthy overrides that for local runs.
type Store struct {
	mu              sync.RWMutex
	nextID          int64
	healthy         bool
	accounts        map[string]account.Account
	accountsByEmail map[string]string
	accessKeys      map[string]map[string]account.AccessKey
	apps            map[string]appdomain.App
	deployments     map[string]map[string]deployment.Deployment
	deploymentInfo  map[string]deployment.Info
	histories       map[string][]deployment.Package
	blobs           map[string]storage.Blob
}

var _ storage.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithHealthy makes CheckHealth report healthy despite the backend being
// non-durable.
func WithHealthy() Option {
	return func(s *Store) { s.healthy = true }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		nextID:          1,
		accounts:        make(map[string]account.Account),
		accountsByEmail: make(map[string]string),
		accessKeys:      make(map[string]map[string]account.AccessKey),
		apps:            make(map[string]appdomain.App),
		deployments:     make(map[string]map[string]deployment.Deployment),
		deploymentInfo:  make(map[string]deployment.Info),
		histories:       make(map[string][]deployment.Package),
		blobs:           make(map[string]storage.Blob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// AccountStore implementation -------------------------------------------------

func (s *Store) AddAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emailKey := strings.ToLower(strings.TrimSpace(acct.Email))
	if emailKey == "" {
		return account.Account{}, errors.Malformedf("account email is required")
	}
	if _, exists := s.accountsByEmail[emailKey]; exists {
		return account.Account{}, errors.AlreadyExistsf("account with email %s already exists", acct.Email)
	}

	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, errors.AlreadyExistsf("account %s already exists", acct.ID)
	}
	if acct.CreatedTime.IsZero() {
		acct.CreatedTime = time.Now().UTC()
	}

	s.accounts[acct.ID] = acct
	s.accountsByEmail[emailKey] = acct.ID
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, errors.NotFoundf("account %s not found", id)
	}
	return acct, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountByEmailLocked(email)
}

func (s *Store) accountByEmailLocked(email string) (account.Account, error) {
	id, ok := s.accountsByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return account.Account{}, errors.NotFoundf("account with email %s not found", email)
	}
	return s.accounts[id], nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, errors.NotFoundf("account %s not found", acct.ID)
	}

	updated := original
	if acct.Name != "" {
		updated.Name = acct.Name
	}
	if acct.GitHubID != "" {
		updated.GitHubID = acct.GitHubID
	}
	if acct.MicrosoftID != "" {
		updated.MicrosoftID = acct.MicrosoftID
	}

	s.accounts[updated.ID] = updated
	return updated, nil
}

// AccessKeyStore implementation -----------------------------------------------

func (s *Store) AddAccessKey(_ context.Context, accountID string, key account.AccessKey) (account.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return account.AccessKey{}, errors.NotFoundf("account %s not found", accountID)
	}

	if key.ID == "" {
		key.ID = s.nextIDLocked()
	}
	if key.CreatedTime.IsZero() {
		key.CreatedTime = time.Now().UTC()
	}

	keys := s.accessKeys[accountID]
	if keys == nil {
		keys = make(map[string]account.AccessKey)
		s.accessKeys[accountID] = keys
	}
	if _, exists := keys[key.ID]; exists {
		return account.AccessKey{}, errors.AlreadyExistsf("access key %s already exists", key.ID)
	}
	keys[key.ID] = key
	return key, nil
}

func (s *Store) GetAccessKey(_ context.Context, accountID, keyID string) (account.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.accessKeys[accountID][keyID]
	if !ok {
		return account.AccessKey{}, errors.NotFoundf("access key %s not found", keyID)
	}
	return key, nil
}

func (s *Store) ListAccessKeys(_ context.Context, accountID string) ([]account.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, errors.NotFoundf("account %s not found", accountID)
	}

	result := make([]account.AccessKey, 0, len(s.accessKeys[accountID]))
	for _, key := range s.accessKeys[accountID] {
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateAccessKey(_ context.Context, accountID string, key account.AccessKey) (account.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accessKeys[accountID][key.ID]
	if !ok {
		return account.AccessKey{}, errors.NotFoundf("access key %s not found", key.ID)
	}

	updated := original
	if key.FriendlyName != "" {
		updated.FriendlyName = key.FriendlyName
	}
	if !key.Expires.IsZero() {
		updated.Expires = key.Expires
	}
	s.accessKeys[accountID][key.ID] = updated
	return updated, nil
}

func (s *Store) RemoveAccessKey(_ context.Context, accountID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessKeys[accountID][keyID]; !ok {
		return errors.NotFoundf("access key %s not found", keyID)
	}
	delete(s.accessKeys[accountID], keyID)
	return nil
}

// AppStore implementation -----------------------------------------------------

func (s *Store) AddApp(_ context.Context, accountID string, app appdomain.App) (appdomain.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return appdomain.App{}, errors.NotFoundf("account %s not found", accountID)
	}

	if app.ID == "" {
		app.ID = s.nextIDLocked()
	} else if _, exists := s.apps[app.ID]; exists {
		return appdomain.App{}, errors.AlreadyExistsf("app %s already exists", app.ID)
	}
	if app.CreatedTime.IsZero() {
		app.CreatedTime = time.Now().UTC()
	}

	collaborators := appdomain.CloneCollaborators(app.Collaborators)
	if collaborators == nil {
		collaborators = make(map[string]appdomain.Collaborator)
	}
	collaborators[strings.ToLower(acct.Email)] = appdomain.Collaborator{
		AccountID:  accountID,
		Permission: appdomain.PermissionOwner,
	}
	app.Collaborators = collaborators

	s.apps[app.ID] = app
	s.deployments[app.ID] = make(map[string]deployment.Deployment)
	return cloneApp(app), nil
}

func (s *Store) GetApp(_ context.Context, accountID, appID string) (appdomain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, err := s.appForAccountLocked(accountID, appID)
	if err != nil {
		return appdomain.App{}, err
	}
	return cloneApp(app), nil
}

func (s *Store) ListApps(_ context.Context, accountID string) ([]appdomain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, errors.NotFoundf("account %s not found", accountID)
	}

	email := strings.ToLower(acct.Email)
	result := make([]appdomain.App, 0)
	for _, app := range s.apps {
		if _, member := app.Collaborators[email]; member {
			result = append(result, cloneApp(app))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateApp(_ context.Context, accountID string, app appdomain.App) (appdomain.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, err := s.appForAccountLocked(accountID, app.ID)
	if err != nil {
		return appdomain.App{}, err
	}

	updated := original
	if app.Name != "" {
		updated.Name = app.Name
	}
	s.apps[updated.ID] = updated
	return cloneApp(updated), nil
}

func (s *Store) RemoveApp(_ context.Context, accountID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.appForAccountLocked(accountID, appID); err != nil {
		return err
	}

	for _, dep := range s.deployments[appID] {
		delete(s.deploymentInfo, dep.Key)
		delete(s.histories, dep.ID)
	}
	delete(s.deployments, appID)
	delete(s.apps, appID)
	return nil
}

func (s *Store) TransferApp(_ context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.appForAccountLocked(accountID, appID)
	if err != nil {
		return err
	}
	target, err := s.accountByEmailLocked(email)
	if err != nil {
		return err
	}

	emailKey := strings.ToLower(strings.TrimSpace(email))
	if collab, ok := app.Collaborators[emailKey]; ok && collab.Permission == appdomain.PermissionOwner {
		return errors.AlreadyExistsf("%s already owns app %s", email, appID)
	}

	collaborators := appdomain.CloneCollaborators(app.Collaborators)
	for owner, collab := range collaborators {
		if collab.Permission == appdomain.PermissionOwner {
			collab.Permission = appdomain.PermissionCollaborator
			collaborators[owner] = collab
		}
	}
	collaborators[emailKey] = appdomain.Collaborator{
		AccountID:  target.ID,
		Permission: appdomain.PermissionOwner,
	}
	app.Collaborators = collaborators
	s.apps[app.ID] = app
	return nil
}

func (s *Store) AddCollaborator(_ context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.appForAccountLocked(accountID, appID)
	if err != nil {
		return err
	}
	target, err := s.accountByEmailLocked(email)
	if err != nil {
		return err
	}

	emailKey := strings.ToLower(strings.TrimSpace(email))
	if _, exists := app.Collaborators[emailKey]; exists {
		return errors.AlreadyExistsf("%s already collaborates on app %s", email, appID)
	}

	collaborators := appdomain.CloneCollaborators(app.Collaborators)
	collaborators[emailKey] = appdomain.Collaborator{
		AccountID:  target.ID,
		Permission: appdomain.PermissionCollaborator,
	}
	app.Collaborators = collaborators
	s.apps[app.ID] = app
	return nil
}

func (s *Store) RemoveCollaborator(_ context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, err := s.appForAccountLocked(accountID, appID)
	if err != nil {
		return err
	}

	emailKey := strings.ToLower(strings.TrimSpace(email))
	collab, exists := app.Collaborators[emailKey]
	if !exists {
		return errors.NotFoundf("%s does not collaborate on app %s", email, appID)
	}
	if collab.Permission == appdomain.PermissionOwner {
		return errors.Malformedf("cannot remove the owner of app %s", appID)
	}

	collaborators := appdomain.CloneCollaborators(app.Collaborators)
	delete(collaborators, emailKey)
	app.Collaborators = collaborators
	s.apps[app.ID] = app
	return nil
}

func (s *Store) appForAccountLocked(accountID, appID string) (appdomain.App, error) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return appdomain.App{}, errors.NotFoundf("account %s not found", accountID)
	}
	app, ok := s.apps[appID]
	if !ok {
		return appdomain.App{}, errors.NotFoundf("app %s not found", appID)
	}
	if _, member := app.Collaborators[strings.ToLower(acct.Email)]; !member {
		// Cross-tenant ids must not leak existence.
		return appdomain.App{}, errors.NotFoundf("app %s not found", appID)
	}
	return app, nil
}

// DeploymentStore implementation ----------------------------------------------

func (s *Store) AddDeployment(_ context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.appForAccountLocked(accountID, appID); err != nil {
		return deployment.Deployment{}, err
	}
	if dep.Key == "" {
		return deployment.Deployment{}, errors.Malformedf("deployment key is required")
	}
	if _, exists := s.deploymentInfo[dep.Key]; exists {
		return deployment.Deployment{}, errors.AlreadyExistsf("deployment key already in use")
	}

	if dep.ID == "" {
		dep.ID = s.nextIDLocked()
	} else if _, exists := s.deployments[appID][dep.ID]; exists {
		return deployment.Deployment{}, errors.AlreadyExistsf("deployment %s already exists", dep.ID)
	}
	if dep.CreatedTime.IsZero() {
		dep.CreatedTime = time.Now().UTC()
	}

	// Reverse-index insertion happens under the same lock, so the key is
	// resolvable at the instant the deployment becomes queryable.
	s.deployments[appID][dep.ID] = dep
	s.deploymentInfo[dep.Key] = deployment.Info{AppID: appID, DeploymentID: dep.ID}
	s.histories[dep.ID] = []deployment.Package{}
	return dep, nil
}

func (s *Store) GetDeployment(_ context.Context, accountID, appID, deploymentID string) (deployment.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.deploymentForAccountLocked(accountID, appID, deploymentID)
}

func (s *Store) ListDeployments(_ context.Context, accountID, appID string) ([]deployment.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.appForAccountLocked(accountID, appID); err != nil {
		return nil, err
	}

	result := make([]deployment.Deployment, 0, len(s.deployments[appID]))
	for _, dep := range s.deployments[appID] {
		result = append(result, dep)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) UpdateDeployment(_ context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, err := s.deploymentForAccountLocked(accountID, appID, dep.ID)
	if err != nil {
		return deployment.Deployment{}, err
	}

	// Keys are immutable once assigned.
	updated := original
	if dep.Name != "" {
		updated.Name = dep.Name
	}
	s.deployments[appID][updated.ID] = updated
	return updated, nil
}

func (s *Store) RemoveDeployment(_ context.Context, accountID, appID, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dep, err := s.deploymentForAccountLocked(accountID, appID, deploymentID)
	if err != nil {
		return err
	}

	delete(s.deploymentInfo, dep.Key)
	delete(s.histories, deploymentID)
	delete(s.deployments[appID], deploymentID)
	return nil
}

func (s *Store) GetDeploymentInfo(_ context.Context, deploymentKey string) (deployment.Info, error) {
	if err := storage.ValidateDeploymentKey(deploymentKey); err != nil {
		return deployment.Info{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.deploymentInfo[deploymentKey]
	if !ok {
		return deployment.Info{}, errors.NotFoundf("deployment key not found")
	}
	return info, nil
}

func (s *Store) deploymentForAccountLocked(accountID, appID, deploymentID string) (deployment.Deployment, error) {
	if _, err := s.appForAccountLocked(accountID, appID); err != nil {
		return deployment.Deployment{}, err
	}
	dep, ok := s.deployments[appID][deploymentID]
	if !ok {
		return deployment.Deployment{}, errors.NotFoundf("deployment %s not found", deploymentID)
	}
	return dep, nil
}

// PackageStore implementation -------------------------------------------------

func (s *Store) CommitPackage(_ context.Context, accountID, appID, deploymentID string, pkg deployment.Package) (deployment.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deploymentForAccountLocked(accountID, appID, deploymentID); err != nil {
		return deployment.Package{}, err
	}

	history := s.histories[deploymentID]
	committed := pkg.Clone()
	committed.Label = "v" + strconv.Itoa(highestLabelVersion(history)+1)
	if committed.UploadTime.IsZero() {
		committed.UploadTime = time.Now().UTC()
	}

	s.histories[deploymentID] = append(history, committed)
	return committed.Clone(), nil
}

func (s *Store) GetPackageHistory(_ context.Context, accountID, appID, deploymentID string) ([]deployment.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.deploymentForAccountLocked(accountID, appID, deploymentID); err != nil {
		return nil, err
	}
	return clonedHistoryLocked(s.histories[deploymentID]), nil
}

func (s *Store) GetPackageHistoryFromDeploymentKey(_ context.Context, deploymentKey string) ([]deployment.Package, error) {
	if err := storage.ValidateDeploymentKey(deploymentKey); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.deploymentInfo[deploymentKey]
	if !ok {
		return nil, errors.NotFoundf("deployment key not found")
	}
	return clonedHistoryLocked(s.histories[info.DeploymentID]), nil
}

func (s *Store) UpdatePackageHistory(_ context.Context, accountID, appID, deploymentID string, history []deployment.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deploymentForAccountLocked(accountID, appID, deploymentID); err != nil {
		return err
	}
	if len(history) == 0 {
		// The guard that keeps a bad bulk update from clearing a history.
		return errors.Otherf("invalid package history")
	}

	s.histories[deploymentID] = deployment.CloneHistory(history)
	return nil
}

func highestLabelVersion(history []deployment.Package) int {
	highest := 0
	for _, pkg := range history {
		if !strings.HasPrefix(pkg.Label, "v") {
			continue
		}
		if n, err := strconv.Atoi(pkg.Label[1:]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

func clonedHistoryLocked(history []deployment.Package) []deployment.Package {
	out := deployment.CloneHistory(history)
	if out == nil {
		out = []deployment.Package{}
	}
	return out
}

// BlobStore implementation ----------------------------------------------------

func (s *Store) AddBlob(_ context.Context, blob storage.Blob) (storage.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blob.ID == "" {
		if len(blob.Content) == 0 {
			return storage.Blob{}, errors.Malformedf("blob content is required")
		}
		sum := sha256.Sum256(blob.Content)
		blob.ID = hex.EncodeToString(sum[:])
	}
	if blob.URL == "" {
		blob.URL = "/blobs/" + blob.ID
	}

	blob.Content = append([]byte(nil), blob.Content...)
	s.blobs[blob.ID] = blob
	return blob, nil
}

func (s *Store) GetBlob(_ context.Context, id string) (storage.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[id]
	if !ok {
		return storage.Blob{}, errors.NotFoundf("blob %s not found", id)
	}
	blob.Content = append([]byte(nil), blob.Content...)
	return blob, nil
}

func (s *Store) RemoveBlob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return errors.NotFoundf("blob %s not found", id)
	}
	delete(s.blobs, id)
	return nil
}

// HealthChecker implementation ------------------------------------------------

func (s *Store) CheckHealth(_ context.Context) error {
	if !s.healthy {
		return errors.Otherf("embedded storage is not durable")
	}
	return nil
}

func cloneApp(app appdomain.App) appdomain.App {
	app.Collaborators = appdomain.CloneCollaborators(app.Collaborators)
	return app
}
