// Package management is the release-pipeline surface: accounts, apps,
// collaborators, deployments, access keys and package releases. Every
// mutation that changes what clients may receive invalidates the response
// cache for the affected deployment key.
package management

import (
	"context"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
	"github.com/airlift-ota/airlift/pkg/logger"
)

// Service exposes the management operations.
type Service struct {
	store storage.Store
	cache cache.Cache
	log   *logger.Logger
}

// New constructs the management service. cache may be nil when no
// response cache is configured.
func New(store storage.Store, c cache.Cache, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("management")
	}
	return &Service{store: store, cache: c, log: log}
}

// Accounts ---------------------------------------------------------------

func (s *Service) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.Email = strings.TrimSpace(acct.Email)
	acct.Name = strings.TrimSpace(acct.Name)
	if acct.Email == "" {
		return account.Account{}, errors.Malformedf("email is required")
	}
	created, err := s.store.AddAccount(ctx, acct)
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithField("account_id", created.ID).Info("account created")
	return created, nil
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (account.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

func (s *Service) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	return s.store.UpdateAccount(ctx, acct)
}

// Access keys ------------------------------------------------------------

// CreateAccessKey mints a new key. The secret token is generated here and
// returned exactly once.
func (s *Service) CreateAccessKey(ctx context.Context, accountID, friendlyName, createdBy string, ttl time.Duration) (account.AccessKey, error) {
	friendlyName = strings.TrimSpace(friendlyName)
	if friendlyName == "" {
		return account.AccessKey{}, errors.Malformedf("friendlyName is required")
	}
	key := account.AccessKey{
		Name:         uuid.NewString(),
		FriendlyName: friendlyName,
		CreatedBy:    createdBy,
	}
	if ttl != 0 {
		key.Expires = time.Now().UTC().Add(ttl)
	}
	return s.store.AddAccessKey(ctx, accountID, key)
}

func (s *Service) ListAccessKeys(ctx context.Context, accountID string) ([]account.AccessKey, error) {
	return s.store.ListAccessKeys(ctx, accountID)
}

func (s *Service) UpdateAccessKey(ctx context.Context, accountID string, key account.AccessKey) (account.AccessKey, error) {
	return s.store.UpdateAccessKey(ctx, accountID, key)
}

func (s *Service) RemoveAccessKey(ctx context.Context, accountID, keyID string) error {
	return s.store.RemoveAccessKey(ctx, accountID, keyID)
}

// Authenticate resolves an access-key token to its account. Expired keys
// do not authenticate.
func (s *Service) Authenticate(ctx context.Context, email, token string) (account.Account, error) {
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return account.Account{}, err
	}
	keys, err := s.store.ListAccessKeys(ctx, acct.ID)
	if err != nil {
		return account.Account{}, err
	}
	for _, key := range keys {
		if key.Name != token {
			continue
		}
		if !key.Expires.IsZero() && time.Now().After(key.Expires) {
			return account.Account{}, errors.Malformedf("access key expired")
		}
		return acct, nil
	}
	return account.Account{}, errors.NotFoundf("access key not recognized")
}

// Apps -------------------------------------------------------------------

// defaultDeployments are created with every new app.
var defaultDeployments = []string{"Production", "Staging"}

// CreateApp creates the app and its default deployments in one call.
func (s *Service) CreateApp(ctx context.Context, accountID, name string) (appdomain.App, []deployment.Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return appdomain.App{}, nil, errors.Malformedf("app name is required")
	}

	app, err := s.store.AddApp(ctx, accountID, appdomain.App{Name: name})
	if err != nil {
		return appdomain.App{}, nil, err
	}

	deployments := make([]deployment.Deployment, 0, len(defaultDeployments))
	for _, depName := range defaultDeployments {
		dep, err := s.store.AddDeployment(ctx, accountID, app.ID, deployment.Deployment{
			Name: depName,
			Key:  newDeploymentKey(),
		})
		if err != nil {
			return appdomain.App{}, nil, err
		}
		deployments = append(deployments, dep)
	}

	s.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"app_id":     app.ID,
	}).Info("app created")
	return app, deployments, nil
}

func (s *Service) GetApp(ctx context.Context, accountID, appID string) (appdomain.App, error) {
	return s.store.GetApp(ctx, accountID, appID)
}

func (s *Service) ListApps(ctx context.Context, accountID string) ([]appdomain.App, error) {
	return s.store.ListApps(ctx, accountID)
}

func (s *Service) RenameApp(ctx context.Context, accountID, appID, name string) (appdomain.App, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return appdomain.App{}, errors.Malformedf("app name is required")
	}
	return s.store.UpdateApp(ctx, accountID, appdomain.App{ID: appID, Name: name})
}

func (s *Service) RemoveApp(ctx context.Context, accountID, appID string) error {
	// Invalidate every deployment of the app before the cascade removes
	// the keys we would need for it.
	deployments, err := s.store.ListDeployments(ctx, accountID, appID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveApp(ctx, accountID, appID); err != nil {
		return err
	}
	for _, dep := range deployments {
		s.invalidate(ctx, dep.Key)
	}
	return nil
}

func (s *Service) TransferApp(ctx context.Context, accountID, appID, email string) error {
	return s.store.TransferApp(ctx, accountID, appID, strings.TrimSpace(email))
}

func (s *Service) AddCollaborator(ctx context.Context, accountID, appID, email string) error {
	return s.store.AddCollaborator(ctx, accountID, appID, strings.TrimSpace(email))
}

func (s *Service) RemoveCollaborator(ctx context.Context, accountID, appID, email string) error {
	return s.store.RemoveCollaborator(ctx, accountID, appID, strings.TrimSpace(email))
}

// Deployments ------------------------------------------------------------

func (s *Service) CreateDeployment(ctx context.Context, accountID, appID, name string) (deployment.Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return deployment.Deployment{}, errors.Malformedf("deployment name is required")
	}
	return s.store.AddDeployment(ctx, accountID, appID, deployment.Deployment{
		Name: name,
		Key:  newDeploymentKey(),
	})
}

func (s *Service) GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (deployment.Deployment, error) {
	return s.store.GetDeployment(ctx, accountID, appID, deploymentID)
}

func (s *Service) ListDeployments(ctx context.Context, accountID, appID string) ([]deployment.Deployment, error) {
	return s.store.ListDeployments(ctx, accountID, appID)
}

func (s *Service) RenameDeployment(ctx context.Context, accountID, appID, deploymentID, name string) (deployment.Deployment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return deployment.Deployment{}, errors.Malformedf("deployment name is required")
	}
	return s.store.UpdateDeployment(ctx, accountID, appID, deployment.Deployment{ID: deploymentID, Name: name})
}

func (s *Service) RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error {
	dep, err := s.store.GetDeployment(ctx, accountID, appID, deploymentID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveDeployment(ctx, accountID, appID, deploymentID); err != nil {
		return err
	}
	s.invalidate(ctx, dep.Key)
	return nil
}

func newDeploymentKey() string {
	return uuid.NewString()
}

func (s *Service) invalidate(ctx context.Context, deploymentKey string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, deploymentKey); err != nil {
		s.log.WithError(err).WithField("deployment_key", deploymentKey).Warn("cache invalidation failed")
	}
}

// validateBinaryRange accepts a plain version or a constraint expression.
func validateBinaryRange(appVersion string) error {
	normalized := resolver.NormalizeVersion(appVersion)
	if _, err := semver.NewVersion(normalized); err == nil {
		return nil
	}
	if _, err := semver.NewConstraint(appVersion); err == nil {
		return nil
	}
	return errors.Malformedf("invalid target binary range %q", appVersion)
}
