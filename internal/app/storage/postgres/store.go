// Package postgres implements the storage contract on PostgreSQL. Referential
// integrity across the account/app/deployment/package graph is enforced with
// foreign keys; cascades happen inside single statements so no partial cascade
// is ever observable.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/storage"
	apperrors "github.com/airlift-ota/airlift/internal/errors"
)

// Store implements the storage contract backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// translate maps driver errors onto the service error taxonomy.
func translate(err error, notFound string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFoundf("%s", notFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return apperrors.AlreadyExistsf("%s", pqErr.Detail)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return apperrors.ConnectionFailed(err)
	}
	return apperrors.Wrap(apperrors.KindOther, "storage failure", err)
}

// AccountStore ----------------------------------------------------------------

func (s *Store) AddAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if strings.TrimSpace(acct.Email) == "" {
		return account.Account{}, apperrors.Malformedf("account email is required")
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedTime.IsZero() {
		acct.CreatedTime = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, github_id, microsoft_id, created_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.Email, acct.Name, acct.GitHubID, acct.MicrosoftID, acct.CreatedTime)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return account.Account{}, apperrors.AlreadyExistsf("account with email %s already exists", acct.Email)
		}
		return account.Account{}, translate(err, "")
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, github_id, microsoft_id, created_time
		FROM accounts WHERE id = $1
	`, id), "account "+id+" not found")
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (account.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, email, name, github_id, microsoft_id, created_time
		FROM accounts WHERE lower(email) = lower($1)
	`, email), "account with email "+email+" not found")
}

func (s *Store) scanAccount(row *sql.Row, notFound string) (account.Account, error) {
	var acct account.Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.Name, &acct.GitHubID, &acct.MicrosoftID, &acct.CreatedTime)
	if err != nil {
		return account.Account{}, translate(err, notFound)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			name = CASE WHEN $2 = '' THEN name ELSE $2 END,
			github_id = CASE WHEN $3 = '' THEN github_id ELSE $3 END,
			microsoft_id = CASE WHEN $4 = '' THEN microsoft_id ELSE $4 END
		WHERE id = $1
	`, acct.ID, acct.Name, acct.GitHubID, acct.MicrosoftID)
	if err != nil {
		return account.Account{}, translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return account.Account{}, apperrors.NotFoundf("account %s not found", acct.ID)
	}
	return s.GetAccount(ctx, acct.ID)
}

// AccessKeyStore --------------------------------------------------------------

func (s *Store) AddAccessKey(ctx context.Context, accountID string, key account.AccessKey) (account.AccessKey, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedTime.IsZero() {
		key.CreatedTime = time.Now().UTC()
	}

	var expires interface{}
	if !key.Expires.IsZero() {
		expires = key.Expires
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_keys (id, account_id, name, friendly_name, created_by, created_time, expires, is_session)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, accountID, key.Name, key.FriendlyName, key.CreatedBy, key.CreatedTime, expires, key.IsSession)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return account.AccessKey{}, apperrors.NotFoundf("account %s not found", accountID)
		}
		return account.AccessKey{}, translate(err, "")
	}
	return key, nil
}

func (s *Store) GetAccessKey(ctx context.Context, accountID, keyID string) (account.AccessKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, friendly_name, created_by, created_time, expires, is_session
		FROM access_keys WHERE id = $1 AND account_id = $2
	`, keyID, accountID)
	return scanAccessKey(row, "access key "+keyID+" not found")
}

func scanAccessKey(row *sql.Row, notFound string) (account.AccessKey, error) {
	var key account.AccessKey
	var expires sql.NullTime
	err := row.Scan(&key.ID, &key.Name, &key.FriendlyName, &key.CreatedBy, &key.CreatedTime, &expires, &key.IsSession)
	if err != nil {
		return account.AccessKey{}, translate(err, notFound)
	}
	if expires.Valid {
		key.Expires = expires.Time
	}
	return key, nil
}

func (s *Store) ListAccessKeys(ctx context.Context, accountID string) ([]account.AccessKey, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, friendly_name, created_by, created_time, expires, is_session
		FROM access_keys WHERE account_id = $1 ORDER BY created_time, id
	`, accountID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	result := make([]account.AccessKey, 0)
	for rows.Next() {
		var key account.AccessKey
		var expires sql.NullTime
		if err := rows.Scan(&key.ID, &key.Name, &key.FriendlyName, &key.CreatedBy, &key.CreatedTime, &expires, &key.IsSession); err != nil {
			return nil, translate(err, "")
		}
		if expires.Valid {
			key.Expires = expires.Time
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (s *Store) UpdateAccessKey(ctx context.Context, accountID string, key account.AccessKey) (account.AccessKey, error) {
	var expires interface{}
	if !key.Expires.IsZero() {
		expires = key.Expires
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_keys SET
			friendly_name = CASE WHEN $3 = '' THEN friendly_name ELSE $3 END,
			expires = COALESCE($4, expires)
		WHERE id = $1 AND account_id = $2
	`, key.ID, accountID, key.FriendlyName, expires)
	if err != nil {
		return account.AccessKey{}, translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return account.AccessKey{}, apperrors.NotFoundf("access key %s not found", key.ID)
	}
	return s.GetAccessKey(ctx, accountID, key.ID)
}

func (s *Store) RemoveAccessKey(ctx context.Context, accountID, keyID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM access_keys WHERE id = $1 AND account_id = $2
	`, keyID, accountID)
	if err != nil {
		return translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFoundf("access key %s not found", keyID)
	}
	return nil
}

// AppStore --------------------------------------------------------------------

func (s *Store) AddApp(ctx context.Context, accountID string, app appdomain.App) (appdomain.App, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return appdomain.App{}, err
	}

	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedTime.IsZero() {
		app.CreatedTime = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return appdomain.App{}, translate(err, "")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO apps (id, name, created_time) VALUES ($1, $2, $3)
	`, app.ID, app.Name, app.CreatedTime); err != nil {
		return appdomain.App{}, translate(err, "")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collaborators (app_id, email, account_id, permission)
		VALUES ($1, lower($2), $3, $4)
	`, app.ID, acct.Email, accountID, string(appdomain.PermissionOwner)); err != nil {
		return appdomain.App{}, translate(err, "")
	}
	if err := tx.Commit(); err != nil {
		return appdomain.App{}, translate(err, "")
	}

	return s.GetApp(ctx, accountID, app.ID)
}

// appScope verifies the account collaborates on the app. Cross-tenant ids
// resolve to NotFound.
func (s *Store) appScope(ctx context.Context, accountID, appID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM collaborators WHERE app_id = $1 AND account_id = $2
	`, appID, accountID).Scan(&one)
	if err != nil {
		return translate(err, "app "+appID+" not found")
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, accountID, appID string) (appdomain.App, error) {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return appdomain.App{}, err
	}

	var app appdomain.App
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_time FROM apps WHERE id = $1
	`, appID).Scan(&app.ID, &app.Name, &app.CreatedTime)
	if err != nil {
		return appdomain.App{}, translate(err, "app "+appID+" not found")
	}

	app.Collaborators, err = s.collaborators(ctx, appID)
	if err != nil {
		return appdomain.App{}, err
	}
	return app, nil
}

func (s *Store) collaborators(ctx context.Context, appID string) (map[string]appdomain.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, account_id, permission FROM collaborators WHERE app_id = $1
	`, appID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	result := make(map[string]appdomain.Collaborator)
	for rows.Next() {
		var email, accountID, permission string
		if err := rows.Scan(&email, &accountID, &permission); err != nil {
			return nil, translate(err, "")
		}
		result[email] = appdomain.Collaborator{
			AccountID:  accountID,
			Permission: appdomain.Permission(permission),
		}
	}
	return result, rows.Err()
}

func (s *Store) ListApps(ctx context.Context, accountID string) ([]appdomain.App, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id FROM apps a
		JOIN collaborators c ON c.app_id = a.id
		WHERE c.account_id = $1
		ORDER BY a.created_time, a.id
	`, accountID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate(err, "")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "")
	}

	result := make([]appdomain.App, 0, len(ids))
	for _, id := range ids {
		app, err := s.GetApp(ctx, accountID, id)
		if err != nil {
			return nil, err
		}
		result = append(result, app)
	}
	return result, nil
}

func (s *Store) UpdateApp(ctx context.Context, accountID string, app appdomain.App) (appdomain.App, error) {
	if err := s.appScope(ctx, accountID, app.ID); err != nil {
		return appdomain.App{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE apps SET name = CASE WHEN $2 = '' THEN name ELSE $2 END WHERE id = $1
	`, app.ID, app.Name); err != nil {
		return appdomain.App{}, translate(err, "")
	}
	return s.GetApp(ctx, accountID, app.ID)
}

func (s *Store) RemoveApp(ctx context.Context, accountID, appID string) error {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return err
	}
	// Collaborators, deployments and packages go with the app via FK
	// cascades in this single statement.
	result, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, appID)
	if err != nil {
		return translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFoundf("app %s not found", appID)
	}
	return nil
}

func (s *Store) TransferApp(ctx context.Context, accountID, appID, email string) error {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return err
	}
	target, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "")
	}
	defer tx.Rollback()

	var currentPermission sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT permission FROM collaborators WHERE app_id = $1 AND email = lower($2) FOR UPDATE
	`, appID, email).Scan(&currentPermission)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return translate(err, "")
	}
	if currentPermission.Valid && currentPermission.String == string(appdomain.PermissionOwner) {
		return apperrors.AlreadyExistsf("%s already owns app %s", email, appID)
	}

	// Demote the current owner and promote the target inside one
	// transaction so there is no window with zero or two owners.
	if _, err := tx.ExecContext(ctx, `
		UPDATE collaborators SET permission = $2 WHERE app_id = $1 AND permission = $3
	`, appID, string(appdomain.PermissionCollaborator), string(appdomain.PermissionOwner)); err != nil {
		return translate(err, "")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collaborators (app_id, email, account_id, permission)
		VALUES ($1, lower($2), $3, $4)
		ON CONFLICT (app_id, email) DO UPDATE SET permission = EXCLUDED.permission
	`, appID, email, target.ID, string(appdomain.PermissionOwner)); err != nil {
		return translate(err, "")
	}
	return translate(tx.Commit(), "")
}

func (s *Store) AddCollaborator(ctx context.Context, accountID, appID, email string) error {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return err
	}
	target, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collaborators (app_id, email, account_id, permission)
		VALUES ($1, lower($2), $3, $4)
	`, appID, email, target.ID, string(appdomain.PermissionCollaborator))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.AlreadyExistsf("%s already collaborates on app %s", email, appID)
		}
		return translate(err, "")
	}
	return nil
}

func (s *Store) RemoveCollaborator(ctx context.Context, accountID, appID, email string) error {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return err
	}

	var permission string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission FROM collaborators WHERE app_id = $1 AND email = lower($2)
	`, appID, email).Scan(&permission)
	if err != nil {
		return translate(err, email+" does not collaborate on app "+appID)
	}
	if permission == string(appdomain.PermissionOwner) {
		return apperrors.Malformedf("cannot remove the owner of app %s", appID)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE app_id = $1 AND email = lower($2)
	`, appID, email)
	return translate(err, "")
}

// DeploymentStore -------------------------------------------------------------

func (s *Store) AddDeployment(ctx context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error) {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return deployment.Deployment{}, err
	}
	if dep.Key == "" {
		return deployment.Deployment{}, apperrors.Malformedf("deployment key is required")
	}
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	if dep.CreatedTime.IsZero() {
		dep.CreatedTime = time.Now().UTC()
	}

	// The deployments row is the reverse index: the key column is unique and
	// becomes resolvable in the same insert that makes the deployment
	// queryable.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, app_id, name, key, created_time)
		VALUES ($1, $2, $3, $4, $5)
	`, dep.ID, appID, dep.Name, dep.Key, dep.CreatedTime)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return deployment.Deployment{}, apperrors.AlreadyExistsf("deployment key already in use")
		}
		return deployment.Deployment{}, translate(err, "")
	}
	return dep, nil
}

func (s *Store) GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (deployment.Deployment, error) {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return deployment.Deployment{}, err
	}
	var dep deployment.Deployment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key, created_time FROM deployments WHERE id = $1 AND app_id = $2
	`, deploymentID, appID).Scan(&dep.ID, &dep.Name, &dep.Key, &dep.CreatedTime)
	if err != nil {
		return deployment.Deployment{}, translate(err, "deployment "+deploymentID+" not found")
	}
	return dep, nil
}

func (s *Store) ListDeployments(ctx context.Context, accountID, appID string) ([]deployment.Deployment, error) {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key, created_time FROM deployments WHERE app_id = $1
		ORDER BY created_time, id
	`, appID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	result := make([]deployment.Deployment, 0)
	for rows.Next() {
		var dep deployment.Deployment
		if err := rows.Scan(&dep.ID, &dep.Name, &dep.Key, &dep.CreatedTime); err != nil {
			return nil, translate(err, "")
		}
		result = append(result, dep)
	}
	return result, rows.Err()
}

func (s *Store) UpdateDeployment(ctx context.Context, accountID, appID string, dep deployment.Deployment) (deployment.Deployment, error) {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return deployment.Deployment{}, err
	}
	// The key column is deliberately not updatable.
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET name = CASE WHEN $3 = '' THEN name ELSE $3 END
		WHERE id = $1 AND app_id = $2
	`, dep.ID, appID, dep.Name)
	if err != nil {
		return deployment.Deployment{}, translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return deployment.Deployment{}, apperrors.NotFoundf("deployment %s not found", dep.ID)
	}
	return s.GetDeployment(ctx, accountID, appID, dep.ID)
}

func (s *Store) RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error {
	if err := s.appScope(ctx, accountID, appID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM deployments WHERE id = $1 AND app_id = $2
	`, deploymentID, appID)
	if err != nil {
		return translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFoundf("deployment %s not found", deploymentID)
	}
	return nil
}

func (s *Store) GetDeploymentInfo(ctx context.Context, deploymentKey string) (deployment.Info, error) {
	if err := storage.ValidateDeploymentKey(deploymentKey); err != nil {
		return deployment.Info{}, err
	}
	var info deployment.Info
	err := s.db.QueryRowContext(ctx, `
		SELECT app_id, id FROM deployments WHERE key = $1
	`, deploymentKey).Scan(&info.AppID, &info.DeploymentID)
	if err != nil {
		return deployment.Info{}, translate(err, "deployment key not found")
	}
	return info, nil
}

// PackageStore ----------------------------------------------------------------

func (s *Store) CommitPackage(ctx context.Context, accountID, appID, deploymentID string, pkg deployment.Package) (deployment.Package, error) {
	if _, err := s.GetDeployment(ctx, accountID, appID, deploymentID); err != nil {
		return deployment.Package{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deployment.Package{}, translate(err, "")
	}
	defer tx.Rollback()

	// Lock the deployment row so concurrent commits serialize on the label
	// counter.
	var depID string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM deployments WHERE id = $1 FOR UPDATE
	`, deploymentID).Scan(&depID); err != nil {
		return deployment.Package{}, translate(err, "deployment "+deploymentID+" not found")
	}

	var highest int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(substring(label FROM 2) AS INTEGER)), 0)
		FROM packages WHERE deployment_id = $1 AND label ~ '^v[0-9]+$'
	`, deploymentID).Scan(&highest); err != nil {
		return deployment.Package{}, translate(err, "")
	}

	committed := pkg.Clone()
	committed.Label = "v" + strconv.Itoa(highest+1)
	if committed.UploadTime.IsZero() {
		committed.UploadTime = time.Now().UTC()
	}

	var rollout interface{}
	if committed.Rollout != nil {
		rollout = *committed.Rollout
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO packages (deployment_id, label, app_version, package_hash, blob_url,
			manifest_blob_url, size, description, released_by, release_method,
			rollout, is_mandatory, is_disabled, upload_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, deploymentID, committed.Label, committed.AppVersion, committed.PackageHash,
		committed.BlobURL, committed.ManifestBlobURL, committed.Size, committed.Description,
		committed.ReleasedBy, string(committed.ReleaseMethod), rollout,
		committed.IsMandatory, committed.IsDisabled, committed.UploadTime); err != nil {
		return deployment.Package{}, translate(err, "")
	}
	if err := tx.Commit(); err != nil {
		return deployment.Package{}, translate(err, "")
	}
	return committed, nil
}

func (s *Store) GetPackageHistory(ctx context.Context, accountID, appID, deploymentID string) ([]deployment.Package, error) {
	if _, err := s.GetDeployment(ctx, accountID, appID, deploymentID); err != nil {
		return nil, err
	}
	return s.historyByDeploymentID(ctx, deploymentID)
}

func (s *Store) GetPackageHistoryFromDeploymentKey(ctx context.Context, deploymentKey string) ([]deployment.Package, error) {
	info, err := s.GetDeploymentInfo(ctx, deploymentKey)
	if err != nil {
		return nil, err
	}
	return s.historyByDeploymentID(ctx, info.DeploymentID)
}

func (s *Store) historyByDeploymentID(ctx context.Context, deploymentID string) ([]deployment.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, app_version, package_hash, blob_url, manifest_blob_url, size,
			description, released_by, release_method, rollout, is_mandatory,
			is_disabled, upload_time
		FROM packages WHERE deployment_id = $1 ORDER BY seq
	`, deploymentID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	history := make([]deployment.Package, 0)
	for rows.Next() {
		var pkg deployment.Package
		var rollout sql.NullInt64
		var method string
		if err := rows.Scan(&pkg.Label, &pkg.AppVersion, &pkg.PackageHash, &pkg.BlobURL,
			&pkg.ManifestBlobURL, &pkg.Size, &pkg.Description, &pkg.ReleasedBy, &method,
			&rollout, &pkg.IsMandatory, &pkg.IsDisabled, &pkg.UploadTime); err != nil {
			return nil, translate(err, "")
		}
		pkg.ReleaseMethod = deployment.ReleaseMethod(method)
		if rollout.Valid {
			value := int(rollout.Int64)
			pkg.Rollout = &value
		}
		history = append(history, pkg)
	}
	return history, rows.Err()
}

func (s *Store) UpdatePackageHistory(ctx context.Context, accountID, appID, deploymentID string, history []deployment.Package) error {
	if _, err := s.GetDeployment(ctx, accountID, appID, deploymentID); err != nil {
		return err
	}
	if len(history) == 0 {
		return apperrors.Otherf("invalid package history")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM packages WHERE deployment_id = $1
	`, deploymentID); err != nil {
		return translate(err, "")
	}
	for _, pkg := range history {
		var rollout interface{}
		if pkg.Rollout != nil {
			rollout = *pkg.Rollout
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO packages (deployment_id, label, app_version, package_hash, blob_url,
				manifest_blob_url, size, description, released_by, release_method,
				rollout, is_mandatory, is_disabled, upload_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, deploymentID, pkg.Label, pkg.AppVersion, pkg.PackageHash, pkg.BlobURL,
			pkg.ManifestBlobURL, pkg.Size, pkg.Description, pkg.ReleasedBy,
			string(pkg.ReleaseMethod), rollout, pkg.IsMandatory, pkg.IsDisabled,
			pkg.UploadTime); err != nil {
			return translate(err, "")
		}
	}
	return translate(tx.Commit(), "")
}

// BlobStore -------------------------------------------------------------------

func (s *Store) AddBlob(ctx context.Context, blob storage.Blob) (storage.Blob, error) {
	if blob.ID == "" {
		if len(blob.Content) == 0 {
			return storage.Blob{}, apperrors.Malformedf("blob content is required")
		}
		sum := sha256.Sum256(blob.Content)
		blob.ID = hex.EncodeToString(sum[:])
	}
	if blob.URL == "" {
		blob.URL = "/blobs/" + blob.ID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (id, url, content) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url, content = EXCLUDED.content
	`, blob.ID, blob.URL, blob.Content)
	if err != nil {
		return storage.Blob{}, translate(err, "")
	}
	return blob, nil
}

func (s *Store) GetBlob(ctx context.Context, id string) (storage.Blob, error) {
	var blob storage.Blob
	blob.ID = id
	err := s.db.QueryRowContext(ctx, `SELECT url, content FROM blobs WHERE id = $1`, id).Scan(&blob.URL, &blob.Content)
	if err != nil {
		return storage.Blob{}, translate(err, "blob "+id+" not found")
	}
	return blob, nil
}

func (s *Store) RemoveBlob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		return translate(err, "")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.NotFoundf("blob %s not found", id)
	}
	return nil
}

// HealthChecker ---------------------------------------------------------------

func (s *Store) CheckHealth(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.ConnectionFailed(err)
	}
	return nil
}
