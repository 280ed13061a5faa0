// Package storagetest holds the contract suite both storage backends must
// pass. Backend packages run it from their own tests; no backend gets
// backend-specific behavior tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/airlift-ota/airlift/internal/app/domain/account"
	appdomain "github.com/airlift-ota/airlift/internal/app/domain/app"
	"github.com/airlift-ota/airlift/internal/app/domain/deployment"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the full storage contract against the given backend.
func Run(t *testing.T, factory Factory) {
	t.Run("AccountEmailUniqueness", func(t *testing.T) { testAccountEmailUniqueness(t, factory(t)) })
	t.Run("AccountUpdate", func(t *testing.T) { testAccountUpdate(t, factory(t)) })
	t.Run("AccessKeyRoundTrip", func(t *testing.T) { testAccessKeyRoundTrip(t, factory(t)) })
	t.Run("AppScope", func(t *testing.T) { testAppScope(t, factory(t)) })
	t.Run("Collaborators", func(t *testing.T) { testCollaborators(t, factory(t)) })
	t.Run("TransferApp", func(t *testing.T) { testTransferApp(t, factory(t)) })
	t.Run("DeploymentKeys", func(t *testing.T) { testDeploymentKeys(t, factory(t)) })
	t.Run("PackageHistory", func(t *testing.T) { testPackageHistory(t, factory(t)) })
	t.Run("HistoryUpdateGuard", func(t *testing.T) { testHistoryUpdateGuard(t, factory(t)) })
	t.Run("CascadeRemoveApp", func(t *testing.T) { testCascadeRemoveApp(t, factory(t)) })
	t.Run("CascadeRemoveDeployment", func(t *testing.T) { testCascadeRemoveDeployment(t, factory(t)) })
	t.Run("Blobs", func(t *testing.T) { testBlobs(t, factory(t)) })
	t.Run("InputNotMutated", func(t *testing.T) { testInputNotMutated(t, factory(t)) })
}

func mustAccount(t *testing.T, store storage.Store, email string) account.Account {
	t.Helper()
	acct, err := store.AddAccount(context.Background(), account.Account{Email: email, Name: "someone"})
	if err != nil {
		t.Fatalf("add account %s: %v", email, err)
	}
	return acct
}

func mustApp(t *testing.T, store storage.Store, accountID, name string) appdomain.App {
	t.Helper()
	app, err := store.AddApp(context.Background(), accountID, appdomain.App{Name: name})
	if err != nil {
		t.Fatalf("add app %s: %v", name, err)
	}
	return app
}

func mustDeployment(t *testing.T, store storage.Store, accountID, appID, name, key string) deployment.Deployment {
	t.Helper()
	dep, err := store.AddDeployment(context.Background(), accountID, appID, deployment.Deployment{Name: name, Key: key})
	if err != nil {
		t.Fatalf("add deployment %s: %v", name, err)
	}
	return dep
}

func testAccountEmailUniqueness(t *testing.T, store storage.Store) {
	ctx := context.Background()
	acct := mustAccount(t, store, "Owner@Example.com")

	if _, err := store.AddAccount(ctx, account.Account{Email: "owner@example.COM"}); !errors.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExists for case-insensitive collision, got %v", err)
	}

	found, err := store.GetAccountByEmail(ctx, "OWNER@example.com")
	if err != nil {
		t.Fatalf("get account by email: %v", err)
	}
	if found.ID != acct.ID {
		t.Fatalf("expected account %s, got %s", acct.ID, found.ID)
	}

	if _, err := store.GetAccount(ctx, "missing"); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound for unknown id, got %v", err)
	}
}

func testAccountUpdate(t *testing.T, store storage.Store) {
	ctx := context.Background()
	acct := mustAccount(t, store, "update@example.com")

	updated, err := store.UpdateAccount(ctx, account.Account{ID: acct.ID, Name: "renamed"})
	if err != nil {
		t.Fatalf("update account: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected renamed, got %q", updated.Name)
	}
	if updated.Email != acct.Email {
		t.Fatalf("email must be immutable, got %q", updated.Email)
	}
}

func testAccessKeyRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	acct := mustAccount(t, store, "keys@example.com")

	added, err := store.AddAccessKey(ctx, acct.ID, account.AccessKey{
		Name:         "token-abc",
		FriendlyName: "ci pipeline",
		CreatedBy:    "cli",
	})
	if err != nil {
		t.Fatalf("add access key: %v", err)
	}

	got, err := store.GetAccessKey(ctx, acct.ID, added.ID)
	if err != nil {
		t.Fatalf("get access key: %v", err)
	}
	if got.Name != "token-abc" || got.FriendlyName != "ci pipeline" {
		t.Fatalf("round trip mismatch: %#v", got)
	}

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	updated, err := store.UpdateAccessKey(ctx, acct.ID, account.AccessKey{ID: added.ID, FriendlyName: "nightly"})
	if err != nil {
		t.Fatalf("update access key: %v", err)
	}
	if updated.FriendlyName != "nightly" {
		t.Fatalf("friendly name not updated: %#v", updated)
	}
	if updated.Name != "token-abc" {
		t.Fatalf("untouched fields must survive update: %#v", updated)
	}

	if _, err := store.UpdateAccessKey(ctx, acct.ID, account.AccessKey{ID: added.ID, Expires: expires}); err != nil {
		t.Fatalf("update expiry: %v", err)
	}
	got, err = store.GetAccessKey(ctx, acct.ID, added.ID)
	if err != nil {
		t.Fatalf("get after expiry update: %v", err)
	}
	if !got.Expires.Equal(expires) {
		t.Fatalf("expiry not updated: got %v want %v", got.Expires, expires)
	}
	if got.FriendlyName != "nightly" {
		t.Fatalf("only changed fields may move: %#v", got)
	}

	keys, err := store.ListAccessKeys(ctx, acct.ID)
	if err != nil {
		t.Fatalf("list access keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}

	if err := store.RemoveAccessKey(ctx, acct.ID, added.ID); err != nil {
		t.Fatalf("remove access key: %v", err)
	}
	if _, err := store.GetAccessKey(ctx, acct.ID, added.ID); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound after removal, got %v", err)
	}
}

func testAppScope(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "scope-owner@example.com")
	outsider := mustAccount(t, store, "scope-outsider@example.com")
	app := mustApp(t, store, owner.ID, "scoped")

	if got, err := store.GetApp(ctx, owner.ID, app.ID); err != nil || got.ID != app.ID {
		t.Fatalf("owner must see own app: %v", err)
	}
	if _, err := store.GetApp(ctx, outsider.ID, app.ID); !errors.IsNotFound(err) {
		t.Fatalf("cross-tenant id must NotFound, got %v", err)
	}

	apps, err := store.ListApps(ctx, outsider.ID)
	if err != nil {
		t.Fatalf("list apps: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("outsider must see no apps, got %d", len(apps))
	}
}

func testCollaborators(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "collab-owner@example.com")
	mustAccount(t, store, "collab-guest@example.com")
	app := mustApp(t, store, owner.ID, "shared")

	if err := store.AddCollaborator(ctx, owner.ID, app.ID, "collab-guest@example.com"); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if err := store.AddCollaborator(ctx, owner.ID, app.ID, "collab-guest@example.com"); !errors.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExists for duplicate collaborator, got %v", err)
	}
	if err := store.AddCollaborator(ctx, owner.ID, app.ID, "nobody@example.com"); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound for unknown email, got %v", err)
	}

	if err := store.RemoveCollaborator(ctx, owner.ID, app.ID, "collab-owner@example.com"); err == nil {
		t.Fatalf("removing the owner must fail")
	}
	if err := store.RemoveCollaborator(ctx, owner.ID, app.ID, "collab-guest@example.com"); err != nil {
		t.Fatalf("remove collaborator: %v", err)
	}

	got, err := store.GetApp(ctx, owner.ID, app.ID)
	if err != nil {
		t.Fatalf("get app: %v", err)
	}
	if len(got.Collaborators) != 1 {
		t.Fatalf("expected only the owner left, got %#v", got.Collaborators)
	}
}

func testTransferApp(t *testing.T, store storage.Store) {
	ctx := context.Background()
	alice := mustAccount(t, store, "alice@example.com")
	mustAccount(t, store, "bob@example.com")
	mustAccount(t, store, "carol@example.com")
	app := mustApp(t, store, alice.ID, "transferable")

	if err := store.AddCollaborator(ctx, alice.ID, app.ID, "carol@example.com"); err != nil {
		t.Fatalf("add collaborator: %v", err)
	}

	if err := store.TransferApp(ctx, alice.ID, app.ID, "alice@example.com"); !errors.IsAlreadyExists(err) {
		t.Fatalf("transfer to current owner must AlreadyExists, got %v", err)
	}
	if err := store.TransferApp(ctx, alice.ID, app.ID, "nobody@example.com"); !errors.IsNotFound(err) {
		t.Fatalf("transfer to unknown email must NotFound, got %v", err)
	}

	if err := store.TransferApp(ctx, alice.ID, app.ID, "bob@example.com"); err != nil {
		t.Fatalf("transfer app: %v", err)
	}

	got, err := store.GetApp(ctx, alice.ID, app.ID)
	if err != nil {
		t.Fatalf("get app after transfer: %v", err)
	}
	if len(got.Collaborators) != 3 {
		t.Fatalf("collaborator count must be unchanged, got %d", len(got.Collaborators))
	}
	owners := 0
	for email, collab := range got.Collaborators {
		if collab.Permission == appdomain.PermissionOwner {
			owners++
			if email != "bob@example.com" {
				t.Fatalf("expected bob as owner, got %s", email)
			}
		}
	}
	if owners != 1 {
		t.Fatalf("exactly one owner required, got %d", owners)
	}
	if got.Collaborators["alice@example.com"].Permission != appdomain.PermissionCollaborator {
		t.Fatalf("prior owner must become collaborator: %#v", got.Collaborators)
	}
}

func testDeploymentKeys(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "deploy@example.com")
	app := mustApp(t, store, owner.ID, "keyed")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "prod-key-1")

	if _, err := store.AddDeployment(ctx, owner.ID, app.ID, deployment.Deployment{Name: "Staging", Key: "prod-key-1"}); !errors.IsAlreadyExists(err) {
		t.Fatalf("duplicate key must AlreadyExists, got %v", err)
	}

	info, err := store.GetDeploymentInfo(ctx, "prod-key-1")
	if err != nil {
		t.Fatalf("get deployment info: %v", err)
	}
	if info.AppID != app.ID || info.DeploymentID != dep.ID {
		t.Fatalf("reverse index mismatch: %#v", info)
	}

	// Keys carrying query metacharacters are rejected, not executed.
	if _, err := store.GetDeploymentInfo(ctx, "key'; DROP TABLE deployments;--"); !errors.IsMalformed(err) {
		t.Fatalf("metacharacter key must be rejected, got %v", err)
	}
	if _, err := store.GetPackageHistoryFromDeploymentKey(ctx, "a b$c"); !errors.IsMalformed(err) {
		t.Fatalf("metacharacter key must be rejected, got %v", err)
	}

	renamed, err := store.UpdateDeployment(ctx, owner.ID, app.ID, deployment.Deployment{ID: dep.ID, Name: "Prod", Key: "changed"})
	if err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	if renamed.Key != "prod-key-1" {
		t.Fatalf("deployment key must be immutable, got %q", renamed.Key)
	}
}

func testPackageHistory(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "history@example.com")
	app := mustApp(t, store, owner.ID, "historied")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "hist-key-1")

	history, err := store.GetPackageHistoryFromDeploymentKey(ctx, "hist-key-1")
	if err != nil {
		t.Fatalf("empty history must not error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}

	hashes := []string{"hash-a", "hash-b", "hash-c"}
	for _, hash := range hashes {
		if _, err := store.CommitPackage(ctx, owner.ID, app.ID, dep.ID, deployment.Package{
			AppVersion:  "1.0.0",
			PackageHash: hash,
			BlobURL:     "https://blobs/" + hash,
		}); err != nil {
			t.Fatalf("commit package %s: %v", hash, err)
		}
	}

	history, err = store.GetPackageHistory(ctx, owner.ID, app.ID, dep.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != len(hashes) {
		t.Fatalf("expected %d entries, got %d", len(hashes), len(history))
	}
	for i, hash := range hashes {
		if history[i].PackageHash != hash {
			t.Fatalf("commit order violated at %d: %#v", i, history[i])
		}
		wantLabel := "v" + string(rune('1'+i))
		if history[i].Label != wantLabel {
			t.Fatalf("expected label %s, got %s", wantLabel, history[i].Label)
		}
	}
}

func testHistoryUpdateGuard(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "guard@example.com")
	app := mustApp(t, store, owner.ID, "guarded")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "guard-key-1")

	if _, err := store.CommitPackage(ctx, owner.ID, app.ID, dep.ID, deployment.Package{AppVersion: "1.0.0", PackageHash: "h1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := store.UpdatePackageHistory(ctx, owner.ID, app.ID, dep.ID, nil)
	if err == nil || errors.KindOf(err) != errors.KindOther {
		t.Fatalf("nil history must fail with kind Other, got %v", err)
	}

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, dep.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("stored history must be untouched, got %d entries", len(history))
	}

	// In-place edits preserve order and identity of untouched entries.
	history[0].Description = "patched"
	history[0].IsDisabled = true
	if err := store.UpdatePackageHistory(ctx, owner.ID, app.ID, dep.ID, history); err != nil {
		t.Fatalf("update history: %v", err)
	}
	updated, err := store.GetPackageHistory(ctx, owner.ID, app.ID, dep.ID)
	if err != nil {
		t.Fatalf("get updated history: %v", err)
	}
	if updated[0].Label != "v1" || updated[0].PackageHash != "h1" {
		t.Fatalf("identity must be preserved: %#v", updated[0])
	}
	if updated[0].Description != "patched" || !updated[0].IsDisabled {
		t.Fatalf("edit not applied: %#v", updated[0])
	}
}

func testCascadeRemoveApp(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "cascade@example.com")
	app := mustApp(t, store, owner.ID, "doomed")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "cascade-key-1")
	if _, err := store.CommitPackage(ctx, owner.ID, app.ID, dep.ID, deployment.Package{AppVersion: "1.0.0", PackageHash: "h1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := store.RemoveApp(ctx, owner.ID, app.ID); err != nil {
		t.Fatalf("remove app: %v", err)
	}

	if _, err := store.GetApp(ctx, owner.ID, app.ID); !errors.IsNotFound(err) {
		t.Fatalf("app must be gone, got %v", err)
	}
	if _, err := store.GetDeployment(ctx, owner.ID, app.ID, dep.ID); !errors.IsNotFound(err) {
		t.Fatalf("deployment must be gone, got %v", err)
	}
	if _, err := store.GetDeploymentInfo(ctx, "cascade-key-1"); !errors.IsNotFound(err) {
		t.Fatalf("reverse index must be gone, got %v", err)
	}
	if _, err := store.GetPackageHistoryFromDeploymentKey(ctx, "cascade-key-1"); !errors.IsNotFound(err) {
		t.Fatalf("history by key must be gone, got %v", err)
	}
}

func testCascadeRemoveDeployment(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "cascade-dep@example.com")
	app := mustApp(t, store, owner.ID, "survivor")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "cascade-key-2")

	if err := store.RemoveDeployment(ctx, owner.ID, app.ID, dep.ID); err != nil {
		t.Fatalf("remove deployment: %v", err)
	}
	if _, err := store.GetDeploymentInfo(ctx, "cascade-key-2"); !errors.IsNotFound(err) {
		t.Fatalf("reverse index must be gone, got %v", err)
	}
	if _, err := store.GetApp(ctx, owner.ID, app.ID); err != nil {
		t.Fatalf("app must survive deployment removal: %v", err)
	}
}

func testBlobs(t *testing.T, store storage.Store) {
	ctx := context.Background()

	blob, err := store.AddBlob(ctx, storage.Blob{ID: "blob-1", URL: "https://cdn.example.com/blob-1", Content: []byte("payload")})
	if err != nil {
		t.Fatalf("add blob: %v", err)
	}
	got, err := store.GetBlob(ctx, blob.ID)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	if got.URL == "" {
		t.Fatalf("blob must resolve to a URL: %#v", got)
	}

	if err := store.RemoveBlob(ctx, blob.ID); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
	if _, err := store.GetBlob(ctx, blob.ID); !errors.IsNotFound(err) {
		t.Fatalf("expected NotFound after removal, got %v", err)
	}

	// A content-only blob gets its identity and serving URL from the
	// backend, the way the release path submits it.
	first, err := store.AddBlob(ctx, storage.Blob{Content: []byte("release-bundle")})
	if err != nil {
		t.Fatalf("add content-only blob: %v", err)
	}
	if first.ID == "" || first.URL == "" {
		t.Fatalf("backend must derive id and url: %#v", first)
	}
	second, err := store.AddBlob(ctx, storage.Blob{Content: []byte("release-bundle")})
	if err != nil {
		t.Fatalf("re-add content-only blob: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("same content must address the same blob: %q vs %q", second.ID, first.ID)
	}
	stored, err := store.GetBlob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get content-only blob: %v", err)
	}
	if string(stored.Content) != "release-bundle" {
		t.Fatalf("content must round-trip: %q", stored.Content)
	}

	if _, err := store.AddBlob(ctx, storage.Blob{}); !errors.IsMalformed(err) {
		t.Fatalf("empty blob must be rejected, got %v", err)
	}
}

func testInputNotMutated(t *testing.T, store storage.Store) {
	ctx := context.Background()
	owner := mustAccount(t, store, "nomut@example.com")
	app := mustApp(t, store, owner.ID, "nomut")
	dep := mustDeployment(t, store, owner.ID, app.ID, "Production", "nomut-key-1")

	rollout := 25
	input := deployment.Package{AppVersion: "1.0.0", PackageHash: "h1", Rollout: &rollout}
	committed, err := store.CommitPackage(ctx, owner.ID, app.ID, dep.ID, input)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if input.Label != "" {
		t.Fatalf("caller input must not be mutated, label set to %q", input.Label)
	}
	if committed.Label == "" {
		t.Fatalf("committed package must carry a label")
	}

	// Mutating the returned history must not affect stored state.
	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, dep.ID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	history[0].PackageHash = "tampered"
	again, err := store.GetPackageHistory(ctx, owner.ID, app.ID, dep.ID)
	if err != nil {
		t.Fatalf("get history again: %v", err)
	}
	if again[0].PackageHash != "h1" {
		t.Fatalf("stored history leaked a mutable reference")
	}
}
