package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/airlift-ota/airlift/internal/app/cache"
	"github.com/airlift-ota/airlift/internal/app/deferred"
	"github.com/airlift-ota/airlift/internal/app/domain/account"
	"github.com/airlift-ota/airlift/internal/app/services/accounting"
	"github.com/airlift-ota/airlift/internal/app/services/acquisition"
	"github.com/airlift-ota/airlift/internal/app/services/management"
	"github.com/airlift-ota/airlift/internal/app/storage/memory"
	"github.com/airlift-ota/airlift/internal/middleware"
)

var testSecret = []byte("test-secret")

type fixture struct {
	handler    http.Handler
	store      *memory.Store
	management *management.Service
	queue      *deferred.Queue

	accountID string
	token     string
	appID     string
	prodID    string
	deployKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New(memory.WithHealthy())
	respCache := cache.NewMemory(time.Minute)
	queue := deferred.NewQueue(64, nil)
	if err := queue.Start(ctx); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(func() { queue.Stop(context.Background()) })

	mgmt := management.New(store, respCache, nil)
	handler := NewHandler(Config{
		Acquisition: acquisition.New(store, respCache, queue, nil),
		Accounting:  accounting.New(accounting.NewMemoryStore(), nil),
		Management:  mgmt,
		Health:      store,
		Queue:       queue,
		AuthSecret:  testSecret,
	})

	acct, err := mgmt.CreateAccount(ctx, account.Account{Email: "owner@example.com", Name: "owner"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	token, err := middleware.SignToken(testSecret, acct.ID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	f := &fixture{handler: handler, store: store, management: mgmt, queue: queue, accountID: acct.ID, token: token}

	var created struct {
		App struct {
			ID string `json:"id"`
		} `json:"app"`
		Deployments []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Key  string `json:"key"`
		} `json:"deployments"`
	}
	rec := f.do(t, http.MethodPost, "/management/apps", `{"name":"demo"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create app: %d %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode app: %v", err)
	}
	f.appID = created.App.ID
	for _, dep := range created.Deployments {
		if dep.Name == "Production" {
			f.prodID = dep.ID
			f.deployKey = dep.Key
		}
	}
	if f.deployKey == "" {
		t.Fatalf("no production deployment in %s", rec.Body.String())
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) release(t *testing.T, hash string) {
	t.Helper()
	body := fmt.Sprintf(`{"appVersion":"1.0.0","packageHash":"%s","content":"YnVuZGxl"}`, hash)
	rec := f.do(t, http.MethodPost, "/management/apps/"+f.appID+"/deployments/"+f.prodID+"/release", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateCheckQuerySpellings(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")
	f.release(t, "h2")

	paths := []string{
		"/updateCheck?deploymentKey=" + f.deployKey + "&appVersion=1.0.0&packageHash=h1&clientUniqueId=c1",
		"/updateCheck?deployment_key=" + f.deployKey + "&app_version=1.0.0&package_hash=h1&client_unique_id=c1",
	}
	for _, path := range paths {
		rec := f.do(t, http.MethodGet, path, "", false)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
		var resp struct {
			UpdateInfo struct {
				IsAvailable bool   `json:"isAvailable"`
				Label       string `json:"label"`
			} `json:"updateInfo"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.UpdateInfo.IsAvailable || resp.UpdateInfo.Label != "v2" {
			t.Fatalf("%s: expected v2, got %s", path, rec.Body.String())
		}
	}
}

func TestUpdateCheckPostBody(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")
	f.release(t, "h2")

	body := fmt.Sprintf(`{"deployment_key":%q,"appVersion":"1.0.0","packageHash":"h1"}`, f.deployKey)
	rec := f.do(t, http.MethodPost, "/updateCheck", body, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("post update check: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"label":"v2"`) {
		t.Fatalf("expected v2: %s", rec.Body.String())
	}
}

func TestUpdateCheckLegacyResponseShape(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")

	rec := f.do(t, http.MethodGet, "/v0.1/public/update_check?deployment_key="+f.deployKey+"&app_version=1.0.0", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy update check: %d %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"update_info"`) || !strings.Contains(body, `"is_available":true`) {
		t.Fatalf("legacy response must be snake_case: %s", body)
	}
	if strings.Contains(body, `"updateInfo"`) {
		t.Fatalf("legacy response leaked camelCase: %s", body)
	}
}

func TestUpdateCheckErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/updateCheck?deploymentKey=bad%20key!&appVersion=1.0.0", "", false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed key: expected 400, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/updateCheck?deploymentKey=unknown&appVersion=1.0.0", "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key: expected 404, got %d", rec.Code)
	}
}

func TestReportStatusEndpoints(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")

	deploy := fmt.Sprintf(`{"deploymentKey":%q,"appVersion":"1.0.0","label":"v1","clientUniqueId":"c1"}`, f.deployKey)
	rec := f.do(t, http.MethodPost, "/reportStatus/deploy", deploy, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("deploy report: %d %s", rec.Code, rec.Body.String())
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Fatalf("deploy report must return empty success, got %s", body)
	}

	download := fmt.Sprintf(`{"deployment_key":%q,"label":"v1"}`, f.deployKey)
	rec = f.do(t, http.MethodPost, "/v0.1/public/report_status/download", download, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("download report: %d %s", rec.Code, rec.Body.String())
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Fatalf("download report must return empty success, got %s", body)
	}

	rec = f.do(t, http.MethodPost, "/reportStatus/deploy", `{"deploymentKey":"dk"}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty report: expected 400, got %d", rec.Code)
	}
}

func TestBlobServedInline(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")

	var history []struct {
		BlobURL string `json:"blob_url"`
	}
	rec := f.do(t, http.MethodGet, "/management/apps/"+f.appID+"/deployments/"+f.prodID+"/history", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].BlobURL == "" {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, history[0].BlobURL, "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("blob fetch: %d", rec.Code)
	}
	if rec.Body.String() != "bundle" {
		t.Fatalf("blob content mismatch: %q", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/blobs/doesnotexist", "", false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing blob: expected 404, got %d", rec.Code)
	}
}

func TestManagementRequiresAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/management/apps", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/management/apps", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSessionFlow(t *testing.T) {
	f := newFixture(t)

	key, err := f.management.CreateAccessKey(context.Background(), f.accountID, "cli", "test", time.Hour)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := fmt.Sprintf(`{"email":"owner@example.com","accessKey":%q}`, key.Name)
	rec := f.do(t, http.MethodPost, "/management/session", body, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("session: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in %s", rec.Body.String())
	}

	// The minted token works against the authed surface.
	req := httptest.NewRequest(http.MethodGet, "/management/account", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("minted token rejected: %d %s", out.Code, out.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/management/session", `{"email":"owner@example.com","accessKey":"wrong"}`, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bad key: expected 404, got %d", rec.Code)
	}
}

func TestDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/management/accounts", `{"email":"OWNER@example.com","name":"dup"}`, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy store: expected 200, got %d", rec.Code)
	}

	// The default embedded store reports itself unhealthy.
	unhealthy := NewHandler(Config{
		Acquisition: acquisition.New(memory.New(), nil, nil, nil),
		Accounting:  accounting.New(accounting.NewMemoryStore(), nil),
		Management:  management.New(memory.New(), nil, nil),
		Health:      memory.New(),
		AuthSecret:  testSecret,
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec2 := httptest.NewRecorder()
	unhealthy.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("embedded store: expected 503, got %d", rec2.Code)
	}
}

func TestPatchPackageOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.release(t, "h1")

	rec := f.do(t, http.MethodPatch, "/management/apps/"+f.appID+"/deployments/"+f.prodID+"/packages/v1",
		`{"description":"hotfix","isDisabled":true}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"hotfix"`) {
		t.Fatalf("patch not reflected: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPatch, "/management/apps/"+f.appID+"/deployments/"+f.prodID+"/packages/v9",
		`{"description":"x"}`, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown label: expected 404, got %d", rec.Code)
	}
}
