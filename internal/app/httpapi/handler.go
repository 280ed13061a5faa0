// Package httpapi exposes the client acquisition endpoints and the
// management REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/airlift-ota/airlift/internal/app/deferred"
	"github.com/airlift-ota/airlift/internal/app/domain/account"
	"github.com/airlift-ota/airlift/internal/app/metrics"
	"github.com/airlift-ota/airlift/internal/app/services/accounting"
	"github.com/airlift-ota/airlift/internal/app/services/acquisition"
	"github.com/airlift-ota/airlift/internal/app/services/management"
	"github.com/airlift-ota/airlift/internal/app/storage"
	"github.com/airlift-ota/airlift/internal/errors"
	"github.com/airlift-ota/airlift/internal/middleware"
	"github.com/airlift-ota/airlift/pkg/logger"
)

const sessionTTL = 24 * time.Hour

// Config carries the handler's collaborators.
type Config struct {
	Acquisition *acquisition.Service
	Accounting  *accounting.Service
	Management  *management.Service
	Health      storage.HealthChecker
	Queue       *deferred.Queue
	AuthSecret  []byte
	Log         *logger.Logger
}

type handler struct {
	cfg Config
	log *logger.Logger
}

// NewHandler builds the full route table.
func NewHandler(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{cfg: cfg, log: log}

	r := mux.NewRouter()

	// Acquisition surface, consumed by client SDKs.
	r.HandleFunc("/updateCheck", h.updateCheck).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/v0.1/public/update_check", h.updateCheckLegacy).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/reportStatus/deploy", h.reportDeploy).Methods(http.MethodPost)
	r.HandleFunc("/reportStatus/download", h.reportDownload).Methods(http.MethodPost)
	r.HandleFunc("/v0.1/public/report_status/deploy", h.reportDeploy).Methods(http.MethodPost)
	r.HandleFunc("/v0.1/public/report_status/download", h.reportDownload).Methods(http.MethodPost)
	r.HandleFunc("/blobs/{id}", h.blob).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Management surface. Session and signup are the only unauthenticated
	// routes under it.
	r.HandleFunc("/management/session", h.createSession).Methods(http.MethodPost)
	r.HandleFunc("/management/accounts", h.createAccount).Methods(http.MethodPost)

	auth := middleware.NewAuth(cfg.AuthSecret)
	m := r.PathPrefix("/management").Subrouter()
	m.Use(auth.Handler)

	m.HandleFunc("/account", h.currentAccount).Methods(http.MethodGet)
	m.HandleFunc("/accessKeys", h.createAccessKey).Methods(http.MethodPost)
	m.HandleFunc("/accessKeys", h.listAccessKeys).Methods(http.MethodGet)
	m.HandleFunc("/accessKeys/{keyId}", h.removeAccessKey).Methods(http.MethodDelete)

	m.HandleFunc("/apps", h.createApp).Methods(http.MethodPost)
	m.HandleFunc("/apps", h.listApps).Methods(http.MethodGet)
	m.HandleFunc("/apps/{appId}", h.getApp).Methods(http.MethodGet)
	m.HandleFunc("/apps/{appId}", h.renameApp).Methods(http.MethodPatch)
	m.HandleFunc("/apps/{appId}", h.removeApp).Methods(http.MethodDelete)
	m.HandleFunc("/apps/{appId}/transfer/{email}", h.transferApp).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/collaborators/{email}", h.addCollaborator).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/collaborators/{email}", h.removeCollaborator).Methods(http.MethodDelete)

	m.HandleFunc("/apps/{appId}/deployments", h.createDeployment).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/deployments", h.listDeployments).Methods(http.MethodGet)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}", h.getDeployment).Methods(http.MethodGet)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}", h.renameDeployment).Methods(http.MethodPatch)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}", h.removeDeployment).Methods(http.MethodDelete)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/history", h.history).Methods(http.MethodGet)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/release", h.release).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/promote/{targetId}", h.promote).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/rollback", h.rollback).Methods(http.MethodPost)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/packages/{label}", h.patchPackage).Methods(http.MethodPatch)
	m.HandleFunc("/apps/{appId}/deployments/{deploymentId}/metrics", h.deploymentMetrics).Methods(http.MethodGet)

	return r
}

// Acquisition ------------------------------------------------------------

func (h *handler) updateCheck(w http.ResponseWriter, r *http.Request) {
	h.serveUpdateCheck(w, r, false)
}

func (h *handler) updateCheckLegacy(w http.ResponseWriter, r *http.Request) {
	h.serveUpdateCheck(w, r, true)
}

func (h *handler) serveUpdateCheck(w http.ResponseWriter, r *http.Request, legacy bool) {
	req, err := parseUpdateCheck(r)
	if err != nil {
		metrics.RecordUpdateCheck("error")
		writeError(w, err)
		return
	}

	info, err := h.cfg.Acquisition.CheckForUpdate(r.Context(), req)
	if err != nil {
		metrics.RecordUpdateCheck("error")
		writeError(w, err)
		return
	}

	outcome := "none"
	if info.IsAvailable {
		outcome = "update"
	}
	metrics.RecordUpdateCheck(outcome)

	if legacy {
		writeJSON(w, http.StatusOK, toLegacyUpdateCheckResponse(info))
		return
	}
	writeJSON(w, http.StatusOK, toUpdateCheckResponse(info))
}

func (h *handler) reportDeploy(w http.ResponseWriter, r *http.Request) {
	report, err := parseDeployReport(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cfg.Accounting.ReportDeploy(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordStatusReport("deploy")

	// Cleanup of the prior deployment's record is best effort and runs
	// after this response is flushed.
	if report.PreviousDeploymentKey != "" && report.PreviousDeploymentKey != report.DeploymentKey && report.ClientID != "" {
		prevKey, clientID := report.PreviousDeploymentKey, report.ClientID
		if h.cfg.Queue != nil {
			h.cfg.Queue.Submit(func(ctx context.Context) error {
				return h.cfg.Accounting.ClearClientRecord(ctx, prevKey, clientID)
			})
		}
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *handler) reportDownload(w http.ResponseWriter, r *http.Request) {
	report, err := parseDownloadReport(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.cfg.Accounting.ReportDownload(r.Context(), report.DeploymentKey, report.Label); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordStatusReport("download")
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *handler) blob(w http.ResponseWriter, r *http.Request) {
	blob, err := h.cfg.Management.GetBlob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if len(blob.Content) > 0 {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob.Content)
		return
	}
	http.Redirect(w, r, blob.URL, http.StatusFound)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Health != nil {
		if err := h.cfg.Health.CheckHealth(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Management -------------------------------------------------------------

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email     string `json:"email"`
		AccessKey string `json:"accessKey"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}

	acct, err := h.cfg.Management.Authenticate(r.Context(), payload.Email, payload.AccessKey)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := middleware.SignToken(h.cfg.AuthSecret, acct.ID, sessionTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	acct, err := h.cfg.Management.CreateAccount(r.Context(), account.Account{Email: payload.Email, Name: payload.Name})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) currentAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.cfg.Management.GetAccount(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) createAccessKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FriendlyName string `json:"friendlyName"`
		TTLHours     int    `json:"ttlHours"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	key, err := h.cfg.Management.CreateAccessKey(r.Context(), middleware.AccountID(r.Context()),
		payload.FriendlyName, "httpapi", time.Duration(payload.TTLHours)*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *handler) listAccessKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.cfg.Management.ListAccessKeys(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *handler) removeAccessKey(w http.ResponseWriter, r *http.Request) {
	err := h.cfg.Management.RemoveAccessKey(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["keyId"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createApp(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	app, deployments, err := h.cfg.Management.CreateApp(r.Context(), middleware.AccountID(r.Context()), payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"app":         app,
		"deployments": deployments,
	})
}

func (h *handler) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.cfg.Management.ListApps(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *handler) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.cfg.Management.GetApp(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["appId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *handler) renameApp(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	app, err := h.cfg.Management.RenameApp(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["appId"], payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *handler) removeApp(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Management.RemoveApp(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["appId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) transferApp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.cfg.Management.TransferApp(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["email"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) addCollaborator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.cfg.Management.AddCollaborator(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["email"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *handler) removeCollaborator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.cfg.Management.RemoveCollaborator(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["email"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	dep, err := h.cfg.Management.CreateDeployment(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["appId"], payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (h *handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.cfg.Management.ListDeployments(r.Context(), middleware.AccountID(r.Context()), mux.Vars(r)["appId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (h *handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dep, err := h.cfg.Management.GetDeployment(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (h *handler) renameDeployment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}
	vars := mux.Vars(r)
	dep, err := h.cfg.Management.RenameDeployment(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"], payload.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (h *handler) removeDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.cfg.Management.RemoveDeployment(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	history, err := h.cfg.Management.History(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AppVersion  string `json:"appVersion"`
		PackageHash string `json:"packageHash"`
		Content     []byte `json:"content"`
		Description string `json:"description"`
		IsMandatory bool   `json:"isMandatory"`
		IsDisabled  bool   `json:"isDisabled"`
		Rollout     *int   `json:"rollout"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}

	vars := mux.Vars(r)
	accountID := middleware.AccountID(r.Context())
	releasedBy := ""
	if acct, err := h.cfg.Management.GetAccount(r.Context(), accountID); err == nil {
		releasedBy = acct.Email
	}

	pkg, err := h.cfg.Management.Release(r.Context(), accountID, vars["appId"], vars["deploymentId"], management.ReleaseRequest{
		AppVersion:  payload.AppVersion,
		PackageHash: payload.PackageHash,
		Content:     payload.Content,
		Description: payload.Description,
		ReleasedBy:  releasedBy,
		IsMandatory: payload.IsMandatory,
		IsDisabled:  payload.IsDisabled,
		Rollout:     payload.Rollout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordRelease(string(pkg.ReleaseMethod))
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *handler) promote(w http.ResponseWriter, r *http.Request) {
	var patch management.PackagePatch
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &patch); err != nil {
			writeError(w, errors.Malformedf("invalid JSON body"))
			return
		}
	}

	vars := mux.Vars(r)
	pkg, err := h.cfg.Management.Promote(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"], vars["targetId"], patch)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordRelease(string(pkg.ReleaseMethod))
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *handler) rollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pkg, err := h.cfg.Management.Rollback(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"], r.URL.Query().Get("label"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordRelease(string(pkg.ReleaseMethod))
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *handler) patchPackage(w http.ResponseWriter, r *http.Request) {
	var patch management.PackagePatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeError(w, errors.Malformedf("invalid JSON body"))
		return
	}

	vars := mux.Vars(r)
	pkg, err := h.cfg.Management.PatchPackage(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"], vars["label"], patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *handler) deploymentMetrics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dep, err := h.cfg.Management.GetDeployment(r.Context(), middleware.AccountID(r.Context()), vars["appId"], vars["deploymentId"])
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.cfg.Accounting.Summary(r.Context(), dep.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errors.KindMalformed:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindAlreadyExists:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}
