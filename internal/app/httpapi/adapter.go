package httpapi

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/airlift-ota/airlift/internal/app/resolver"
	"github.com/airlift-ota/airlift/internal/app/services/accounting"
	"github.com/airlift-ota/airlift/internal/errors"
)

// Clients spell the same request several ways: GET with camelCase query,
// GET with snake_case query, or POST with a JSON body. Everything here
// folds those spellings into the normalized structs the services consume;
// nothing past this file ever sees the raw shapes.

// field reads the first present spelling from a query.
func field(values url.Values, names ...string) string {
	for _, name := range names {
		if v := values.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// bodyField reads the first present spelling from a JSON body.
func bodyField(body []byte, names ...string) string {
	for _, name := range names {
		if v := gjson.GetBytes(body, name); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func isTruthy(raw string) bool {
	switch strings.ToLower(raw) {
	case "true", "1":
		return true
	}
	return false
}

// parseUpdateCheck folds an update-check request from query or body. The
// current label wins over the legacy previousLabel spelling when both are
// present.
func parseUpdateCheck(r *http.Request) (resolver.Request, error) {
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return resolver.Request{}, errors.Malformedf("unreadable request body")
		}
		if !gjson.ValidBytes(body) {
			return resolver.Request{}, errors.Malformedf("invalid JSON body")
		}
		return resolver.Request{
			DeploymentKey: bodyField(body, "deploymentKey", "deployment_key"),
			AppVersion:    bodyField(body, "appVersion", "app_version"),
			PackageHash:   bodyField(body, "packageHash", "package_hash"),
			Label:         bodyField(body, "label", "previousLabel", "previous_label"),
			ClientID:      bodyField(body, "clientUniqueId", "client_unique_id"),
			IsCompanion:   isTruthy(bodyField(body, "isCompanion", "is_companion")),
		}, nil
	}

	query := r.URL.Query()
	return resolver.Request{
		DeploymentKey: field(query, "deploymentKey", "deployment_key"),
		AppVersion:    field(query, "appVersion", "app_version"),
		PackageHash:   field(query, "packageHash", "package_hash"),
		Label:         field(query, "label", "previousLabel", "previous_label"),
		ClientID:      field(query, "clientUniqueId", "client_unique_id"),
		IsCompanion:   isTruthy(field(query, "isCompanion", "is_companion")),
	}, nil
}

// parseDeployReport folds a deploy status report body.
func parseDeployReport(r *http.Request) (accounting.DeployReport, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return accounting.DeployReport{}, errors.Malformedf("unreadable request body")
	}
	if !gjson.ValidBytes(body) {
		return accounting.DeployReport{}, errors.Malformedf("invalid JSON body")
	}
	return accounting.DeployReport{
		DeploymentKey:             bodyField(body, "deploymentKey", "deployment_key"),
		AppVersion:                bodyField(body, "appVersion", "app_version"),
		Label:                     bodyField(body, "label"),
		Status:                    bodyField(body, "status"),
		ClientID:                  bodyField(body, "clientUniqueId", "client_unique_id"),
		PreviousDeploymentKey:     bodyField(body, "previousDeploymentKey", "previous_deployment_key"),
		PreviousLabelOrAppVersion: bodyField(body, "previousLabelOrAppVersion", "previous_label_or_app_version"),
	}, nil
}

type downloadReport struct {
	DeploymentKey string
	Label         string
}

func parseDownloadReport(r *http.Request) (downloadReport, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return downloadReport{}, errors.Malformedf("unreadable request body")
	}
	if !gjson.ValidBytes(body) {
		return downloadReport{}, errors.Malformedf("invalid JSON body")
	}
	return downloadReport{
		DeploymentKey: bodyField(body, "deploymentKey", "deployment_key"),
		Label:         bodyField(body, "label"),
	}, nil
}

// Response shapes -------------------------------------------------------

type updateInfoBody struct {
	IsAvailable       bool   `json:"isAvailable"`
	IsMandatory       bool   `json:"isMandatory"`
	AppVersion        string `json:"appVersion"`
	UpdateAppVersion  bool   `json:"updateAppVersion"`
	PackageHash       string `json:"packageHash,omitempty"`
	Label             string `json:"label,omitempty"`
	PackageSize       int64  `json:"packageSize,omitempty"`
	Description       string `json:"description,omitempty"`
	DownloadURL       string `json:"downloadURL,omitempty"`
	TargetBinaryRange string `json:"target_binary_range,omitempty"`
}

type updateCheckResponse struct {
	UpdateInfo updateInfoBody `json:"updateInfo"`
}

func toUpdateCheckResponse(info resolver.UpdateInfo) updateCheckResponse {
	return updateCheckResponse{UpdateInfo: updateInfoBody{
		IsAvailable:       info.IsAvailable,
		IsMandatory:       info.IsMandatory,
		AppVersion:        info.AppVersion,
		UpdateAppVersion:  info.UpdateAppVersion,
		PackageHash:       info.PackageHash,
		Label:             info.Label,
		PackageSize:       info.PackageSize,
		Description:       info.Description,
		DownloadURL:       info.DownloadURL,
		TargetBinaryRange: info.AppVersion,
	}}
}

type legacyUpdateInfoBody struct {
	IsAvailable       bool   `json:"is_available"`
	IsMandatory       bool   `json:"is_mandatory"`
	AppVersion        string `json:"app_version"`
	UpdateAppVersion  bool   `json:"update_app_version"`
	PackageHash       string `json:"package_hash,omitempty"`
	Label             string `json:"label,omitempty"`
	PackageSize       int64  `json:"package_size,omitempty"`
	Description       string `json:"description,omitempty"`
	DownloadURL       string `json:"download_url,omitempty"`
	TargetBinaryRange string `json:"target_binary_range,omitempty"`
}

type legacyUpdateCheckResponse struct {
	UpdateInfo legacyUpdateInfoBody `json:"update_info"`
}

func toLegacyUpdateCheckResponse(info resolver.UpdateInfo) legacyUpdateCheckResponse {
	return legacyUpdateCheckResponse{UpdateInfo: legacyUpdateInfoBody{
		IsAvailable:       info.IsAvailable,
		IsMandatory:       info.IsMandatory,
		AppVersion:        info.AppVersion,
		UpdateAppVersion:  info.UpdateAppVersion,
		PackageHash:       info.PackageHash,
		Label:             info.Label,
		PackageSize:       info.PackageSize,
		Description:       info.Description,
		DownloadURL:       info.DownloadURL,
		TargetBinaryRange: info.AppVersion,
	}}
}
