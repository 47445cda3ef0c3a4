// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/tyfweb/twf-license-management-sub000/internal/services/activation"
)

type ActivationsHandler struct {
	activations *activation.Service
}

func NewActivationsHandler(activationService *activation.Service) *ActivationsHandler {
	return &ActivationsHandler{activations: activationService}
}

type ActivateLicenseRequest struct {
	LicenseID  string `json:"licenseId"`
	DeviceID   string `json:"deviceId"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

// ActivateLicense handles POST /api/activation/activate
func (h *ActivationsHandler) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req ActivateLicenseRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.activations.ActivateLicense(r.Context(), req.LicenseID, req.DeviceID, req.DeviceInfo)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

type licenseDeviceRequest struct {
	LicenseID string `json:"licenseId"`
	DeviceID  string `json:"deviceId"`
	Reason    string `json:"reason,omitempty"`
}

// ValidateLicense handles POST /api/activation/validate
func (h *ActivationsHandler) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseDeviceRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	status, err := h.activations.ValidateActiveLicense(r.Context(), req.LicenseID, req.DeviceID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, status)
}

// DeactivateLicense handles POST /api/activation/deactivate
func (h *ActivationsHandler) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseDeviceRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.activations.DeactivateLicense(r.Context(), req.LicenseID, req.DeviceID, req.Reason); err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// Heartbeat handles POST /api/activation/heartbeat
func (h *ActivationsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req licenseDeviceRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.activations.Heartbeat(r.Context(), req.LicenseID, req.DeviceID); err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type TrackUsageRequest struct {
	LicenseID string            `json:"licenseId"`
	DeviceID  string            `json:"deviceId"`
	UsageType string            `json:"usageType"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TrackUsage handles POST /api/activation/usage
func (h *ActivationsHandler) TrackUsage(w http.ResponseWriter, r *http.Request) {
	var req TrackUsageRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.activations.TrackUsage(r.Context(), req.LicenseID, req.DeviceID, req.UsageType, req.Metadata); err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

type OfflineRequestRequest struct {
	LicenseID         string `json:"licenseId"`
	DeviceID          string `json:"deviceId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// GenerateOfflineRequest handles POST /api/activation/offline/request
func (h *ActivationsHandler) GenerateOfflineRequest(w http.ResponseWriter, r *http.Request) {
	var req OfflineRequestRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	blob, err := h.activations.GenerateOfflineActivationRequest(r.Context(), req.LicenseID, req.DeviceID, req.DeviceFingerprint)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"activationRequest": blob})
}

type OfflineActivateRequest struct {
	ActivationRequest string `json:"activationRequest"`
}

// ProcessOfflineActivation handles POST /api/activation/offline/activate
func (h *ActivationsHandler) ProcessOfflineActivation(w http.ResponseWriter, r *http.Request) {
	var req OfflineActivateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.activations.ProcessOfflineActivationResponse(r.Context(), req.ActivationRequest)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}
