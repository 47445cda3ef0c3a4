// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tyfweb/twf-license-management-sub000/internal/metrics"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/registry"
)

type ProductKeysHandler struct {
	registry *registry.Service
	metrics  *metrics.Manager
}

func NewProductKeysHandler(registryService *registry.Service, metricsManager *metrics.Manager) *ProductKeysHandler {
	return &ProductKeysHandler{
		registry: registryService,
		metrics:  metricsManager,
	}
}

// RegisterProductKey handles POST /api/productkey/register
func (h *ProductKeysHandler) RegisterProductKey(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	key, err := h.registry.CreateProductKey(r.Context(), req)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, key)
}

type ActivateProductKeyRequest struct {
	Key      string `json:"key"`
	DeviceID string `json:"deviceId"`
}

// ActivateProductKey handles POST /api/productkey/activate
func (h *ProductKeysHandler) ActivateProductKey(w http.ResponseWriter, r *http.Request) {
	var req ActivateProductKeyRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.registry.ActivateProductKey(r.Context(), req.Key, req.DeviceID)
	if err != nil {
		h.countActivation("failure")
		RespondServiceError(w, err)
		return
	}

	h.countActivation("success")
	if h.metrics != nil {
		h.metrics.SignaturesCreated.Inc()
	}
	RespondJSON(w, http.StatusOK, result)
}

// ValidateProductKey handles GET /api/productkey/validate/{productKey}
func (h *ProductKeysHandler) ValidateProductKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "productKey")

	result, err := h.registry.ValidateProductKey(r.Context(), key)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// GetActivation handles GET /api/productkey/activation/{signature}
func (h *ProductKeysHandler) GetActivation(w http.ResponseWriter, r *http.Request) {
	signature := chi.URLParam(r, "signature")

	activation, key, err := h.registry.GetActivationBySignature(r.Context(), signature)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"activation": activation,
		"productKey": key,
	})
}

type DeactivateProductKeyRequest struct {
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
}

// DeactivateProductKey handles POST /api/productkey/deactivate
func (h *ProductKeysHandler) DeactivateProductKey(w http.ResponseWriter, r *http.Request) {
	var req DeactivateProductKeyRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	key, err := h.registry.DeactivateProductKey(r.Context(), req.Key, req.Reason)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, key)
}

// RevokeProductKey handles POST /api/productkey/revoke
func (h *ProductKeysHandler) RevokeProductKey(w http.ResponseWriter, r *http.Request) {
	var req DeactivateProductKeyRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.registry.RevokeProductKey(r.Context(), req.Key, req.Reason); err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *ProductKeysHandler) countActivation(outcome string) {
	if h.metrics != nil {
		h.metrics.ActivationsTotal.WithLabelValues(outcome).Inc()
	}
}
