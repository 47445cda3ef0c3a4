// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/metrics"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
)

type KeysHandler struct {
	keys           *keymanager.Service
	metrics        *metrics.Manager
	defaultKeySize int
}

func NewKeysHandler(keyService *keymanager.Service, metricsManager *metrics.Manager, defaultKeySize int) *KeysHandler {
	return &KeysHandler{
		keys:           keyService,
		metrics:        metricsManager,
		defaultKeySize: defaultKeySize,
	}
}

type KeyRequest struct {
	ProductID string `json:"productId"`
	KeySize   int    `json:"keySize,omitempty"`
}

type KeyResponse struct {
	ProductID string `json:"productId"`
	PublicKey string `json:"publicKey"`
	KeySize   int    `json:"keySize"`
}

// GenerateKeys handles POST /api/keys/generate
func (h *KeysHandler) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeKeyRequest(w, r)
	if !ok {
		return
	}

	publicKeyPEM, err := h.keys.GenerateKeyPair(r.Context(), req.ProductID, req.KeySize)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, KeyResponse{
		ProductID: req.ProductID,
		PublicKey: publicKeyPEM,
		KeySize:   req.KeySize,
	})
}

// RotateKeys handles POST /api/keys/rotate
func (h *KeysHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeKeyRequest(w, r)
	if !ok {
		return
	}

	publicKeyPEM, err := h.keys.RotateKeys(r.Context(), req.ProductID, req.KeySize)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.KeyRotationsTotal.Inc()
	}
	RespondJSON(w, http.StatusOK, KeyResponse{
		ProductID: req.ProductID,
		PublicKey: publicKeyPEM,
		KeySize:   req.KeySize,
	})
}

// GetPublicKey handles GET /api/keys/{productId}/public
func (h *KeysHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	publicKeyPEM, err := h.keys.GetPublicKey(r.Context(), productID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(publicKeyPEM))
}

func (h *KeysHandler) decodeKeyRequest(w http.ResponseWriter, r *http.Request) (KeyRequest, bool) {
	var req KeyRequest
	if !DecodeJSON(w, r, &req) {
		return req, false
	}
	if req.ProductID == "" {
		RespondError(w, http.StatusBadRequest, "productId is required")
		return req, false
	}
	if req.KeySize == 0 {
		req.KeySize = h.defaultKeySize
	}
	if !domain.IsValidKeySize(req.KeySize) {
		RespondError(w, http.StatusBadRequest, "keySize must be 2048 or 4096")
		return req, false
	}
	return req, true
}
