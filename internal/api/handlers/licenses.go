// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tyfweb/twf-license-management-sub000/internal/metrics"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/issuer"
	"github.com/tyfweb/twf-license-management-sub000/pkg/licensesign"
)

type LicensesHandler struct {
	issuer  *issuer.Service
	metrics *metrics.Manager
}

func NewLicensesHandler(issuerService *issuer.Service, metricsManager *metrics.Manager) *LicensesHandler {
	return &LicensesHandler{
		issuer:  issuerService,
		metrics: metricsManager,
	}
}

// IssueLicense handles POST /api/licenses/issue
func (h *LicensesHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req issuer.LicenseRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	license, err := h.issuer.GenerateLicense(r.Context(), req)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.LicensesIssued.Inc()
	}
	RespondJSON(w, http.StatusCreated, license)
}

// ListLicenses handles GET /api/licenses?productId=...
func (h *LicensesHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.issuer.ListLicenses(r.Context(), r.URL.Query().Get("productId"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, licenses)
}

// GetLicense handles GET /api/licenses/{licenseId}. A format query
// parameter switches from the JSON record to a rendered artifact.
func (h *LicensesHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseId")

	formatName := r.URL.Query().Get("format")
	if formatName == "" {
		license, err := h.issuer.GetLicense(r.Context(), licenseID)
		if err != nil {
			RespondServiceError(w, err)
			return
		}
		RespondJSON(w, http.StatusOK, license)
		return
	}

	format, err := licensesign.ParseFormat(formatName)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	artifact, err := h.issuer.Render(r.Context(), licenseID, format)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	switch format {
	case licensesign.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case licensesign.FormatXML:
		w.Header().Set("Content-Type", "application/xml")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+licenseID+`.lic"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(artifact)
}
