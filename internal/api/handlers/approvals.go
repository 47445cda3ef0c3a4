// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/approvals"
)

type ApprovalsHandler struct {
	approvals *approvals.Service
}

func NewApprovalsHandler(approvalService *approvals.Service) *ApprovalsHandler {
	return &ApprovalsHandler{approvals: approvalService}
}

type SubmitApprovalRequest struct {
	EntityID    string `json:"entityId"`
	SubmittedBy string `json:"submittedBy"`
}

// Submit handles POST /api/approvals/{kind}/submit
func (h *ApprovalsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	var req SubmitApprovalRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	approval, err := h.approvals.Submit(r.Context(), kind, req.EntityID, req.SubmittedBy)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, approval)
}

type DecideApprovalRequest struct {
	EntityID  string `json:"entityId"`
	DecidedBy string `json:"decidedBy"`
	Note      string `json:"note,omitempty"`
}

// Approve handles POST /api/approvals/{kind}/approve
func (h *ApprovalsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Approve)
}

// Reject handles POST /api/approvals/{kind}/reject
func (h *ApprovalsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Reject)
}

// Get handles GET /api/approvals/{kind}/{entityId}
func (h *ApprovalsHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	entityID := chi.URLParam(r, "entityId")

	approval, err := h.approvals.Get(r.Context(), kind, entityID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, approval)
}

// List handles GET /api/approvals?status=
func (h *ApprovalsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.approvals.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, list)
}

func (h *ApprovalsHandler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, kind, entityID, decidedBy, note string) (*models.Approvable, error)) {
	kind := chi.URLParam(r, "kind")
	var req DecideApprovalRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	approval, err := fn(r.Context(), kind, req.EntityID, req.DecidedBy, req.Note)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, approval)
}
