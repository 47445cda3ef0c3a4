// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package approvals runs the submit/approve/reject workflow over
// consumers, products, and licenses. Every entity shares the one tagged
// Approvable record.
package approvals

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
)

type Service struct {
	store *models.ApprovalStore
}

func NewService(store *models.ApprovalStore) *Service {
	if store == nil {
		panic("store cannot be nil")
	}
	return &Service{store: store}
}

// Submit files an entity for review. Resubmitting a decided entity
// reopens it.
func (s *Service) Submit(ctx context.Context, kind, entityID, submittedBy string) (*models.Approvable, error) {
	if entityID == "" || submittedBy == "" {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "entityId and submittedBy are required")
	}
	approval, err := s.store.Submit(ctx, kind, entityID, submittedBy)
	if errors.Is(err, models.ErrInvalidKind) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeInvalidRequest,
			"kind must be consumer, product or license")
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("kind", kind).
		Str("entityId", entityID).
		Str("submittedBy", submittedBy).
		Msg("Approval submitted")
	return approval, nil
}

// Approve accepts a submitted entity.
func (s *Service) Approve(ctx context.Context, kind, entityID, decidedBy, note string) (*models.Approvable, error) {
	return s.decide(ctx, kind, entityID, models.ApprovalStatusApproved, decidedBy, note)
}

// Reject declines a submitted entity.
func (s *Service) Reject(ctx context.Context, kind, entityID, decidedBy, note string) (*models.Approvable, error) {
	return s.decide(ctx, kind, entityID, models.ApprovalStatusRejected, decidedBy, note)
}

func (s *Service) decide(ctx context.Context, kind, entityID, status, decidedBy, note string) (*models.Approvable, error) {
	if entityID == "" || decidedBy == "" {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "entityId and decidedBy are required")
	}
	approval, err := s.store.Decide(ctx, kind, entityID, status, decidedBy, note)
	switch {
	case errors.Is(err, models.ErrInvalidKind):
		return nil, serviceerror.Wrap(err, serviceerror.CodeInvalidRequest,
			"kind must be consumer, product or license")
	case errors.Is(err, models.ErrApprovalNotFound):
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "no approval for this entity")
	case errors.Is(err, models.ErrApprovalDecided):
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotActive, "approval is no longer open")
	case err != nil:
		return nil, err
	}

	log.Info().
		Str("kind", kind).
		Str("entityId", entityID).
		Str("status", status).
		Str("decidedBy", decidedBy).
		Msg("Approval decided")
	return approval, nil
}

// Get returns the approval record for an entity.
func (s *Service) Get(ctx context.Context, kind, entityID string) (*models.Approvable, error) {
	approval, err := s.store.Get(ctx, kind, entityID)
	if errors.Is(err, models.ErrApprovalNotFound) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "no approval for this entity")
	}
	return approval, err
}

// List returns approvals, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]*models.Approvable, error) {
	switch status {
	case "", models.ApprovalStatusSubmitted, models.ApprovalStatusApproved, models.ApprovalStatusRejected:
	default:
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "unknown approval status %q", status)
	}
	return s.store.List(ctx, status)
}
