// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/tyfweb/twf-license-management-sub000/internal/dbinterface"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrApprovalDecided  = errors.New("approval already decided")
	ErrInvalidKind      = errors.New("invalid approval kind")
)

// Approval kinds. One tagged record shape covers every entity that goes
// through the submit/approve/reject workflow, instead of a
// type-parameterized service branching per entity.
const (
	ApprovalKindConsumer = "consumer"
	ApprovalKindProduct  = "product"
	ApprovalKindLicense  = "license"
)

const (
	ApprovalStatusSubmitted = "submitted"
	ApprovalStatusApproved  = "approved"
	ApprovalStatusRejected  = "rejected"
)

// Approvable is the capability record for workflow-managed entities.
type Approvable struct {
	SubmittedOn time.Time  `json:"submittedOn"`
	DecidedOn   *time.Time `json:"decidedOn,omitempty"`
	Kind        string     `json:"kind"`
	EntityID    string     `json:"entityId"`
	Status      string     `json:"status"`
	SubmittedBy string     `json:"submittedBy"`
	DecidedBy   *string    `json:"decidedBy,omitempty"`
	Note        string     `json:"note,omitempty"`
	ID          int        `json:"id"`
}

// ValidApprovalKind reports whether kind names a workflow-managed entity.
func ValidApprovalKind(kind string) bool {
	switch kind {
	case ApprovalKindConsumer, ApprovalKindProduct, ApprovalKindLicense:
		return true
	}
	return false
}

type ApprovalStore struct {
	db dbinterface.Querier
}

func NewApprovalStore(db dbinterface.Querier) *ApprovalStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &ApprovalStore{db: db}
}

// Submit files (or re-files) an approval request for an entity.
// Resubmitting a decided entity reopens it.
func (s *ApprovalStore) Submit(ctx context.Context, kind, entityID, submittedBy string) (*Approvable, error) {
	if !ValidApprovalKind(kind) {
		return nil, ErrInvalidKind
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (kind, entity_id, status, submitted_by, submitted_on)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, entity_id) DO UPDATE SET
			status = excluded.status,
			submitted_by = excluded.submitted_by,
			submitted_on = excluded.submitted_on,
			decided_by = NULL,
			decided_on = NULL,
			note = ''
	`, kind, entityID, ApprovalStatusSubmitted, submittedBy, now)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, kind, entityID)
}

// Decide records an approve or reject decision on a submitted entity.
func (s *ApprovalStore) Decide(ctx context.Context, kind, entityID, status, decidedBy, note string) (*Approvable, error) {
	if !ValidApprovalKind(kind) {
		return nil, ErrInvalidKind
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decided_by = ?, decided_on = ?, note = ?
		WHERE kind = ? AND entity_id = ? AND status = ?
	`, status, decidedBy, time.Now().UTC(), note, kind, entityID, ApprovalStatusSubmitted)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, kind, entityID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrApprovalDecided
	}
	return s.Get(ctx, kind, entityID)
}

func (s *ApprovalStore) Get(ctx context.Context, kind, entityID string) (*Approvable, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, entity_id, status, submitted_by, submitted_on, decided_by, decided_on, note
		FROM approvals
		WHERE kind = ? AND entity_id = ?
	`, kind, entityID)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return approval, err
}

// List returns approvals, optionally filtered by status.
func (s *ApprovalStore) List(ctx context.Context, status string) ([]*Approvable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, status, submitted_by, submitted_on, decided_by, decided_on, note
		FROM approvals
		WHERE ? = '' OR status = ?
		ORDER BY submitted_on DESC
	`, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	approvals := []*Approvable{}
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*Approvable, error) {
	var approval Approvable
	var decidedBy sql.NullString
	var decidedOn sql.NullTime
	err := row.Scan(
		&approval.ID,
		&approval.Kind,
		&approval.EntityID,
		&approval.Status,
		&approval.SubmittedBy,
		&approval.SubmittedOn,
		&decidedBy,
		&decidedOn,
		&approval.Note,
	)
	if err != nil {
		return nil, err
	}
	if decidedBy.Valid {
		approval.DecidedBy = &decidedBy.String
	}
	if decidedOn.Valid {
		approval.DecidedOn = &decidedOn.Time
	}
	return &approval, nil
}
