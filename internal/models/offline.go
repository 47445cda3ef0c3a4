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
	ErrOfflineRequestNotFound = errors.New("offline activation request not found")
	ErrOfflineRequestUsed     = errors.New("offline activation request already processed")
)

// OfflineActivationRequest is the server-side record of an offline
// challenge. The challenge blob travels out-of-band; processing the
// matching response consumes the request exactly once.
type OfflineActivationRequest struct {
	RequestedAt       time.Time  `json:"requestedAt"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty"`
	RequestID         string     `json:"requestId"`
	LicenseKey        string     `json:"licenseKey"`
	DeviceID          string     `json:"deviceId"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	Challenge         string     `json:"activationChallenge"`
	ID                int        `json:"id"`
}

type OfflineRequestStore struct {
	db dbinterface.Querier
}

func NewOfflineRequestStore(db dbinterface.Querier) *OfflineRequestStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &OfflineRequestStore{db: db}
}

func (s *OfflineRequestStore) Create(ctx context.Context, req *OfflineActivationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_requests (request_id, license_key, device_id, device_fingerprint, challenge, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.RequestID, req.LicenseKey, req.DeviceID, req.DeviceFingerprint, req.Challenge, req.RequestedAt.UTC())
	return err
}

func (s *OfflineRequestStore) GetByRequestID(ctx context.Context, requestID string) (*OfflineActivationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, license_key, device_id, device_fingerprint, challenge, requested_at, processed_at
		FROM offline_requests
		WHERE request_id = ?
	`, requestID)

	var req OfflineActivationRequest
	var processedAt sql.NullTime
	err := row.Scan(
		&req.ID,
		&req.RequestID,
		&req.LicenseKey,
		&req.DeviceID,
		&req.DeviceFingerprint,
		&req.Challenge,
		&req.RequestedAt,
		&processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfflineRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		req.ProcessedAt = &processedAt.Time
	}
	return &req, nil
}

// MarkProcessed consumes the request. The conditional update makes
// replaying a response a no-op that surfaces ErrOfflineRequestUsed.
func (s *OfflineRequestStore) MarkProcessed(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_requests
		SET processed_at = ?
		WHERE request_id = ? AND processed_at IS NULL
	`, time.Now().UTC(), requestID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOfflineRequestUsed
	}
	return nil
}

// ResetProcessed returns a consumed request to unprocessed, for when the
// activation behind the challenge failed after the request was claimed.
func (s *OfflineRequestStore) ResetProcessed(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offline_requests
		SET processed_at = NULL
		WHERE request_id = ?
	`, requestID)
	return err
}
