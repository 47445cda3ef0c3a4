// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/tyfweb/twf-license-management-sub000/internal/dbinterface"
)

var ErrLicenseActivationNotFound = errors.New("license activation not found")

// License activation states. Active is the only non-terminal state;
// heartbeats touch last_heartbeat without changing status.
const (
	ActivationStatusActive      = "active"
	ActivationStatusDeactivated = "deactivated"
	ActivationStatusExpired     = "expired"
	ActivationStatusRevoked     = "revoked"
)

// LicenseActivation binds a license to a device. Rows are never deleted;
// deactivation and expiry are recorded in place.
type LicenseActivation struct {
	ActivatedAt        time.Time  `json:"activatedAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	LastHeartbeat      time.Time  `json:"lastHeartbeat"`
	ActivationID       string     `json:"activationId"`
	LicenseID          string     `json:"licenseId"`
	DeviceID           string     `json:"deviceId"`
	DeviceInfo         string     `json:"deviceInfo,omitempty"`
	ActivationToken    string     `json:"activationToken"`
	Status             string     `json:"status"`
	DeactivationReason *string    `json:"deactivationReason,omitempty"`
	ID                 int        `json:"id"`
}

type LicenseActivationStore struct {
	db dbinterface.TxBeginner
}

func NewLicenseActivationStore(db dbinterface.TxBeginner) *LicenseActivationStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &LicenseActivationStore{db: db}
}

// Upsert creates the activation row for (license, device), or refreshes an
// existing one back to active. Used by both the online and offline paths.
func (s *LicenseActivationStore) Upsert(ctx context.Context, activation *LicenseActivation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO license_activations (activation_id, license_id, device_id, device_info, activation_token, status, activated_at, expires_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (license_id, device_id) DO UPDATE SET
			activation_id = excluded.activation_id,
			device_info = excluded.device_info,
			activation_token = excluded.activation_token,
			status = excluded.status,
			activated_at = excluded.activated_at,
			expires_at = excluded.expires_at,
			last_heartbeat = excluded.last_heartbeat,
			deactivation_reason = NULL
	`, activation.ActivationID, activation.LicenseID, activation.DeviceID, activation.DeviceInfo,
		activation.ActivationToken, activation.Status,
		activation.ActivatedAt.UTC(), activation.ExpiresAt.UTC(), activation.LastHeartbeat.UTC())
	return err
}

const activationColumns = `id, activation_id, license_id, device_id, device_info, activation_token,
	status, activated_at, expires_at, last_heartbeat, deactivation_reason`

func (s *LicenseActivationStore) Get(ctx context.Context, licenseID, deviceID string) (*LicenseActivation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM license_activations WHERE license_id = ? AND device_id = ?",
		licenseID, deviceID)
	activation, err := scanActivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseActivationNotFound
	}
	return activation, err
}

// Touch updates the heartbeat timestamp of an active activation.
func (s *LicenseActivationStore) Touch(ctx context.Context, licenseID, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE license_activations
		SET last_heartbeat = ?
		WHERE license_id = ? AND device_id = ? AND status = ?
	`, at.UTC(), licenseID, deviceID, ActivationStatusActive)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLicenseActivationNotFound
	}
	return nil
}

// Deactivate moves an active activation to a terminal state with a reason.
func (s *LicenseActivationStore) Deactivate(ctx context.Context, licenseID, deviceID, status, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE license_activations
		SET status = ?, deactivation_reason = ?
		WHERE license_id = ? AND device_id = ? AND status = ?
	`, status, reason, licenseID, deviceID, ActivationStatusActive)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLicenseActivationNotFound
	}
	return nil
}

// ListStale returns active activations whose last heartbeat predates the
// cutoff, for reclamation sweeps.
func (s *LicenseActivationStore) ListStale(ctx context.Context, cutoff time.Time) ([]*LicenseActivation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+activationColumns+" FROM license_activations WHERE status = ? AND last_heartbeat < ?",
		ActivationStatusActive, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activations := []*LicenseActivation{}
	for rows.Next() {
		activation, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, activation)
	}
	return activations, rows.Err()
}

// RecordUsage appends a usage event. Usage is append-only telemetry and
// never changes activation state.
func (s *LicenseActivationStore) RecordUsage(ctx context.Context, licenseID, deviceID, usageType string, metadata map[string]string) error {
	encoded := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (license_id, device_id, usage_type, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, licenseID, deviceID, usageType, encoded, time.Now().UTC())
	return err
}

func scanActivation(row rowScanner) (*LicenseActivation, error) {
	var activation LicenseActivation
	var reason sql.NullString
	err := row.Scan(
		&activation.ID,
		&activation.ActivationID,
		&activation.LicenseID,
		&activation.DeviceID,
		&activation.DeviceInfo,
		&activation.ActivationToken,
		&activation.Status,
		&activation.ActivatedAt,
		&activation.ExpiresAt,
		&activation.LastHeartbeat,
		&reason,
	)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		activation.DeactivationReason = &reason.String
	}
	return &activation, nil
}
