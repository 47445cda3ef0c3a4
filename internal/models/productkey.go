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

var (
	ErrProductKeyNotFound = errors.New("product key not found")
	ErrActivationNotFound = errors.New("product key activation not found")
	// ErrNoActivationSlot is returned when the conditional activation
	// update matches no row: the key is out of quota or not in an
	// activatable state. Callers re-read the key to tell the two apart.
	ErrNoActivationSlot = errors.New("no activation slot claimed")
)

// Product key lifecycle states.
const (
	ProductKeyStatusPending  = "pending_activation"
	ProductKeyStatusActive   = "active"
	ProductKeyStatusExpired  = "expired"
	ProductKeyStatusRevoked  = "revoked"
	ProductKeyStatusInactive = "inactive"
)

// ProductKey is an administrator-issued license grant progressing through
// the activation state machine. The invariant
// 0 <= CurrentActivations <= MaxActivations is enforced both by the
// conditional SQL updates and by a table CHECK constraint.
type ProductKey struct {
	ValidFrom           time.Time         `json:"validFrom"`
	ValidTo             time.Time         `json:"validTo"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	ActivationDate      *time.Time        `json:"activationDate,omitempty"`
	ActivationEndDate   *time.Time        `json:"activationEndDate,omitempty"`
	ActivationSignature *string           `json:"activationSignature,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Key                 string            `json:"key"`
	TenantID            string            `json:"tenantId,omitempty"`
	ProductID           string            `json:"productId"`
	ConsumerID          string            `json:"consumerId"`
	Status              string            `json:"status"`
	MaxActivations      int               `json:"maxActivations"`
	CurrentActivations  int               `json:"currentActivations"`
	ID                  int               `json:"id"`
}

// ProductKeyActivation is the per-device record behind a proof-of-activation
// signature. Signatures are unique, so lookup by signature is a pure read.
type ProductKeyActivation struct {
	ActivatedAt  time.Time  `json:"activatedAt"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
	DeviceID     string     `json:"deviceId"`
	Signature    string     `json:"signature"`
	ProductKeyID int        `json:"productKeyId"`
	ID           int        `json:"id"`
}

type ProductKeyStore struct {
	db dbinterface.TxBeginner
}

func NewProductKeyStore(db dbinterface.TxBeginner) *ProductKeyStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &ProductKeyStore{db: db}
}

func (s *ProductKeyStore) Create(ctx context.Context, key *ProductKey) error {
	metadata, err := json.Marshal(key.Metadata)
	if err != nil {
		return err
	}
	if key.Metadata == nil {
		metadata = []byte("{}")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO product_keys (key, tenant_id, product_id, consumer_id, status, valid_from, valid_to, max_activations, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, key.Key, key.TenantID, key.ProductID, key.ConsumerID, ProductKeyStatusPending,
		key.ValidFrom.UTC(), key.ValidTo.UTC(), key.MaxActivations, string(metadata), now, now)
	if err != nil {
		return err
	}

	key.Status = ProductKeyStatusPending
	key.CreatedAt = now
	key.UpdatedAt = now
	return nil
}

const productKeyColumns = `id, key, tenant_id, product_id, consumer_id, status, valid_from, valid_to,
	max_activations, current_activations, activation_signature, activation_date, activation_end_date,
	metadata, created_at, updated_at`

func (s *ProductKeyStore) GetByKey(ctx context.Context, key string) (*ProductKey, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+productKeyColumns+" FROM product_keys WHERE key = ?", key)
	pk, err := scanProductKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductKeyNotFound
	}
	return pk, err
}

// ClaimActivation atomically claims an activation slot and records the
// device activation with its proof signature. The conditional UPDATE is
// the quota check and the increment in one statement; two concurrent
// claims on a key with one remaining slot cannot both match.
//
// signFn receives the activation timestamp that ends up stored (the first
// activation's date is reused for subsequent ones, matching the signed
// tuple key+device+activationDate).
//
// A device that already holds an unreleased activation gets its existing
// record back unchanged. The signed tuple is deterministic per device, so
// claiming a second slot would collide on the signature anyway.
func (s *ProductKeyStore) ClaimActivation(ctx context.Context, key, deviceID string, validity time.Duration, signFn func(activationDate time.Time) (string, error)) (*ProductKey, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT pka.signature
		FROM product_key_activations pka
		JOIN product_keys pk ON pk.id = pka.product_key_id
		WHERE pk.key = ? AND pka.device_id = ? AND pka.released_at IS NULL
	`, key, deviceID).Scan(&existing)
	if err == nil {
		row := tx.QueryRowContext(ctx,
			"SELECT "+productKeyColumns+" FROM product_keys WHERE key = ?", key)
		pk, err := scanProductKey(row)
		if err != nil {
			return nil, "", err
		}
		return pk, existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, "", err
	}

	now := time.Now().UTC()
	endDate := now.Add(validity)

	res, err := tx.ExecContext(ctx, `
		UPDATE product_keys
		SET current_activations = current_activations + 1,
			status = ?,
			activation_date = COALESCE(activation_date, ?),
			activation_end_date = COALESCE(activation_end_date, ?),
			updated_at = ?
		WHERE key = ?
			AND status IN (?, ?)
			AND valid_from <= ? AND valid_to >= ?
			AND current_activations < max_activations
	`, ProductKeyStatusActive, now, endDate, now,
		key, ProductKeyStatusPending, ProductKeyStatusActive, now, now)
	if err != nil {
		return nil, "", err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, "", err
	}
	if affected == 0 {
		return nil, "", ErrNoActivationSlot
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+productKeyColumns+" FROM product_keys WHERE key = ?", key)
	pk, err := scanProductKey(row)
	if err != nil {
		return nil, "", err
	}

	signature, err := signFn(*pk.ActivationDate)
	if err != nil {
		return nil, "", err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO product_key_activations (product_key_id, device_id, signature, activated_at)
		VALUES (?, ?, ?, ?)
	`, pk.ID, deviceID, signature, now); err != nil {
		return nil, "", err
	}

	if pk.ActivationSignature == nil {
		if _, err := tx.ExecContext(ctx,
			"UPDATE product_keys SET activation_signature = ? WHERE id = ?",
			signature, pk.ID); err != nil {
			return nil, "", err
		}
		pk.ActivationSignature = &signature
	}

	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return pk, signature, nil
}

// ReleaseActivation decrements the activation count, floored at zero, and
// moves the key to inactive when no activations remain. Only active keys
// release slots.
func (s *ProductKeyStore) ReleaseActivation(ctx context.Context, key string) (*ProductKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE product_keys
		SET current_activations = MAX(current_activations - 1, 0),
			status = CASE WHEN current_activations <= 1 THEN ? ELSE status END,
			updated_at = ?
		WHERE key = ? AND status = ?
	`, ProductKeyStatusInactive, now, key, ProductKeyStatusActive)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNoActivationSlot
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE product_key_activations
		SET released_at = ?
		WHERE id IN (
			SELECT pka.id FROM product_key_activations pka
			JOIN product_keys pk ON pk.id = pka.product_key_id
			WHERE pk.key = ? AND pka.released_at IS NULL
			ORDER BY pka.activated_at DESC
			LIMIT 1
		)
	`, now, key)
	if err != nil {
		return nil, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+productKeyColumns+" FROM product_keys WHERE key = ?", key)
	pk, err := scanProductKey(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pk, nil
}

// Expire moves a key to expired only from an activatable state, so a
// revocation landing between a caller's read and this write is never
// overwritten. Reports whether the transition applied.
func (s *ProductKeyStore) Expire(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE product_keys
		SET status = ?, updated_at = ?
		WHERE key = ? AND status IN (?, ?)
	`, ProductKeyStatusExpired, time.Now().UTC(), key,
		ProductKeyStatusPending, ProductKeyStatusActive)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetStatus moves a key to the given status unconditionally. Used for
// administrative revocation.
func (s *ProductKeyStore) SetStatus(ctx context.Context, key, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE product_keys SET status = ?, updated_at = ? WHERE key = ?",
		status, time.Now().UTC(), key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProductKeyNotFound
	}
	return nil
}

// GetActivationBySignature resolves a proof-of-activation signature to the
// activation record and its product key.
func (s *ProductKeyStore) GetActivationBySignature(ctx context.Context, signature string) (*ProductKeyActivation, *ProductKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pka.id, pka.product_key_id, pka.device_id, pka.signature, pka.activated_at, pka.released_at
		FROM product_key_activations pka
		WHERE pka.signature = ?
	`, signature)

	var activation ProductKeyActivation
	var releasedAt sql.NullTime
	err := row.Scan(
		&activation.ID,
		&activation.ProductKeyID,
		&activation.DeviceID,
		&activation.Signature,
		&activation.ActivatedAt,
		&releasedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrActivationNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if releasedAt.Valid {
		activation.ReleasedAt = &releasedAt.Time
	}

	keyRow := s.db.QueryRowContext(ctx,
		"SELECT "+productKeyColumns+" FROM product_keys WHERE id = ?", activation.ProductKeyID)
	pk, err := scanProductKey(keyRow)
	if err != nil {
		return nil, nil, err
	}
	return &activation, pk, nil
}

// CountByStatus returns product key counts grouped by status, for metrics.
func (s *ProductKeyStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM product_keys GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanProductKey(row rowScanner) (*ProductKey, error) {
	var pk ProductKey
	var signature sql.NullString
	var activationDate, activationEndDate sql.NullTime
	var metadata string
	err := row.Scan(
		&pk.ID,
		&pk.Key,
		&pk.TenantID,
		&pk.ProductID,
		&pk.ConsumerID,
		&pk.Status,
		&pk.ValidFrom,
		&pk.ValidTo,
		&pk.MaxActivations,
		&pk.CurrentActivations,
		&signature,
		&activationDate,
		&activationEndDate,
		&metadata,
		&pk.CreatedAt,
		&pk.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if signature.Valid {
		pk.ActivationSignature = &signature.String
	}
	if activationDate.Valid {
		pk.ActivationDate = &activationDate.Time
	}
	if activationEndDate.Valid {
		pk.ActivationEndDate = &activationEndDate.Time
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &pk.Metadata); err != nil {
			return nil, err
		}
	}
	return &pk, nil
}
