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

var ErrKeyPairNotFound = errors.New("key pair not found")

// Key pair status constants. A product has at most one live pair; rotation
// retires the previous pair, which stays verifiable until verify_until.
const (
	KeyPairStatusLive    = "live"
	KeyPairStatusRetired = "retired"
)

// ProductKeyPair is the stored public half of a product signing key. The
// private key lives in the secret store; PrivateKeyRef names it.
type ProductKeyPair struct {
	CreatedAt     time.Time  `json:"createdAt"`
	RotatedAt     *time.Time `json:"rotatedAt,omitempty"`
	VerifyUntil   *time.Time `json:"verifyUntil,omitempty"`
	KeyID         string     `json:"keyId"`
	ProductID     string     `json:"productId"`
	TenantID      string     `json:"tenantId,omitempty"`
	PublicKeyPEM  string     `json:"publicKey"`
	PrivateKeyRef string     `json:"-"`
	Fingerprint   string     `json:"fingerprint"`
	Status        string     `json:"status"`
	KeySize       int        `json:"keySize"`
	ID            int        `json:"id"`
}

type KeyPairStore struct {
	db dbinterface.TxBeginner
}

func NewKeyPairStore(db dbinterface.TxBeginner) *KeyPairStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &KeyPairStore{db: db}
}

// Create inserts a new live pair. When rotating, the caller sets
// verifyUntil for the superseded pair via the same transaction so there is
// never a moment with two live pairs or none.
func (s *KeyPairStore) Create(ctx context.Context, pair *ProductKeyPair, verifyUntil *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE key_pairs
		SET status = ?, rotated_at = ?, verify_until = ?
		WHERE product_id = ? AND status = ?
	`, KeyPairStatusRetired, now, verifyUntil, pair.ProductID, KeyPairStatusLive)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO key_pairs (key_id, product_id, tenant_id, public_key_pem, private_key_ref, fingerprint, key_size, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pair.KeyID, pair.ProductID, pair.TenantID, pair.PublicKeyPEM, pair.PrivateKeyRef, pair.Fingerprint, pair.KeySize, KeyPairStatusLive, now)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pair.Status = KeyPairStatusLive
	pair.CreatedAt = now
	return nil
}

// GetLive returns the product's current signing pair.
func (s *KeyPairStore) GetLive(ctx context.Context, productID string) (*ProductKeyPair, error) {
	return s.getOne(ctx, `
		SELECT id, key_id, product_id, tenant_id, public_key_pem, private_key_ref, fingerprint, key_size, status, created_at, rotated_at, verify_until
		FROM key_pairs
		WHERE product_id = ? AND status = ?
	`, productID, KeyPairStatusLive)
}

// GetByFingerprint returns the pair whose public key matches fingerprint,
// in any status. Verifiers use it to locate superseded keys during the
// rotation grace window.
func (s *KeyPairStore) GetByFingerprint(ctx context.Context, fingerprint string) (*ProductKeyPair, error) {
	return s.getOne(ctx, `
		SELECT id, key_id, product_id, tenant_id, public_key_pem, private_key_ref, fingerprint, key_size, status, created_at, rotated_at, verify_until
		FROM key_pairs
		WHERE fingerprint = ?
	`, fingerprint)
}

// ListVerifiable returns the pairs whose signatures are still acceptable
// for the product at the given instant: the live pair plus retired pairs
// inside their grace window.
func (s *KeyPairStore) ListVerifiable(ctx context.Context, productID string, now time.Time) ([]*ProductKeyPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_id, product_id, tenant_id, public_key_pem, private_key_ref, fingerprint, key_size, status, created_at, rotated_at, verify_until
		FROM key_pairs
		WHERE product_id = ? AND (status = ? OR (status = ? AND verify_until IS NOT NULL AND verify_until > ?))
		ORDER BY created_at DESC
	`, productID, KeyPairStatusLive, KeyPairStatusRetired, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pairs := []*ProductKeyPair{}
	for rows.Next() {
		pair, err := scanKeyPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// HasLive reports whether the product currently has a live pair.
func (s *KeyPairStore) HasLive(ctx context.Context, productID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM key_pairs WHERE product_id = ? AND status = ?",
		productID, KeyPairStatusLive,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *KeyPairStore) getOne(ctx context.Context, query string, args ...any) (*ProductKeyPair, error) {
	pair, err := scanKeyPair(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyPairNotFound
	}
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func scanKeyPair(row rowScanner) (*ProductKeyPair, error) {
	var pair ProductKeyPair
	var rotatedAt, verifyUntil sql.NullTime
	err := row.Scan(
		&pair.ID,
		&pair.KeyID,
		&pair.ProductID,
		&pair.TenantID,
		&pair.PublicKeyPEM,
		&pair.PrivateKeyRef,
		&pair.Fingerprint,
		&pair.KeySize,
		&pair.Status,
		&pair.CreatedAt,
		&rotatedAt,
		&verifyUntil,
	)
	if err != nil {
		return nil, err
	}
	if rotatedAt.Valid {
		pair.RotatedAt = &rotatedAt.Time
	}
	if verifyUntil.Valid {
		pair.VerifyUntil = &verifyUntil.Time
	}
	return &pair, nil
}
