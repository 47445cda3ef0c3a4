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

var ErrLicenseNotFound = errors.New("license not found")

// SignedLicense is an issued license artifact. Payload is the base64
// canonical payload and Signature the base64 signature over its SHA-256
// digest; both are immutable once issued.
type SignedLicense struct {
	IssuedAt   time.Time `json:"issuedAt"`
	LicenseID  string    `json:"licenseId"`
	TenantID   string    `json:"tenantId,omitempty"`
	ProductID  string    `json:"productId"`
	ConsumerID string    `json:"consumerId"`
	Payload    string    `json:"payload"`
	Signature  string    `json:"signature"`
	// Fingerprint identifies the signing key so verifiers can resolve the
	// right public key across rotations.
	Fingerprint string `json:"keyFingerprint"`
	Algorithm   string `json:"algorithm"`
	ID          int    `json:"id"`
}

type LicenseStore struct {
	db dbinterface.Querier
}

func NewLicenseStore(db dbinterface.Querier) *LicenseStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &LicenseStore{db: db}
}

func (s *LicenseStore) Create(ctx context.Context, license *SignedLicense) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signed_licenses (license_id, tenant_id, product_id, consumer_id, payload, signature, fingerprint, algorithm, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, license.LicenseID, license.TenantID, license.ProductID, license.ConsumerID,
		license.Payload, license.Signature, license.Fingerprint, license.Algorithm, now)
	if err != nil {
		return err
	}
	license.IssuedAt = now
	return nil
}

func (s *LicenseStore) GetByLicenseID(ctx context.Context, licenseID string) (*SignedLicense, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, license_id, tenant_id, product_id, consumer_id, payload, signature, fingerprint, algorithm, issued_at
		FROM signed_licenses
		WHERE license_id = ?
	`, licenseID)

	var license SignedLicense
	err := row.Scan(
		&license.ID,
		&license.LicenseID,
		&license.TenantID,
		&license.ProductID,
		&license.ConsumerID,
		&license.Payload,
		&license.Signature,
		&license.Fingerprint,
		&license.Algorithm,
		&license.IssuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &license, nil
}

// ListByProduct returns issued licenses for a product, newest first,
// optionally scoped to a tenant.
func (s *LicenseStore) ListByProduct(ctx context.Context, tenantID, productID string) ([]*SignedLicense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, license_id, tenant_id, product_id, consumer_id, payload, signature, fingerprint, algorithm, issued_at
		FROM signed_licenses
		WHERE product_id = ? AND (? = '' OR tenant_id = ?)
		ORDER BY issued_at DESC
	`, productID, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := []*SignedLicense{}
	for rows.Next() {
		var license SignedLicense
		err = rows.Scan(
			&license.ID,
			&license.LicenseID,
			&license.TenantID,
			&license.ProductID,
			&license.ConsumerID,
			&license.Payload,
			&license.Signature,
			&license.Fingerprint,
			&license.Algorithm,
			&license.IssuedAt,
		)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, &license)
	}
	return licenses, rows.Err()
}
