// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package secrets abstracts where private key material lives. The key
// manager only ever talks to a Store; swapping the database-backed
// implementation for an external KMS is a wiring change, not a code
// change in the crypto path.
package secrets

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/dbinterface"
)

var ErrSecretNotFound = errors.New("secret not found")

// Store persists named secrets. Values are opaque bytes; implementations
// are responsible for encryption at rest.
type Store interface {
	Put(ctx context.Context, name string, value []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// DBStore keeps secrets in the database, sealed with AES-GCM under the
// configured encryption key.
type DBStore struct {
	db     dbinterface.Querier
	sealer *crypto.Sealer
}

func NewDBStore(db dbinterface.Querier, sealer *crypto.Sealer) *DBStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if sealer == nil {
		panic("sealer cannot be nil")
	}
	return &DBStore{db: db, sealer: sealer}
}

func (s *DBStore) Put(ctx context.Context, name string, value []byte) error {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return errors.Wrap(err, "seal secret")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (name, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, sealed, now, now)
	return err
}

func (s *DBStore) Get(ctx context.Context, name string) ([]byte, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM secrets WHERE name = ?", name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}

	value, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "open secret")
	}
	return value, nil
}

func (s *DBStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", name)
	return err
}
