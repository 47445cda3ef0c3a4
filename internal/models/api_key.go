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

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey is an admin credential. Only the argon2id hash is stored.
type APIKey struct {
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	ID         int        `json:"id"`
}

type APIKeyStore struct {
	db dbinterface.Querier
}

func NewAPIKeyStore(db dbinterface.Querier) *APIKeyStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &APIKeyStore{db: db}
}

func (s *APIKeyStore) Create(ctx context.Context, name, keyHash string) (*APIKey, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (key_hash, name, created_at) VALUES (?, ?, ?)",
		keyHash, name, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &APIKey{ID: int(id), Name: name, KeyHash: keyHash, CreatedAt: now}, nil
}

// List returns all API keys; validation compares the presented key against
// each stored hash since argon2id hashes are salted.
func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, key_hash, name, created_at, last_used_at FROM api_keys")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		var key APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&key.ID, &key.KeyHash, &key.Name, &key.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	return err
}
