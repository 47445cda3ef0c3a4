// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

// Service validates admin credentials against stored argon2id hashes.
type Service struct {
	apiKeys *models.APIKeyStore
}

func NewService(apiKeys *models.APIKeyStore) *Service {
	if apiKeys == nil {
		panic("apiKeys cannot be nil")
	}
	return &Service{apiKeys: apiKeys}
}

// CreateAPIKey generates a new random admin API key, stores its hash, and
// returns the raw key. The raw value is never persisted.
func (s *Service) CreateAPIKey(ctx context.Context, name string) (string, *models.APIKey, error) {
	rawKey, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return "", nil, errors.Wrap(err, "generate api key")
	}

	hash, err := HashAPIKey(rawKey)
	if err != nil {
		return "", nil, errors.Wrap(err, "hash api key")
	}

	apiKey, err := s.apiKeys.Create(ctx, name, hash)
	if err != nil {
		return "", nil, errors.Wrap(err, "store api key")
	}

	log.Info().Str("name", name).Int("apiKeyID", apiKey.ID).Msg("Admin API key created")
	return rawKey, apiKey, nil
}

// ValidateAPIKey checks a presented key against all stored hashes.
// Hashes are salted, so each candidate has to be compared individually;
// admin key counts are small enough that this is not a hot path concern.
func (s *Service) ValidateAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if rawKey == "" {
		return nil, ErrInvalidAPIKey
	}

	keys, err := s.apiKeys.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list api keys")
	}

	for _, key := range keys {
		ok, err := VerifyAPIKey(rawKey, key.KeyHash)
		if err != nil {
			log.Warn().Err(err).Int("apiKeyID", key.ID).Msg("Skipping undecodable API key hash")
			continue
		}
		if ok {
			if err := s.apiKeys.TouchLastUsed(ctx, key.ID); err != nil {
				log.Warn().Err(err).Int("apiKeyID", key.ID).Msg("Failed to update API key last used timestamp")
			}
			return key, nil
		}
	}

	return nil, ErrInvalidAPIKey
}
