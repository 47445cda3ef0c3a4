// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/auth"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

func TestHashAPIKey(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashAPIKey("secret-key")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := auth.VerifyAPIKey("secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Salted hashes differ even for identical input.
	again, err := auth.HashAPIKey("secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestVerifyAPIKeyMalformedHash(t *testing.T) {
	t.Parallel()

	_, err := auth.VerifyAPIKey("key", "not-a-hash")
	assert.ErrorIs(t, err, auth.ErrInvalidHashFormat)

	_, err = auth.VerifyAPIKey("key", "$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, auth.ErrIncompatibleHash)

	_, err = auth.VerifyAPIKey("key", "$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, auth.ErrIncompatibleVersion)
}

func TestServiceCreateAndValidate(t *testing.T) {
	t.Parallel()

	store := models.NewAPIKeyStore(testdb.Open(t))
	service := auth.NewService(store)
	ctx := context.Background()

	rawKey, apiKey, err := service.CreateAPIKey(ctx, "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, rawKey)
	assert.Equal(t, "ci", apiKey.Name)
	assert.NotEqual(t, rawKey, apiKey.KeyHash)

	validated, err := service.ValidateAPIKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, apiKey.ID, validated.ID)

	_, err = service.ValidateAPIKey(ctx, "bogus")
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)

	_, err = service.ValidateAPIKey(ctx, "")
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)

	// Successful validation records usage.
	keys, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}
