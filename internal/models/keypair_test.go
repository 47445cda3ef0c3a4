// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

func newTestKeyPair(productID string, n int) *models.ProductKeyPair {
	return &models.ProductKeyPair{
		KeyID:         fmt.Sprintf("key-%s-%d", productID, n),
		ProductID:     productID,
		PublicKeyPEM:  fmt.Sprintf("-----BEGIN PUBLIC KEY-----\npem-%d\n-----END PUBLIC KEY-----\n", n),
		PrivateKeyRef: fmt.Sprintf("keypair/%s/%d", productID, n),
		Fingerprint:   fmt.Sprintf("fp-%s-%d", productID, n),
		KeySize:       2048,
	}
}

func TestKeyPairCreateAndGetLive(t *testing.T) {
	t.Parallel()

	store := models.NewKeyPairStore(testdb.Open(t))
	ctx := context.Background()

	_, err := store.GetLive(ctx, "prod-1")
	assert.ErrorIs(t, err, models.ErrKeyPairNotFound)

	pair := newTestKeyPair("prod-1", 1)
	require.NoError(t, store.Create(ctx, pair, nil))
	assert.Equal(t, models.KeyPairStatusLive, pair.Status)

	got, err := store.GetLive(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, pair.KeyID, got.KeyID)
	assert.Equal(t, pair.Fingerprint, got.Fingerprint)
	assert.Equal(t, 2048, got.KeySize)

	has, err := store.HasLive(ctx, "prod-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = store.HasLive(ctx, "prod-other")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestKeyPairRotationRetiresPrevious(t *testing.T) {
	t.Parallel()

	store := models.NewKeyPairStore(testdb.Open(t))
	ctx := context.Background()

	first := newTestKeyPair("prod-1", 1)
	require.NoError(t, store.Create(ctx, first, nil))

	grace := time.Now().UTC().Add(30 * 24 * time.Hour)
	second := newTestKeyPair("prod-1", 2)
	require.NoError(t, store.Create(ctx, second, &grace))

	live, err := store.GetLive(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, live.KeyID)

	retired, err := store.GetByFingerprint(ctx, first.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, models.KeyPairStatusRetired, retired.Status)
	require.NotNil(t, retired.RotatedAt)
	require.NotNil(t, retired.VerifyUntil)
	assert.WithinDuration(t, grace, *retired.VerifyUntil, time.Second)
}

func TestKeyPairListVerifiable(t *testing.T) {
	t.Parallel()

	store := models.NewKeyPairStore(testdb.Open(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestKeyPair("prod-1", 1), nil))

	// Rotate with the first pair's grace already elapsed.
	expired := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, newTestKeyPair("prod-1", 2), &expired))

	// Rotate again with an open grace window for the second pair.
	grace := time.Now().UTC().Add(24 * time.Hour)
	third := newTestKeyPair("prod-1", 3)
	require.NoError(t, store.Create(ctx, third, &grace))

	pairs, err := store.ListVerifiable(ctx, "prod-1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, third.KeyID, pairs[0].KeyID)
	assert.Equal(t, "key-prod-1-2", pairs[1].KeyID)
}

func TestSignedLicenseStore(t *testing.T) {
	t.Parallel()

	store := models.NewLicenseStore(testdb.Open(t))
	ctx := context.Background()

	license := &models.SignedLicense{
		LicenseID:   "LIC-1",
		ProductID:   "prod-1",
		ConsumerID:  "consumer-1",
		Payload:     "cGF5bG9hZA==",
		Signature:   "c2lnbmF0dXJl",
		Fingerprint: "fp-1",
		Algorithm:   "RSA-SHA256-PKCS1v15",
	}
	require.NoError(t, store.Create(ctx, license))
	assert.False(t, license.IssuedAt.IsZero())

	got, err := store.GetByLicenseID(ctx, "LIC-1")
	require.NoError(t, err)
	assert.Equal(t, license.Payload, got.Payload)
	assert.Equal(t, license.Signature, got.Signature)
	assert.Equal(t, license.Fingerprint, got.Fingerprint)

	_, err = store.GetByLicenseID(ctx, "LIC-404")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	second := &models.SignedLicense{
		LicenseID:   "LIC-2",
		ProductID:   "prod-1",
		ConsumerID:  "consumer-2",
		Payload:     "cGF5bG9hZDI=",
		Signature:   "c2ln",
		Fingerprint: "fp-1",
		Algorithm:   "RSA-SHA256-PKCS1v15",
	}
	require.NoError(t, store.Create(ctx, second))

	licenses, err := store.ListByProduct(ctx, "", "prod-1")
	require.NoError(t, err)
	assert.Len(t, licenses, 2)
}
