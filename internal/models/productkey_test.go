// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

func staticSignFn(signature string) func(time.Time) (string, error) {
	return func(time.Time) (string, error) {
		return signature, nil
	}
}

func newTestProductKey(maxActivations int) *models.ProductKey {
	now := time.Now().UTC()
	return &models.ProductKey{
		Key:            "TWF-TEST-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		ProductID:      "widget-pro",
		ConsumerID:     "CUST-1",
		ValidFrom:      now.Add(-time.Hour),
		ValidTo:        now.Add(24 * time.Hour),
		MaxActivations: maxActivations,
	}
}

func TestProductKeyCreateAndGet(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(3)
	key.Metadata = map[string]string{"channel": "retail"}
	require.NoError(t, store.Create(ctx, key))

	got, err := store.GetByKey(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, models.ProductKeyStatusPending, got.Status)
	assert.Equal(t, 0, got.CurrentActivations)
	assert.Equal(t, 3, got.MaxActivations)
	assert.Equal(t, map[string]string{"channel": "retail"}, got.Metadata)

	_, err = store.GetByKey(ctx, "TWF-NOPE")
	assert.ErrorIs(t, err, models.ErrProductKeyNotFound)
}

func TestClaimActivationTransitionsAndSigns(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(2)
	require.NoError(t, store.Create(ctx, key))

	pk, sig, err := store.ClaimActivation(ctx, key.Key, "device-1", 365*24*time.Hour, staticSignFn("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)
	assert.Equal(t, models.ProductKeyStatusActive, pk.Status)
	assert.Equal(t, 1, pk.CurrentActivations)
	require.NotNil(t, pk.ActivationDate)
	require.NotNil(t, pk.ActivationEndDate)
	require.NotNil(t, pk.ActivationSignature)
	assert.Equal(t, "sig-1", *pk.ActivationSignature)

	// Second activation keeps the original window and first signature.
	firstDate := *pk.ActivationDate
	pk2, _, err := store.ClaimActivation(ctx, key.Key, "device-2", 365*24*time.Hour, staticSignFn("sig-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, pk2.CurrentActivations)
	assert.True(t, firstDate.Equal(*pk2.ActivationDate))
	assert.Equal(t, "sig-1", *pk2.ActivationSignature)
}

func TestClaimActivationSameDeviceReturnsExistingRecord(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(2)
	require.NoError(t, store.Create(ctx, key))

	_, sig, err := store.ClaimActivation(ctx, key.Key, "device-1", time.Hour, staticSignFn("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)

	// Repeating the claim for the same device neither signs again nor
	// consumes a slot.
	pk, sig, err := store.ClaimActivation(ctx, key.Key, "device-1", time.Hour, staticSignFn("sig-other"))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)
	assert.Equal(t, 1, pk.CurrentActivations)

	// The spare slot is still claimable by a different device.
	pk, sig, err = store.ClaimActivation(ctx, key.Key, "device-2", time.Hour, staticSignFn("sig-2"))
	require.NoError(t, err)
	assert.Equal(t, "sig-2", sig)
	assert.Equal(t, 2, pk.CurrentActivations)
}

func TestClaimActivationEnforcesQuota(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(1)
	require.NoError(t, store.Create(ctx, key))

	_, _, err := store.ClaimActivation(ctx, key.Key, "device-1", time.Hour, staticSignFn("sig-1"))
	require.NoError(t, err)

	_, _, err = store.ClaimActivation(ctx, key.Key, "device-2", time.Hour, staticSignFn("sig-2"))
	assert.ErrorIs(t, err, models.ErrNoActivationSlot)

	got, err := store.GetByKey(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentActivations)
}

func TestClaimActivationConcurrentNeverOversubscribes(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	const quota = 3
	const contenders = 10

	key := newTestProductKey(quota)
	require.NoError(t, store.Create(ctx, key))

	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := range contenders {
		wg.Add(1)
		go func(device int) {
			defer wg.Done()
			_, _, err := store.ClaimActivation(ctx, key.Key, fmt.Sprintf("device-%d", device),
				time.Hour, staticSignFn(fmt.Sprintf("sig-%d", device)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrNoActivationSlot)
		}
	}
	assert.Equal(t, quota, succeeded)

	got, err := store.GetByKey(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, quota, got.CurrentActivations)
}

func TestClaimActivationOutsideValidityWindow(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(1)
	key.ValidFrom = time.Now().UTC().Add(time.Hour)
	key.ValidTo = time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, store.Create(ctx, key))

	_, _, err := store.ClaimActivation(ctx, key.Key, "device-1", time.Hour, staticSignFn("sig"))
	assert.ErrorIs(t, err, models.ErrNoActivationSlot)
}

func TestReleaseActivationFloorsAtZero(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(2)
	require.NoError(t, store.Create(ctx, key))

	_, _, err := store.ClaimActivation(ctx, key.Key, "device-1", time.Hour, staticSignFn("sig-1"))
	require.NoError(t, err)

	pk, err := store.ReleaseActivation(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, 0, pk.CurrentActivations)
	assert.Equal(t, models.ProductKeyStatusInactive, pk.Status)

	// Inactive keys have nothing left to release.
	_, err = store.ReleaseActivation(ctx, key.Key)
	assert.ErrorIs(t, err, models.ErrNoActivationSlot)
}

func TestGetActivationBySignature(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(2)
	require.NoError(t, store.Create(ctx, key))

	_, _, err := store.ClaimActivation(ctx, key.Key, "device-7", time.Hour, staticSignFn("proof-7"))
	require.NoError(t, err)

	activation, pk, err := store.GetActivationBySignature(ctx, "proof-7")
	require.NoError(t, err)
	assert.Equal(t, "device-7", activation.DeviceID)
	assert.Equal(t, key.Key, pk.Key)

	_, _, err = store.GetActivationBySignature(ctx, "no-such-proof")
	assert.ErrorIs(t, err, models.ErrActivationNotFound)
}

func TestExpireOnlyFromActivatableStates(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(1)
	require.NoError(t, store.Create(ctx, key))

	applied, err := store.Expire(ctx, key.Key)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetByKey(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, models.ProductKeyStatusExpired, got.Status)

	// A revoked key stays revoked even when a stale reader tries to
	// expire it.
	revoked := newTestProductKey(1)
	require.NoError(t, store.Create(ctx, revoked))
	require.NoError(t, store.SetStatus(ctx, revoked.Key, models.ProductKeyStatusRevoked))

	applied, err = store.Expire(ctx, revoked.Key)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = store.GetByKey(ctx, revoked.Key)
	require.NoError(t, err)
	assert.Equal(t, models.ProductKeyStatusRevoked, got.Status)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	store := models.NewProductKeyStore(testdb.Open(t))
	ctx := context.Background()

	key := newTestProductKey(1)
	require.NoError(t, store.Create(ctx, key))

	require.NoError(t, store.SetStatus(ctx, key.Key, models.ProductKeyStatusRevoked))
	got, err := store.GetByKey(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, models.ProductKeyStatusRevoked, got.Status)

	assert.ErrorIs(t, store.SetStatus(ctx, "TWF-NOPE", models.ProductKeyStatusRevoked), models.ErrProductKeyNotFound)
}
