// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package activation_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/secrets"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/activation"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/issuer"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

type testEnv struct {
	service     *activation.Service
	issuer      *issuer.Service
	activations *models.LicenseActivationStore
}

func newTestEnv(t *testing.T, policy activation.Policy) *testEnv {
	t.Helper()

	db := testdb.Open(t)

	encryptionKey := make([]byte, 32)
	_, err := rand.Read(encryptionKey)
	require.NoError(t, err)

	sealer, err := crypto.NewSealer(encryptionKey)
	require.NoError(t, err)

	keys := keymanager.NewService(models.NewKeyPairStore(db), secrets.NewDBStore(db, sealer), 0)
	_, err = keys.GenerateKeyPair(context.Background(), "prod-1", 2048)
	require.NoError(t, err)

	licenses := models.NewLicenseStore(db)
	activations := models.NewLicenseActivationStore(db)

	return &testEnv{
		service:     activation.NewService(licenses, activations, models.NewOfflineRequestStore(db), keys, policy),
		issuer:      issuer.NewService(keys, licenses),
		activations: activations,
	}
}

func issueLicense(t *testing.T, env *testEnv, validFor time.Duration) string {
	t.Helper()

	now := time.Now().UTC()
	license, err := env.issuer.GenerateLicense(context.Background(), issuer.LicenseRequest{
		ProductID:  "prod-1",
		ConsumerID: "consumer-1",
		Licensee:   "Acme Corp",
		ValidFrom:  now.Add(-time.Hour),
		ValidTo:    now.Add(validFor),
	})
	require.NoError(t, err)
	return license.LicenseID
}

func assertCode(t *testing.T, err error, want serviceerror.Code) {
	t.Helper()

	code, ok := serviceerror.CodeOf(err)
	require.True(t, ok, "expected a coded error, got: %v", err)
	assert.Equal(t, want, code)
}

var defaultPolicy = activation.Policy{
	ActivationValidity: 30 * 24 * time.Hour,
	RenewalWarning:     7 * 24 * time.Hour,
}

func TestActivateLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	resp, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "workstation")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActive, resp.Status)
	assert.NotEmpty(t, resp.ActivationToken)
	assert.Contains(t, resp.ActivationID, "ACT-")

	// Activation validity is shorter than the license, so it caps the expiry.
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), resp.ExpiresAt, time.Minute)
}

func TestActivateLicenseExpiryCappedByLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 48*time.Hour)

	resp, err := env.service.ActivateLicense(context.Background(), licenseID, "device-1", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(48*time.Hour), resp.ExpiresAt, time.Minute)
}

func TestActivateLicenseAlreadyActivated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	_, err = env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	assertCode(t, err, serviceerror.CodeAlreadyActivated)

	// A different device is unaffected.
	_, err = env.service.ActivateLicense(ctx, licenseID, "device-2", "")
	require.NoError(t, err)
}

func TestActivateLicenseReactivationPolicy(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy
	policy.AllowReactivation = true
	env := newTestEnv(t, policy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	first, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	second, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ActivationToken, second.ActivationToken)
}

func TestActivateExpiredLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	ctx := context.Background()

	now := time.Now().UTC()
	license, err := env.issuer.GenerateLicense(ctx, issuer.LicenseRequest{
		ProductID:  "prod-1",
		ConsumerID: "consumer-1",
		ValidFrom:  now.Add(-48 * time.Hour),
		ValidTo:    now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = env.service.ActivateLicense(ctx, license.LicenseID, "device-1", "")
	assertCode(t, err, serviceerror.CodeExpired)
}

func TestActivateUnknownLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)

	_, err := env.service.ActivateLicense(context.Background(), "LIC-404", "device-1", "")
	assertCode(t, err, serviceerror.CodeNotFound)
}

func TestValidateActiveLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	status, err := env.service.ValidateActiveLicense(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.True(t, status.IsValid)
	assert.Equal(t, models.ActivationStatusActive, status.ActivationState)
	assert.Equal(t, 29, status.DaysUntilExpiry)
	assert.Empty(t, status.Warnings)
}

func TestValidateRenewalWarning(t *testing.T) {
	t.Parallel()

	// A short license forces the expiry inside the warning window.
	env := newTestEnv(t, activation.Policy{
		ActivationValidity: 30 * 24 * time.Hour,
		RenewalWarning:     7 * 24 * time.Hour,
	})
	licenseID := issueLicense(t, env, 48*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	status, err := env.service.ValidateActiveLicense(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.True(t, status.IsValid)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "expires soon")
}

func TestValidateLazilyExpiresActivation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	// Seed an activation whose period already ended.
	now := time.Now().UTC()
	require.NoError(t, env.activations.Upsert(ctx, &models.LicenseActivation{
		ActivationID:    "ACT-test",
		LicenseID:       licenseID,
		DeviceID:        "device-1",
		ActivationToken: "token",
		Status:          models.ActivationStatusActive,
		ActivatedAt:     now.Add(-48 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
		LastHeartbeat:   now.Add(-time.Hour),
	}))

	status, err := env.service.ValidateActiveLicense(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.False(t, status.IsValid)
	assert.Equal(t, models.ActivationStatusExpired, status.ActivationState)

	stored, err := env.activations.Get(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusExpired, stored.Status)
}

func TestDeactivateLicense(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	require.NoError(t, env.service.DeactivateLicense(ctx, licenseID, "device-1", "machine retired"))

	stored, err := env.activations.Get(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusDeactivated, stored.Status)
	require.NotNil(t, stored.DeactivationReason)
	assert.Equal(t, "machine retired", *stored.DeactivationReason)

	// Deactivating again surfaces the terminal state.
	err = env.service.DeactivateLicense(ctx, licenseID, "device-1", "")
	assertCode(t, err, serviceerror.CodeNotActive)
}

func TestDeactivateUnknownActivation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)

	err := env.service.DeactivateLicense(context.Background(), licenseID, "device-404", "")
	assertCode(t, err, serviceerror.CodeNotFound)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	before, err := env.activations.Get(ctx, licenseID, "device-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, env.service.Heartbeat(ctx, licenseID, "device-1"))

	after, err := env.activations.Get(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))

	err = env.service.Heartbeat(ctx, licenseID, "device-404")
	assertCode(t, err, serviceerror.CodeNotFound)
}

func TestTrackUsage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-1", "")
	require.NoError(t, err)

	require.NoError(t, env.service.TrackUsage(ctx, licenseID, "device-1", "api-call", map[string]string{"endpoint": "/v1/widgets"}))

	err = env.service.TrackUsage(ctx, licenseID, "device-1", "", nil)
	assertCode(t, err, serviceerror.CodeInvalidRequest)

	err = env.service.TrackUsage(ctx, licenseID, "device-404", "api-call", nil)
	assertCode(t, err, serviceerror.CodeNotFound)
}

func TestReclaimStaleActivations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	_, err := env.service.ActivateLicense(ctx, licenseID, "device-fresh", "")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, env.activations.Upsert(ctx, &models.LicenseActivation{
		ActivationID:    "ACT-stale",
		LicenseID:       licenseID,
		DeviceID:        "device-stale",
		ActivationToken: "token",
		Status:          models.ActivationStatusActive,
		ActivatedAt:     now.Add(-72 * time.Hour),
		ExpiresAt:       now.Add(24 * time.Hour),
		LastHeartbeat:   now.Add(-72 * time.Hour),
	}))

	reclaimed, err := env.service.ReclaimStaleActivations(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	stored, err := env.activations.Get(ctx, licenseID, "device-stale")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusExpired, stored.Status)

	fresh, err := env.activations.Get(ctx, licenseID, "device-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActive, fresh.Status)

	// Non-positive cutoff disables reclamation.
	reclaimed, err = env.service.ReclaimStaleActivations(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestOfflineActivationRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	blob, err := env.service.GenerateOfflineActivationRequest(ctx, licenseID, "device-1", "fp-abc123")
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	resp, err := env.service.ProcessOfflineActivationResponse(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActive, resp.Status)

	stored, err := env.activations.Get(ctx, licenseID, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "offline:fp-abc123", stored.DeviceInfo)

	// A challenge activates exactly once.
	_, err = env.service.ProcessOfflineActivationResponse(ctx, blob)
	assertCode(t, err, serviceerror.CodeAlreadyActivated)
}

func TestOfflineActivationFailureKeepsChallengeUsable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	blob, err := env.service.GenerateOfflineActivationRequest(ctx, licenseID, "device-1", "fp-abc123")
	require.NoError(t, err)

	// The device activates online before the offline response lands, so
	// redemption fails.
	_, err = env.service.ActivateLicense(ctx, licenseID, "device-1", "workstation")
	require.NoError(t, err)

	_, err = env.service.ProcessOfflineActivationResponse(ctx, blob)
	assertCode(t, err, serviceerror.CodeAlreadyActivated)

	// The failure must not consume the challenge; once the online
	// activation is released, the same blob redeems.
	require.NoError(t, env.service.DeactivateLicense(ctx, licenseID, "device-1", "switching to offline"))

	resp, err := env.service.ProcessOfflineActivationResponse(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStatusActive, resp.Status)

	// Now it is spent.
	_, err = env.service.ProcessOfflineActivationResponse(ctx, blob)
	assertCode(t, err, serviceerror.CodeAlreadyActivated)
}

func TestOfflineActivationRejectsGarbage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	ctx := context.Background()

	_, err := env.service.ProcessOfflineActivationResponse(ctx, "not base64!!!")
	assertCode(t, err, serviceerror.CodeInvalidRequest)

	_, err = env.service.ProcessOfflineActivationResponse(ctx, "bm90IGpzb24=")
	assertCode(t, err, serviceerror.CodeInvalidRequest)
}

func TestOfflineActivationDeviceBinding(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultPolicy)
	licenseID := issueLicense(t, env, 365*24*time.Hour)
	ctx := context.Background()

	blob, err := env.service.GenerateOfflineActivationRequest(ctx, licenseID, "device-1", "fp-abc123")
	require.NoError(t, err)

	// Swap the fingerprint inside the blob; the stored request no longer
	// matches and the response is rejected.
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	tampered := base64.StdEncoding.EncodeToString(
		bytes.Replace(raw, []byte("fp-abc123"), []byte("fp-evil99"), 1))

	_, err = env.service.ProcessOfflineActivationResponse(ctx, tampered)
	assertCode(t, err, serviceerror.CodeInvalidSignature)
}
