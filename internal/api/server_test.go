// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/api"
	"github.com/tyfweb/twf-license-management-sub000/internal/auth"
	"github.com/tyfweb/twf-license-management-sub000/internal/config"
	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/secrets"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/activation"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/approvals"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/issuer"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/registry"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

type testServer struct {
	ts     *httptest.Server
	apiKey string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db := testdb.Open(t)

	encryptionKey := make([]byte, 32)
	_, err := rand.Read(encryptionKey)
	require.NoError(t, err)

	sealer, err := crypto.NewSealer(encryptionKey)
	require.NoError(t, err)

	keys := keymanager.NewService(models.NewKeyPairStore(db), secrets.NewDBStore(db, sealer), 0)
	licenses := models.NewLicenseStore(db)
	authService := auth.NewService(models.NewAPIKeyStore(db))

	rawKey, _, err := authService.CreateAPIKey(context.Background(), "test")
	require.NoError(t, err)

	cfg := &config.AppConfig{Config: &domain.Config{
		Host:           "127.0.0.1",
		Port:           0,
		DefaultKeySize: 2048,
	}}

	server := api.NewServer(&api.Dependencies{
		Config:      cfg,
		DB:          db,
		AuthService: authService,
		KeyManager:  keys,
		Issuer:      issuer.NewService(keys, licenses),
		Registry:    registry.NewService(models.NewProductKeyStore(db), keys, 30*24*time.Hour),
		ActivationService: activation.NewService(licenses, models.NewLicenseActivationStore(db),
			models.NewOfflineRequestStore(db), keys, activation.Policy{
				ActivationValidity: 30 * 24 * time.Hour,
				RenewalWarning:     7 * 24 * time.Hour,
			}),
		Approvals: approvals.NewService(models.NewApprovalStore(db)),
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, apiKey: rawKey}
}

func (s *testServer) do(t *testing.T, method, path string, body any, admin bool) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func decode(t *testing.T, raw []byte, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestHealthAndVersion(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodGet, "/api/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	decode(t, raw, &health)
	assert.Equal(t, "healthy", health["status"])

	resp, raw = s.do(t, http.MethodGet, "/api/version", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var version map[string]string
	decode(t, raw, &version)
	assert.NotEmpty(t, version["version"])
}

func TestAdminRoutesRequireAPIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]string{"productId": "prod-1"}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/productkey/register",
		strings.NewReader(`{"productId":"p"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "wrong-key")
	resp2, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestKeyGenerationEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1"}, true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var keyResp map[string]any
	decode(t, raw, &keyResp)
	assert.Contains(t, keyResp["publicKey"], "BEGIN PUBLIC KEY")
	assert.Equal(t, float64(2048), keyResp["keySize"])

	resp, raw = s.do(t, http.MethodGet, "/api/keys/prod-1/public", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(raw), "BEGIN PUBLIC KEY")

	// Rotating before generating fails for an unknown product.
	resp, _ = s.do(t, http.MethodPost, "/api/keys/rotate",
		map[string]any{"productId": "prod-never-seen"}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1", "keySize": 1111}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProductKeyLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	_, _ = s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1"}, true)

	now := time.Now().UTC()
	resp, raw := s.do(t, http.MethodPost, "/api/productkey/register", map[string]any{
		"productId":      "prod-1",
		"consumerId":     "consumer-1",
		"validFrom":      now.Add(-time.Hour).Format(time.RFC3339),
		"validTo":        now.Add(24 * time.Hour).Format(time.RFC3339),
		"maxActivations": 1,
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var created models.ProductKey
	decode(t, raw, &created)
	assert.True(t, strings.HasPrefix(created.Key, "TWF-"))

	resp, raw = s.do(t, http.MethodPost, "/api/productkey/activate", map[string]string{
		"key":      created.Key,
		"deviceId": "device-1",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var result registry.ActivationResult
	decode(t, raw, &result)
	assert.NotEmpty(t, result.Signature)
	assert.Equal(t, 1, result.Key.CurrentActivations)

	// The quota of one is exhausted.
	resp, raw = s.do(t, http.MethodPost, "/api/productkey/activate", map[string]string{
		"key":      created.Key,
		"deviceId": "device-2",
	}, false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp map[string]string
	decode(t, raw, &errResp)
	assert.Equal(t, "QUOTA_EXCEEDED", errResp["code"])

	resp, raw = s.do(t, http.MethodGet, "/api/productkey/validate/"+created.Key, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var validation registry.ValidationResult
	decode(t, raw, &validation)
	assert.True(t, validation.IsValid)
	assert.Equal(t, 1, validation.CurrentActivations)

	resp, _ = s.do(t, http.MethodPost, "/api/productkey/revoke", map[string]string{
		"key":    created.Key,
		"reason": "refund",
	}, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = s.do(t, http.MethodGet, "/api/productkey/validate/"+created.Key, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, raw, &validation)
	assert.False(t, validation.IsValid)
	assert.Equal(t, models.ProductKeyStatusRevoked, validation.Status)
}

func TestActivationLookupBySignatureOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	_, _ = s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1"}, true)

	now := time.Now().UTC()
	_, raw := s.do(t, http.MethodPost, "/api/productkey/register", map[string]any{
		"productId":      "prod-1",
		"consumerId":     "consumer-1",
		"validFrom":      now.Add(-time.Hour).Format(time.RFC3339),
		"validTo":        now.Add(24 * time.Hour).Format(time.RFC3339),
		"maxActivations": 1,
	}, true)

	var created models.ProductKey
	decode(t, raw, &created)

	resp, raw := s.do(t, http.MethodPost, "/api/productkey/activate", map[string]string{
		"key":      created.Key,
		"deviceId": "device-1",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var result registry.ActivationResult
	decode(t, raw, &result)
	require.NotEmpty(t, result.Signature)

	// Proof signatures ride in the path, so they must never need escaping.
	assert.Equal(t, result.Signature, url.PathEscape(result.Signature))

	resp, raw = s.do(t, http.MethodGet, "/api/productkey/activation/"+result.Signature, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var lookup struct {
		Activation models.ProductKeyActivation `json:"activation"`
		ProductKey models.ProductKey           `json:"productKey"`
	}
	decode(t, raw, &lookup)
	assert.Equal(t, "device-1", lookup.Activation.DeviceID)
	assert.Equal(t, result.Signature, lookup.Activation.Signature)
	assert.Equal(t, created.Key, lookup.ProductKey.Key)
}

func TestLicenseIssueAndActivateOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	_, _ = s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1"}, true)

	now := time.Now().UTC()
	resp, raw := s.do(t, http.MethodPost, "/api/licenses/issue", map[string]any{
		"productId":  "prod-1",
		"consumerId": "consumer-1",
		"licensee":   "Acme Corp",
		"validFrom":  now.Add(-time.Hour).Format(time.RFC3339),
		"validTo":    now.Add(365 * 24 * time.Hour).Format(time.RFC3339),
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var license models.SignedLicense
	decode(t, raw, &license)
	assert.NotEmpty(t, license.LicenseID)
	assert.NotEmpty(t, license.Signature)

	// Fetch the raw record, then a rendered artifact.
	resp, _ = s.do(t, http.MethodGet, "/api/licenses/"+license.LicenseID, nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = s.do(t, http.MethodGet, "/api/licenses/?productId=prod-1", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued []models.SignedLicense
	decode(t, raw, &issued)
	require.Len(t, issued, 1)
	assert.Equal(t, license.LicenseID, issued[0].LicenseID)

	resp, _ = s.do(t, http.MethodGet, "/api/licenses/", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = s.do(t, http.MethodGet, "/api/licenses/"+license.LicenseID+"?format=lic", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "BEGIN PAYLOAD")

	resp, raw = s.do(t, http.MethodPost, "/api/activation/activate", map[string]string{
		"licenseId": license.LicenseID,
		"deviceId":  "device-1",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var actResp activation.Response
	decode(t, raw, &actResp)
	assert.NotEmpty(t, actResp.ActivationToken)

	resp, raw = s.do(t, http.MethodPost, "/api/activation/validate", map[string]string{
		"licenseId": license.LicenseID,
		"deviceId":  "device-1",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status activation.Status
	decode(t, raw, &status)
	assert.True(t, status.IsValid)

	resp, _ = s.do(t, http.MethodPost, "/api/activation/heartbeat", map[string]string{
		"licenseId": license.LicenseID,
		"deviceId":  "device-1",
	}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/activation/deactivate", map[string]string{
		"licenseId": license.LicenseID,
		"deviceId":  "device-1",
	}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Re-activating the same device once more is rejected.
	resp, _ = s.do(t, http.MethodPost, "/api/activation/activate", map[string]string{
		"licenseId": license.LicenseID,
		"deviceId":  "device-2",
	}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOfflineActivationOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	_, _ = s.do(t, http.MethodPost, "/api/keys/generate",
		map[string]any{"productId": "prod-1"}, true)

	now := time.Now().UTC()
	_, raw := s.do(t, http.MethodPost, "/api/licenses/issue", map[string]any{
		"productId":  "prod-1",
		"consumerId": "consumer-1",
		"validFrom":  now.Add(-time.Hour).Format(time.RFC3339),
		"validTo":    now.Add(365 * 24 * time.Hour).Format(time.RFC3339),
	}, true)

	var license models.SignedLicense
	decode(t, raw, &license)

	resp, raw := s.do(t, http.MethodPost, "/api/activation/offline/request", map[string]string{
		"licenseId":         license.LicenseID,
		"deviceId":          "device-1",
		"deviceFingerprint": "fp-1",
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var offline map[string]string
	decode(t, raw, &offline)
	require.NotEmpty(t, offline["activationRequest"])

	resp, raw = s.do(t, http.MethodPost, "/api/activation/offline/activate", map[string]string{
		"activationRequest": offline["activationRequest"],
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	// Replaying the same blob fails.
	resp, _ = s.do(t, http.MethodPost, "/api/activation/offline/activate", map[string]string{
		"activationRequest": offline["activationRequest"],
	}, false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApprovalEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/api/approvals/consumer/submit", map[string]string{
		"entityId":    "consumer-1",
		"submittedBy": "sales",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, raw = s.do(t, http.MethodPost, "/api/approvals/consumer/approve", map[string]string{
		"entityId":  "consumer-1",
		"decidedBy": "ops",
		"note":      "verified",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var approval models.Approvable
	decode(t, raw, &approval)
	assert.Equal(t, models.ApprovalStatusApproved, approval.Status)

	resp, raw = s.do(t, http.MethodGet, "/api/approvals/consumer/consumer-1", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = s.do(t, http.MethodGet, "/api/approvals/?status=approved", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list []models.Approvable
	decode(t, raw, &list)
	assert.Len(t, list, 1)
}

func TestMalformedJSONRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/productkey/activate",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
