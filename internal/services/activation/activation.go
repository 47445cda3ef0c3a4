// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package activation manages device-bound license activations: online
// activation, validation with renewal warnings, heartbeats, usage
// tracking, and the offline challenge/response flow.
package activation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/pkg/licensesign"
)

// Policy holds the activation knobs taken from config.
type Policy struct {
	ActivationValidity time.Duration
	RenewalWarning     time.Duration
	AllowReactivation  bool
}

// Response is returned by a successful activation, online or offline.
type Response struct {
	ExpiresAt       time.Time `json:"expiresAt"`
	ActivationID    string    `json:"activationId"`
	ActivationToken string    `json:"activationToken"`
	Status          string    `json:"status"`
}

// Status is the read-side view of a device's activation.
type Status struct {
	ExpiresAt       time.Time `json:"expiresAt"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ActivationState string    `json:"status"`
	Warnings        []string  `json:"warnings,omitempty"`
	DaysUntilExpiry int       `json:"daysUntilExpiry"`
	IsValid         bool      `json:"isValid"`
}

// Service drives the license activation lifecycle.
type Service struct {
	licenses    *models.LicenseStore
	activations *models.LicenseActivationStore
	offline     *models.OfflineRequestStore
	signer      *keymanager.Service
	policy      Policy
}

func NewService(licenses *models.LicenseStore, activations *models.LicenseActivationStore, offline *models.OfflineRequestStore, signer *keymanager.Service, policy Policy) *Service {
	if licenses == nil {
		panic("licenses cannot be nil")
	}
	if activations == nil {
		panic("activations cannot be nil")
	}
	if offline == nil {
		panic("offline cannot be nil")
	}
	if signer == nil {
		panic("signer cannot be nil")
	}
	return &Service{
		licenses:    licenses,
		activations: activations,
		offline:     offline,
		signer:      signer,
		policy:      policy,
	}
}

// ActivateLicense binds the license to a device and returns an opaque
// activation token. Re-activating an already active device is rejected
// unless the reactivation policy allows refreshing it in place.
func (s *Service) ActivateLicense(ctx context.Context, licenseID, deviceID, deviceInfo string) (*Response, error) {
	if licenseID == "" || deviceID == "" {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "licenseId and deviceId are required")
	}

	fields, err := s.licenseFields(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := checkLicenseWindow(fields, now); err != nil {
		return nil, err
	}

	existing, err := s.activations.Get(ctx, licenseID, deviceID)
	if err != nil && !errors.Is(err, models.ErrLicenseActivationNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.ActivationStatusActive && !s.policy.AllowReactivation {
		return nil, serviceerror.New(serviceerror.CodeAlreadyActivated,
			"device is already activated for this license")
	}
	if existing != nil && existing.Status == models.ActivationStatusRevoked {
		return nil, serviceerror.New(serviceerror.CodeRevoked, "activation has been revoked")
	}

	token, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "generate activation token")
	}

	activation := &models.LicenseActivation{
		ActivationID:    "ACT-" + uuid.NewString(),
		LicenseID:       licenseID,
		DeviceID:        deviceID,
		DeviceInfo:      deviceInfo,
		ActivationToken: token,
		Status:          models.ActivationStatusActive,
		ActivatedAt:     now,
		ExpiresAt:       s.activationExpiry(fields, now),
		LastHeartbeat:   now,
	}
	if err := s.activations.Upsert(ctx, activation); err != nil {
		return nil, errors.Wrap(err, "store license activation")
	}

	log.Info().
		Str("licenseId", licenseID).
		Str("deviceId", deviceID).
		Str("activationId", activation.ActivationID).
		Time("expiresAt", activation.ExpiresAt).
		Msg("License activated")

	return &Response{
		ActivationID:    activation.ActivationID,
		ActivationToken: activation.ActivationToken,
		ExpiresAt:       activation.ExpiresAt,
		Status:          activation.Status,
	}, nil
}

// ValidateActiveLicense reports whether the device's activation is
// currently usable. Activations past their expiry are expired in place
// on the read.
func (s *Service) ValidateActiveLicense(ctx context.Context, licenseID, deviceID string) (*Status, error) {
	activation, err := s.getActivation(ctx, licenseID, deviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if activation.Status == models.ActivationStatusActive && now.After(activation.ExpiresAt) {
		if err := s.activations.Deactivate(ctx, licenseID, deviceID,
			models.ActivationStatusExpired, "activation period ended"); err != nil {
			return nil, errors.Wrap(err, "expire license activation")
		}
		activation.Status = models.ActivationStatusExpired
	}

	status := &Status{
		ActivationState: activation.Status,
		IsValid:         activation.Status == models.ActivationStatusActive,
		ExpiresAt:       activation.ExpiresAt,
		LastHeartbeat:   activation.LastHeartbeat,
	}
	if status.IsValid {
		remaining := activation.ExpiresAt.Sub(now)
		status.DaysUntilExpiry = int(remaining.Hours() / 24)
		if s.policy.RenewalWarning > 0 && remaining <= s.policy.RenewalWarning {
			status.Warnings = append(status.Warnings,
				"license activation expires soon, renew before "+activation.ExpiresAt.Format(time.RFC3339))
		}
	}
	return status, nil
}

// DeactivateLicense releases the device binding. Only active activations
// can be deactivated.
func (s *Service) DeactivateLicense(ctx context.Context, licenseID, deviceID, reason string) error {
	if reason == "" {
		reason = "deactivated by request"
	}
	err := s.activations.Deactivate(ctx, licenseID, deviceID, models.ActivationStatusDeactivated, reason)
	if errors.Is(err, models.ErrLicenseActivationNotFound) {
		existing, getErr := s.getActivation(ctx, licenseID, deviceID)
		if getErr != nil {
			return getErr
		}
		return serviceerror.New(serviceerror.CodeNotActive,
			"activation is %s, only active activations can be deactivated", existing.Status)
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("licenseId", licenseID).
		Str("deviceId", deviceID).
		Str("reason", reason).
		Msg("License deactivated")
	return nil
}

// Heartbeat refreshes the liveness timestamp of an active activation.
func (s *Service) Heartbeat(ctx context.Context, licenseID, deviceID string) error {
	err := s.activations.Touch(ctx, licenseID, deviceID, time.Now().UTC())
	if errors.Is(err, models.ErrLicenseActivationNotFound) {
		return serviceerror.Wrap(err, serviceerror.CodeNotFound, "no active activation for this device")
	}
	return err
}

// TrackUsage records a usage event against an activation.
func (s *Service) TrackUsage(ctx context.Context, licenseID, deviceID, usageType string, metadata map[string]string) error {
	if usageType == "" {
		return serviceerror.New(serviceerror.CodeInvalidRequest, "usageType is required")
	}
	if _, err := s.getActivation(ctx, licenseID, deviceID); err != nil {
		return err
	}
	return s.activations.RecordUsage(ctx, licenseID, deviceID, usageType, metadata)
}

// ReclaimStaleActivations expires active activations whose heartbeat
// predates the cutoff. Returns how many were reclaimed.
func (s *Service) ReclaimStaleActivations(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	stale, err := s.activations.ListStale(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "list stale activations")
	}

	reclaimed := 0
	for _, activation := range stale {
		err := s.activations.Deactivate(ctx, activation.LicenseID, activation.DeviceID,
			models.ActivationStatusExpired, "no heartbeat since "+activation.LastHeartbeat.Format(time.RFC3339))
		if errors.Is(err, models.ErrLicenseActivationNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.Info().Int("count", reclaimed).Time("cutoff", cutoff).Msg("Reclaimed stale activations")
	}
	return reclaimed, nil
}

// offlineChallenge is the blob a disconnected device carries between the
// server and itself. The signature binds the request to one device
// fingerprint, so a challenge cannot be replayed from other hardware.
type offlineChallenge struct {
	RequestedAt time.Time `json:"requestedAt"`
	RequestID   string    `json:"requestId"`
	LicenseID   string    `json:"licenseId"`
	DeviceID    string    `json:"deviceId"`
	Fingerprint string    `json:"deviceFingerprint"`
	Signature   string    `json:"signature"`
}

// GenerateOfflineActivationRequest creates a single-use signed challenge
// for a device that cannot reach the server directly. The returned blob
// is base64 and travels out-of-band.
func (s *Service) GenerateOfflineActivationRequest(ctx context.Context, licenseID, deviceID, deviceFingerprint string) (string, error) {
	if licenseID == "" || deviceID == "" || deviceFingerprint == "" {
		return "", serviceerror.New(serviceerror.CodeInvalidRequest,
			"licenseId, deviceId and deviceFingerprint are required")
	}

	fields, err := s.licenseFields(ctx, licenseID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := checkLicenseWindow(fields, now); err != nil {
		return "", err
	}

	challenge := offlineChallenge{
		RequestID:   "OFF-" + uuid.NewString(),
		LicenseID:   licenseID,
		DeviceID:    deviceID,
		Fingerprint: deviceFingerprint,
		RequestedAt: now,
	}
	signature, _, err := s.signer.Sign(ctx, fields.ProductID,
		offlineSigningInput(challenge))
	if err != nil {
		return "", err
	}
	challenge.Signature = signature

	if err := s.offline.Create(ctx, &models.OfflineActivationRequest{
		RequestID:         challenge.RequestID,
		LicenseKey:        licenseID,
		DeviceID:          deviceID,
		DeviceFingerprint: deviceFingerprint,
		Challenge:         signature,
		RequestedAt:       now,
	}); err != nil {
		return "", errors.Wrap(err, "store offline request")
	}

	raw, err := json.Marshal(challenge)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("licenseId", licenseID).
		Str("deviceId", deviceID).
		Str("requestId", challenge.RequestID).
		Msg("Offline activation request generated")

	return base64.StdEncoding.EncodeToString(raw), nil
}

// ProcessOfflineActivationResponse consumes an offline challenge and
// performs the same activation transition as the online path. Each
// challenge activates exactly once.
func (s *Service) ProcessOfflineActivationResponse(ctx context.Context, blob string) (*Response, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "offline blob is not valid base64")
	}
	var challenge offlineChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "offline blob is malformed")
	}

	request, err := s.offline.GetByRequestID(ctx, challenge.RequestID)
	if errors.Is(err, models.ErrOfflineRequestNotFound) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "unknown offline activation request")
	}
	if err != nil {
		return nil, err
	}
	if request.DeviceFingerprint != challenge.Fingerprint || request.DeviceID != challenge.DeviceID {
		return nil, serviceerror.New(serviceerror.CodeInvalidSignature,
			"offline challenge is bound to a different device")
	}

	fields, err := s.licenseFields(ctx, request.LicenseKey)
	if err != nil {
		return nil, err
	}
	if err := s.signer.VerifyForProduct(ctx, fields.ProductID,
		offlineSigningInput(challenge), challenge.Signature); err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeInvalidSignature,
			"offline challenge signature does not verify")
	}

	if err := s.offline.MarkProcessed(ctx, challenge.RequestID); err != nil {
		if errors.Is(err, models.ErrOfflineRequestUsed) {
			return nil, serviceerror.Wrap(err, serviceerror.CodeAlreadyActivated,
				"offline activation request was already processed")
		}
		return nil, err
	}

	resp, err := s.ActivateLicense(ctx, request.LicenseKey, request.DeviceID,
		"offline:"+request.DeviceFingerprint)
	if err != nil {
		// A failed activation must not burn the challenge.
		if resetErr := s.offline.ResetProcessed(ctx, challenge.RequestID); resetErr != nil {
			log.Warn().Err(resetErr).
				Str("requestId", challenge.RequestID).
				Msg("Failed to release offline request after activation failure")
		}
		return nil, err
	}
	return resp, nil
}

func (s *Service) getActivation(ctx context.Context, licenseID, deviceID string) (*models.LicenseActivation, error) {
	activation, err := s.activations.Get(ctx, licenseID, deviceID)
	if errors.Is(err, models.ErrLicenseActivationNotFound) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "no activation for this device")
	}
	return activation, err
}

func (s *Service) licenseFields(ctx context.Context, licenseID string) (licensesign.Fields, error) {
	license, err := s.licenses.GetByLicenseID(ctx, licenseID)
	if errors.Is(err, models.ErrLicenseNotFound) {
		return licensesign.Fields{}, serviceerror.Wrap(err, serviceerror.CodeNotFound, "license not found")
	}
	if err != nil {
		return licensesign.Fields{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(license.Payload)
	if err != nil {
		return licensesign.Fields{}, errors.Wrap(err, "decode license payload")
	}
	return licensesign.ParseFields(payload)
}

// activationExpiry caps the activation period at the license validity end.
func (s *Service) activationExpiry(fields licensesign.Fields, now time.Time) time.Time {
	expiry := fields.ValidTo
	if s.policy.ActivationValidity > 0 {
		capped := now.Add(s.policy.ActivationValidity)
		if capped.Before(expiry) {
			expiry = capped
		}
	}
	return expiry.UTC()
}

func checkLicenseWindow(fields licensesign.Fields, now time.Time) error {
	if !fields.ValidFrom.IsZero() && now.Before(fields.ValidFrom) {
		return serviceerror.New(serviceerror.CodeExpired, "license validity window has not started")
	}
	if !fields.ValidTo.IsZero() && now.After(fields.ValidTo) {
		return serviceerror.New(serviceerror.CodeExpired, "license has expired")
	}
	return nil
}

func offlineSigningInput(c offlineChallenge) []byte {
	var buf bytes.Buffer
	buf.WriteString("offline-activation\n")
	buf.WriteString(c.RequestID + "\n")
	buf.WriteString(c.LicenseID + "\n")
	buf.WriteString(c.DeviceID + "\n")
	buf.WriteString(c.Fingerprint + "\n")
	buf.WriteString(c.RequestedAt.UTC().Format(time.RFC3339))
	return buf.Bytes()
}
