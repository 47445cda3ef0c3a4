// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package registry is the product key state machine: registration,
// quota-checked activation with proof signatures, lazy expiry, and
// deactivation. The quota check and the activation increment are a single
// conditional UPDATE, so concurrent activations can never oversubscribe a
// key.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/tenant"
	"github.com/tyfweb/twf-license-management-sub000/pkg/licensesign"
)

// CreateRequest registers a new product key.
type CreateRequest struct {
	ValidFrom      time.Time         `json:"validFrom"`
	ValidTo        time.Time         `json:"validTo"`
	ProductID      string            `json:"productId"`
	ConsumerID     string            `json:"consumerId"`
	MaxActivations int               `json:"maxActivations"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ActivationResult is returned by a successful activation.
type ActivationResult struct {
	Key       *models.ProductKey `json:"key"`
	Signature string             `json:"activationSignature"`
}

// ValidationResult is the read-only view of a key's state.
type ValidationResult struct {
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Status             string     `json:"status"`
	IsValid            bool       `json:"isValid"`
	CurrentActivations int        `json:"currentActivations"`
	MaxActivations     int        `json:"maxActivations"`
}

// Service governs the product key lifecycle.
type Service struct {
	keys               *models.ProductKeyStore
	signer             *keymanager.Service
	activationValidity time.Duration
}

func NewService(keys *models.ProductKeyStore, signer *keymanager.Service, activationValidity time.Duration) *Service {
	if keys == nil {
		panic("keys cannot be nil")
	}
	if signer == nil {
		panic("signer cannot be nil")
	}
	return &Service{
		keys:               keys,
		signer:             signer,
		activationValidity: activationValidity,
	}
}

// CreateProductKey registers an opaque key token in PendingActivation.
func (s *Service) CreateProductKey(ctx context.Context, req CreateRequest) (*models.ProductKey, error) {
	switch {
	case req.ProductID == "":
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "productId is required")
	case req.ConsumerID == "":
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "consumerId is required")
	case req.ValidFrom.IsZero() || req.ValidTo.IsZero() || !req.ValidFrom.Before(req.ValidTo):
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "validFrom must be before validTo")
	case req.MaxActivations < 1:
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "maxActivations must be at least 1")
	}

	token, err := generateKeyToken()
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "generate key token")
	}

	key := &models.ProductKey{
		Key:            token,
		TenantID:       tenant.FromContext(ctx),
		ProductID:      req.ProductID,
		ConsumerID:     req.ConsumerID,
		ValidFrom:      req.ValidFrom.UTC(),
		ValidTo:        req.ValidTo.UTC(),
		MaxActivations: req.MaxActivations,
		Metadata:       req.Metadata,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, errors.Wrap(err, "store product key")
	}

	log.Info().
		Str("productKey", domain.MaskKey(token)).
		Str("productId", req.ProductID).
		Int("maxActivations", req.MaxActivations).
		Msg("Product key registered")

	return key, nil
}

// ActivateProductKey claims an activation slot for the device and returns
// the proof-of-activation signature. The first activation pins the
// activation window; every activation signs the same
// (key, device, activationDate) tuple shape. A device repeating its own
// activation gets the existing proof back without consuming a slot.
func (s *Service) ActivateProductKey(ctx context.Context, key, deviceID string) (*ActivationResult, error) {
	if key == "" || deviceID == "" {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "key and deviceId are required")
	}

	var (
		claimed   *models.ProductKey
		signature string
	)

	claim := func() error {
		pk, sig, err := s.keys.ClaimActivation(ctx, key, deviceID, s.activationValidity, func(activationDate time.Time) (string, error) {
			productID, perr := s.productIDForKey(ctx, key)
			if perr != nil {
				return "", perr
			}
			proof, _, serr := s.signer.Sign(ctx, productID, licensesign.ActivationSigningInput(key, deviceID, activationDate))
			return proof, serr
		})
		if err != nil {
			return err
		}
		claimed, signature = pk, sig
		return nil
	}

	err := retry.Do(claim,
		retry.Attempts(3),
		retry.Delay(25*time.Millisecond),
		retry.RetryIf(isBusyError),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, models.ErrNoActivationSlot) {
		return nil, s.slotFailure(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("productKey", domain.MaskKey(key)).
		Str("deviceId", deviceID).
		Str("signature", domain.TruncateFingerprint(signature)).
		Int("currentActivations", claimed.CurrentActivations).
		Msg("Product key activated")

	return &ActivationResult{Key: claimed, Signature: signature}, nil
}

// ValidateProductKey is the read path. It reports the key's state and
// lazily expires keys whose activation window has passed.
func (s *Service) ValidateProductKey(ctx context.Context, key string) (*ValidationResult, error) {
	pk, err := s.getKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if s.shouldExpire(pk, now) {
		applied, err := s.keys.Expire(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "expire product key")
		}
		if applied {
			pk.Status = models.ProductKeyStatusExpired
			log.Debug().Str("productKey", domain.MaskKey(key)).Msg("Product key lazily expired on read")
		} else if pk, err = s.getKey(ctx, key); err != nil {
			// Another writer moved the key first; report its state.
			return nil, err
		}
	}

	result := &ValidationResult{
		Status:             pk.Status,
		IsValid:            pk.Status == models.ProductKeyStatusActive || pk.Status == models.ProductKeyStatusPending,
		CurrentActivations: pk.CurrentActivations,
		MaxActivations:     pk.MaxActivations,
	}
	if pk.ActivationEndDate != nil {
		result.ExpiresAt = pk.ActivationEndDate
	} else {
		result.ExpiresAt = &pk.ValidTo
	}
	return result, nil
}

// GetActivationBySignature resolves a proof signature to its activation.
// It is a pure lookup; no state changes.
func (s *Service) GetActivationBySignature(ctx context.Context, signature string) (*models.ProductKeyActivation, *models.ProductKey, error) {
	activation, pk, err := s.keys.GetActivationBySignature(ctx, signature)
	if errors.Is(err, models.ErrActivationNotFound) {
		return nil, nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "no activation matches the signature")
	}
	return activation, pk, err
}

// DeactivateProductKey releases one activation slot. The count never goes
// below zero and the key goes inactive when the last slot is released.
func (s *Service) DeactivateProductKey(ctx context.Context, key, reason string) (*models.ProductKey, error) {
	pk, err := s.keys.ReleaseActivation(ctx, key)
	if errors.Is(err, models.ErrNoActivationSlot) {
		existing, getErr := s.getKey(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		return nil, serviceerror.New(serviceerror.CodeNotActive,
			"product key is %s, only active keys can be deactivated", existing.Status)
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("productKey", domain.MaskKey(key)).
		Str("reason", reason).
		Int("currentActivations", pk.CurrentActivations).
		Msg("Product key deactivated")

	return pk, nil
}

// RevokeProductKey permanently revokes a key. Revocation is terminal.
func (s *Service) RevokeProductKey(ctx context.Context, key, reason string) error {
	if _, err := s.getKey(ctx, key); err != nil {
		return err
	}
	if err := s.keys.SetStatus(ctx, key, models.ProductKeyStatusRevoked); err != nil {
		return errors.Wrap(err, "revoke product key")
	}

	log.Warn().
		Str("productKey", domain.MaskKey(key)).
		Str("reason", reason).
		Msg("Product key revoked")
	return nil
}

func (s *Service) getKey(ctx context.Context, key string) (*models.ProductKey, error) {
	pk, err := s.keys.GetByKey(ctx, key)
	if errors.Is(err, models.ErrProductKeyNotFound) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "product key not found")
	}
	return pk, err
}

func (s *Service) productIDForKey(ctx context.Context, key string) (string, error) {
	pk, err := s.getKey(ctx, key)
	if err != nil {
		return "", err
	}
	return pk.ProductID, nil
}

// slotFailure turns a failed conditional claim into the precise business
// error by re-reading the key's state.
func (s *Service) slotFailure(ctx context.Context, key string) error {
	pk, err := s.getKey(ctx, key)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case pk.Status == models.ProductKeyStatusRevoked:
		return serviceerror.New(serviceerror.CodeRevoked, "product key has been revoked")
	case pk.Status == models.ProductKeyStatusExpired || s.shouldExpire(pk, now) || now.After(pk.ValidTo):
		return serviceerror.New(serviceerror.CodeExpired, "product key has expired")
	case pk.Status == models.ProductKeyStatusInactive:
		return serviceerror.New(serviceerror.CodeNotActive, "product key is inactive")
	case now.Before(pk.ValidFrom):
		return serviceerror.New(serviceerror.CodeExpired, "product key validity window has not started")
	case pk.CurrentActivations >= pk.MaxActivations:
		return serviceerror.New(serviceerror.CodeQuotaExceeded,
			"activation quota of %d reached", pk.MaxActivations)
	default:
		return serviceerror.New(serviceerror.CodeNotActive, "product key cannot be activated in state %s", pk.Status)
	}
}

func (s *Service) shouldExpire(pk *models.ProductKey, now time.Time) bool {
	if pk.Status != models.ProductKeyStatusActive && pk.Status != models.ProductKeyStatusPending {
		return false
	}
	if pk.ActivationEndDate != nil && now.After(*pk.ActivationEndDate) {
		return true
	}
	return now.After(pk.ValidTo)
}

// generateKeyToken builds an opaque key token, grouped for readability:
// TWF-XXXXX-XXXXX-XXXXX-XXXXX.
func generateKeyToken() (string, error) {
	raw, err := crypto.GenerateSecureToken(10)
	if err != nil {
		return "", err
	}
	raw = strings.ToUpper(raw)
	return "TWF-" + raw[0:5] + "-" + raw[5:10] + "-" + raw[10:15] + "-" + raw[15:20], nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
