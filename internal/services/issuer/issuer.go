// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package issuer builds and signs license documents. The canonical
// payload encoding lives in pkg/licensesign so downstream verifiers and
// this server can never disagree about the signed bytes.
package issuer

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/keymanager"
	"github.com/tyfweb/twf-license-management-sub000/internal/tenant"
	"github.com/tyfweb/twf-license-management-sub000/pkg/licensesign"
)

// LicenseRequest describes the license to issue. LicenseID is generated
// when empty.
type LicenseRequest struct {
	ValidFrom   time.Time         `json:"validFrom"`
	ValidTo     time.Time         `json:"validTo"`
	LicenseID   string            `json:"licenseId,omitempty"`
	ProductID   string            `json:"productId"`
	ProductName string            `json:"productName,omitempty"`
	ConsumerID  string            `json:"consumerId"`
	Licensee    string            `json:"licensee,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Features    []string          `json:"features,omitempty"`
	UsageLimits map[string]int    `json:"usageLimits,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Service issues signed licenses with the product's private key.
type Service struct {
	keys     *keymanager.Service
	licenses *models.LicenseStore
}

func NewService(keys *keymanager.Service, licenses *models.LicenseStore) *Service {
	if keys == nil {
		panic("keys cannot be nil")
	}
	if licenses == nil {
		panic("licenses cannot be nil")
	}
	return &Service{keys: keys, licenses: licenses}
}

// GenerateLicense canonicalizes the request, signs the SHA-256 digest of
// the canonical payload with the product's live key, persists the
// artifact, and returns it. Signing failures are fatal and never retried
// here.
func (s *Service) GenerateLicense(ctx context.Context, req LicenseRequest) (*models.SignedLicense, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if req.LicenseID == "" {
		req.LicenseID = "LIC-" + uuid.NewString()
	}

	fields := licensesign.Fields{
		LicenseID:   req.LicenseID,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		ConsumerID:  req.ConsumerID,
		Licensee:    req.Licensee,
		Tier:        req.Tier,
		Features:    req.Features,
		UsageLimits: req.UsageLimits,
		Metadata:    req.Metadata,
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
	}

	payload, err := fields.Encode()
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeInvalidRequest, "license fields cannot be canonicalized")
	}

	signature, fingerprint, err := s.keys.Sign(ctx, req.ProductID, payload)
	if err != nil {
		return nil, err
	}

	license := &models.SignedLicense{
		LicenseID:   req.LicenseID,
		TenantID:    tenant.FromContext(ctx),
		ProductID:   req.ProductID,
		ConsumerID:  req.ConsumerID,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signature:   signature,
		Fingerprint: fingerprint,
		Algorithm:   licensesign.Algorithm,
	}
	if err := s.licenses.Create(ctx, license); err != nil {
		return nil, errors.Wrap(err, "store signed license")
	}

	log.Info().
		Str("licenseId", license.LicenseID).
		Str("productId", license.ProductID).
		Str("consumerId", license.ConsumerID).
		Str("fingerprint", domain.TruncateFingerprint(fingerprint)).
		Msg("License issued")

	return license, nil
}

// GetLicense returns a previously issued license artifact.
func (s *Service) GetLicense(ctx context.Context, licenseID string) (*models.SignedLicense, error) {
	license, err := s.licenses.GetByLicenseID(ctx, licenseID)
	if errors.Is(err, models.ErrLicenseNotFound) {
		return nil, serviceerror.Wrap(err, serviceerror.CodeNotFound, "license %s not found", licenseID)
	}
	return license, err
}

// ListLicenses returns the licenses issued for a product, newest first,
// scoped to the caller's tenant.
func (s *Service) ListLicenses(ctx context.Context, productID string) ([]*models.SignedLicense, error) {
	if productID == "" {
		return nil, serviceerror.New(serviceerror.CodeInvalidRequest, "productId is required")
	}
	return s.licenses.ListByProduct(ctx, tenant.FromContext(ctx), productID)
}

// Render encodes an issued license in the requested artifact format,
// embedding the public key that signed it so the file verifies
// standalone. The key is resolved by the artifact's own fingerprint;
// after a rotation the retired key is still the right one to embed.
func (s *Service) Render(ctx context.Context, licenseID string, format licensesign.Format) ([]byte, error) {
	license, err := s.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	publicKeyPEM, err := s.keys.GetPublicKeyByFingerprint(ctx, license.Fingerprint)
	if err != nil {
		// Renders still work for products whose keys were removed; the
		// artifact just is not self-verifiable.
		publicKeyPEM = ""
	}

	env := licensesign.Envelope{
		IssuedAt:       license.IssuedAt,
		LicenseID:      license.LicenseID,
		Payload:        license.Payload,
		Signature:      license.Signature,
		KeyFingerprint: license.Fingerprint,
		Algorithm:      license.Algorithm,
	}

	out, err := licensesign.Render(env, format, publicKeyPEM)
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeInvalidRequest, "render license %s", licenseID)
	}
	return out, nil
}

func validateRequest(req LicenseRequest) error {
	switch {
	case req.ProductID == "":
		return serviceerror.New(serviceerror.CodeInvalidRequest, "productId is required")
	case req.ConsumerID == "":
		return serviceerror.New(serviceerror.CodeInvalidRequest, "consumerId is required")
	case req.ValidFrom.IsZero() || req.ValidTo.IsZero():
		return serviceerror.New(serviceerror.CodeInvalidRequest, "validity window is required")
	case !req.ValidFrom.Before(req.ValidTo):
		return serviceerror.New(serviceerror.CodeInvalidRequest, "validFrom must be before validTo")
	}
	return nil
}
