// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package keymanager owns per-product RSA key pairs. Private key material
// never leaves this package: other components submit payloads for signing
// and receive signatures back.
package keymanager

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/crypto"
	"github.com/tyfweb/twf-license-management-sub000/internal/domain"
	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/secrets"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/tenant"
)

var (
	ErrInvalidKeySize = errors.New("unsupported key size")
	ErrNoExistingKeys = errors.New("product has no existing keys")
)

// Service generates, rotates, and uses product signing keys.
type Service struct {
	keyPairs    *models.KeyPairStore
	secretStore secrets.Store
	graceWindow time.Duration
}

func NewService(keyPairs *models.KeyPairStore, secretStore secrets.Store, graceWindow time.Duration) *Service {
	if keyPairs == nil {
		panic("keyPairs cannot be nil")
	}
	if secretStore == nil {
		panic("secretStore cannot be nil")
	}
	return &Service{
		keyPairs:    keyPairs,
		secretStore: secretStore,
		graceWindow: graceWindow,
	}
}

// GenerateKeyPair creates a new RSA pair for the product and returns the
// public key PEM. The private key goes straight into the secret store.
// Generating over an existing live pair rotates it, so callers that want
// rotation semantics enforced should use RotateKeys.
func (s *Service) GenerateKeyPair(ctx context.Context, productID string, keySize int) (string, error) {
	if !domain.IsValidKeySize(keySize) {
		return "", serviceerror.Wrap(ErrInvalidKeySize, serviceerror.CodeInvalidRequest,
			"key size %d is not supported, use one of %v", keySize, domain.ValidKeySizes)
	}

	return s.createPair(ctx, productID, keySize)
}

// RotateKeys replaces the product's live pair with a fresh one. The
// superseded pair stays valid for verification for the grace window.
func (s *Service) RotateKeys(ctx context.Context, productID string, keySize int) (string, error) {
	if !domain.IsValidKeySize(keySize) {
		return "", serviceerror.Wrap(ErrInvalidKeySize, serviceerror.CodeInvalidRequest,
			"key size %d is not supported, use one of %v", keySize, domain.ValidKeySizes)
	}

	has, err := s.keyPairs.HasLive(ctx, productID)
	if err != nil {
		return "", errors.Wrap(err, "check existing keys")
	}
	if !has {
		return "", serviceerror.Wrap(ErrNoExistingKeys, serviceerror.CodeNotFound,
			"product %s has no keys to rotate, generate a pair first", productID)
	}

	return s.createPair(ctx, productID, keySize)
}

func (s *Service) createPair(ctx context.Context, productID string, keySize int) (string, error) {
	privateKey, err := crypto.GenerateRSAKeyPair(keySize)
	if err != nil {
		return "", serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "rsa key generation failed")
	}

	publicPEM, err := crypto.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return "", serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "encode public key")
	}

	privatePEM, err := crypto.EncodePrivateKeyPEM(privateKey)
	if err != nil {
		return "", serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "encode private key")
	}

	fingerprint, err := crypto.PublicKeyFingerprint(&privateKey.PublicKey)
	if err != nil {
		return "", serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "fingerprint public key")
	}

	keyID := uuid.NewString()
	secretName := privateKeySecretName(keyID)
	if err := s.secretStore.Put(ctx, secretName, privatePEM); err != nil {
		return "", errors.Wrap(err, "store private key")
	}

	var verifyUntil *time.Time
	if s.graceWindow > 0 {
		until := time.Now().UTC().Add(s.graceWindow)
		verifyUntil = &until
	}

	pair := &models.ProductKeyPair{
		KeyID:         keyID,
		ProductID:     productID,
		TenantID:      tenant.FromContext(ctx),
		PublicKeyPEM:  string(publicPEM),
		PrivateKeyRef: secretName,
		Fingerprint:   fingerprint,
		KeySize:       keySize,
	}
	if err := s.keyPairs.Create(ctx, pair, verifyUntil); err != nil {
		// The pair is unusable without its database record; drop the
		// orphaned secret.
		if delErr := s.secretStore.Delete(ctx, secretName); delErr != nil {
			log.Warn().Err(delErr).Str("secret", secretName).Msg("Failed to remove orphaned private key")
		}
		return "", errors.Wrap(err, "store key pair")
	}

	log.Info().
		Str("productId", productID).
		Str("keyId", keyID).
		Str("fingerprint", domain.TruncateFingerprint(fingerprint)).
		Int("keySize", keySize).
		Msg("Generated product key pair")

	return string(publicPEM), nil
}

// HasValidKeys reports whether the product has a live signing pair.
func (s *Service) HasValidKeys(ctx context.Context, productID string) (bool, error) {
	return s.keyPairs.HasLive(ctx, productID)
}

// GetPublicKey returns the live public key PEM for the product.
func (s *Service) GetPublicKey(ctx context.Context, productID string) (string, error) {
	pair, err := s.keyPairs.GetLive(ctx, productID)
	if errors.Is(err, models.ErrKeyPairNotFound) {
		return "", serviceerror.Wrap(err, serviceerror.CodeNotFound, "product %s has no key pair", productID)
	}
	if err != nil {
		return "", err
	}
	return pair.PublicKeyPEM, nil
}

// GetPublicKeyByFingerprint returns the public key PEM of the pair that
// carries fingerprint, live or retired. Artifacts reference their signing
// key this way, so renders stay verifiable across rotations.
func (s *Service) GetPublicKeyByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	pair, err := s.keyPairs.GetByFingerprint(ctx, fingerprint)
	if errors.Is(err, models.ErrKeyPairNotFound) {
		return "", serviceerror.Wrap(err, serviceerror.CodeNotFound,
			"no key pair with fingerprint %s", domain.TruncateFingerprint(fingerprint))
	}
	if err != nil {
		return "", err
	}
	return pair.PublicKeyPEM, nil
}

// Sign signs payload with the product's live private key and returns the
// base64 signature together with the signing key fingerprint.
func (s *Service) Sign(ctx context.Context, productID string, payload []byte) (signature, fingerprint string, err error) {
	pair, err := s.keyPairs.GetLive(ctx, productID)
	if errors.Is(err, models.ErrKeyPairNotFound) {
		return "", "", serviceerror.Wrap(err, serviceerror.CodeNotFound, "product %s has no key pair", productID)
	}
	if err != nil {
		return "", "", err
	}

	privateKey, err := s.loadPrivateKey(ctx, pair)
	if err != nil {
		return "", "", err
	}

	signature, err = crypto.Sign(privateKey, payload)
	if err != nil {
		return "", "", serviceerror.Wrap(err, serviceerror.CodeCryptoFailure, "signing failed for product %s", productID)
	}
	return signature, pair.Fingerprint, nil
}

// VerifyForProduct verifies a signature against the product's acceptable
// keys: the live pair plus any retired pair inside its grace window.
func (s *Service) VerifyForProduct(ctx context.Context, productID string, payload []byte, signature string) error {
	pairs, err := s.keyPairs.ListVerifiable(ctx, productID, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return serviceerror.New(serviceerror.CodeNotFound, "product %s has no verifiable keys", productID)
	}

	for _, pair := range pairs {
		publicKey, err := crypto.ParsePublicKeyPEM([]byte(pair.PublicKeyPEM))
		if err != nil {
			log.Warn().Err(err).Str("keyId", pair.KeyID).Msg("Skipping unparseable stored public key")
			continue
		}
		if crypto.Verify(publicKey, payload, signature) == nil {
			return nil
		}
	}

	return serviceerror.New(serviceerror.CodeInvalidSignature,
		"signature does not verify against any acceptable key for product %s", productID)
}

func (s *Service) loadPrivateKey(ctx context.Context, pair *models.ProductKeyPair) (*rsa.PrivateKey, error) {
	pemBytes, err := s.secretStore.Get(ctx, pair.PrivateKeyRef)
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeCryptoFailure,
			"private key material unavailable for key %s", pair.KeyID)
	}

	privateKey, err := crypto.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, serviceerror.Wrap(err, serviceerror.CodeCryptoFailure,
			"stored private key is unreadable for key %s", pair.KeyID)
	}
	return privateKey, nil
}

func privateKeySecretName(keyID string) string {
	return "keypair/" + keyID
}
