// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package licensesign is the verification side of the license system,
// importable by downstream product SDKs without pulling in the server.
// It defines the canonical payload encoding, the signed artifact formats
// (.lic, .json, .xml), and signature verification against an issuer's
// public key.
package licensesign

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// Algorithm is the only signature scheme artifacts may carry.
const Algorithm = "RSA-SHA256-PKCS1v15"

var (
	ErrInvalidSignature    = errors.New("license signature verification failed")
	ErrUnknownAlgorithm    = errors.New("unknown signature algorithm")
	ErrMalformedArtifact   = errors.New("malformed license artifact")
	ErrFingerprintMismatch = errors.New("public key does not match artifact fingerprint")
)

// Envelope is the format-independent signed artifact: the base64
// canonical payload and its URL-safe base64 signature, plus the signing
// key fingerprint and algorithm identifier. Every artifact format
// encodes exactly these bytes.
type Envelope struct {
	IssuedAt       time.Time `json:"issuedAt"`
	LicenseID      string    `json:"licenseId"`
	Payload        string    `json:"payload"`
	Signature      string    `json:"signature"`
	KeyFingerprint string    `json:"keyFingerprint"`
	Algorithm      string    `json:"algorithm"`
}

// PayloadBytes decodes the canonical payload.
func (e Envelope) PayloadBytes() ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", ErrMalformedArtifact)
	}
	return payload, nil
}

// Fields parses the canonical payload into logical license fields.
func (e Envelope) Fields() (Fields, error) {
	payload, err := e.PayloadBytes()
	if err != nil {
		return Fields{}, err
	}
	return ParseFields(payload)
}

// Verify checks the envelope signature with the issuer's public key PEM.
// Any mutation of payload or signature bytes fails deterministically.
func (e Envelope) Verify(publicKeyPEM []byte) error {
	if e.Algorithm != Algorithm {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, e.Algorithm)
	}

	publicKey, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	fingerprint, err := Fingerprint(publicKey)
	if err != nil {
		return err
	}
	if e.KeyFingerprint != "" && e.KeyFingerprint != fingerprint {
		return ErrFingerprintMismatch
	}

	payload, err := e.PayloadBytes()
	if err != nil {
		return err
	}
	signature, err := base64.RawURLEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrMalformedArtifact)
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyActivationSignature checks a proof-of-activation signature for the
// (product key, device, activation time) tuple.
func VerifyActivationSignature(publicKeyPEM []byte, productKey, deviceID string, activatedAt time.Time, signature string) error {
	publicKey, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrMalformedArtifact)
	}

	digest := sha256.Sum256(ActivationSigningInput(productKey, deviceID, activatedAt))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// Fingerprint returns the hex SHA-256 digest of the PKIX encoding of a
// public key, matching the fingerprint embedded in issued artifacts.
func Fingerprint(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

func parsePublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: invalid public key pem", ErrMalformedArtifact)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not rsa", ErrMalformedArtifact)
	}
	return publicKey, nil
}
