// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath  string `toml:"databasePath" mapstructure:"databasePath"`

	// EncryptionKey is the hex-encoded 32-byte key protecting private key
	// material at rest. Generated on first run when absent.
	EncryptionKey string `toml:"encryptionKey" mapstructure:"encryptionKey"`

	MetricsEnabled bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost    string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort    int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// DefaultKeySize is the RSA modulus size used when a key request does
	// not specify one. Must be 2048 or 4096.
	DefaultKeySize int `toml:"defaultKeySize" mapstructure:"defaultKeySize"`

	// KeyRotationGraceHours is how long a superseded key pair remains valid
	// for signature verification after rotation. Zero rejects old
	// signatures immediately.
	KeyRotationGraceHours int `toml:"keyRotationGraceHours" mapstructure:"keyRotationGraceHours"`

	// ActivationValidityDays is the validity window applied to a product
	// key on first activation.
	ActivationValidityDays int `toml:"activationValidityDays" mapstructure:"activationValidityDays"`

	// RenewalWarningDays controls how far ahead of expiry license
	// validation responses start carrying a renewal warning.
	RenewalWarningDays int `toml:"renewalWarningDays" mapstructure:"renewalWarningDays"`

	// StaleActivationCutoffHours reclaims device activations whose last
	// heartbeat is older than the cutoff, freeing their quota slots.
	// Zero disables reclamation.
	StaleActivationCutoffHours int `toml:"staleActivationCutoffHours" mapstructure:"staleActivationCutoffHours"`

	// AllowDeviceReactivation permits a device that already holds an
	// active license activation to activate again (refreshing its token)
	// instead of failing with ALREADY_ACTIVATED.
	AllowDeviceReactivation bool `toml:"allowDeviceReactivation" mapstructure:"allowDeviceReactivation"`
}

// ValidKeySizes are the RSA modulus sizes the key manager will generate.
var ValidKeySizes = []int{2048, 4096}

// IsValidKeySize reports whether bits is a supported RSA modulus size.
func IsValidKeySize(bits int) bool {
	for _, size := range ValidKeySizes {
		if bits == size {
			return true
		}
	}
	return false
}

// Validate checks configuration invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !IsValidKeySize(c.DefaultKeySize) {
		return fmt.Errorf("defaultKeySize must be one of %v, got %d", ValidKeySizes, c.DefaultKeySize)
	}
	if c.KeyRotationGraceHours < 0 {
		return errors.New("keyRotationGraceHours cannot be negative")
	}
	if c.ActivationValidityDays < 1 {
		return errors.New("activationValidityDays must be at least 1")
	}
	if c.RenewalWarningDays < 0 {
		return errors.New("renewalWarningDays cannot be negative")
	}
	if c.StaleActivationCutoffHours < 0 {
		return errors.New("staleActivationCutoffHours cannot be negative")
	}
	return nil
}

// KeyRotationGrace returns the rotation grace window as a duration.
func (c *Config) KeyRotationGrace() time.Duration {
	return time.Duration(c.KeyRotationGraceHours) * time.Hour
}

// ActivationValidity returns the product key activation window as a duration.
func (c *Config) ActivationValidity() time.Duration {
	return time.Duration(c.ActivationValidityDays) * 24 * time.Hour
}

// StaleActivationCutoff returns the heartbeat idle cutoff, or zero when
// reclamation is disabled.
func (c *Config) StaleActivationCutoff() time.Duration {
	return time.Duration(c.StaleActivationCutoffHours) * time.Hour
}
