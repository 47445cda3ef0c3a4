// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package device derives a stable identifier for the machine a license
// is activated on.
package device

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/keygen-sh/machineid"
	"github.com/rs/zerolog/log"
)

// ID returns the machine identifier, keyed to appID so different
// applications on the same host see different values.
func ID(appID string) (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", err
	}

	// Container machine-ids change on every recreate, so fall back to a
	// persisted random identifier when one can be stored.
	if runningInContainer() {
		log.Trace().Msg("get device id, running in container")
		if persistentID := persistentContainerID(); persistentID != "" {
			combined := fmt.Sprintf("%s-%s", appID, persistentID)
			hash := sha256.Sum256([]byte(combined))
			return fmt.Sprintf("%x", hash), nil
		}
	}

	return id, nil
}

// Fingerprint condenses the device identifier for embedding in offline
// activation challenges.
func Fingerprint(appID string) (string, error) {
	id, err := ID(appID)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:16]), nil
}

func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}

	if strings.Contains(os.Getenv("container"), "podman") {
		return true
	}

	return false
}

func persistentContainerID() string {
	persistentPaths := []string{
		"/config/.licensrv-device-id",
		"/var/lib/licensrv/.licensrv-device-id",
	}

	for _, path := range persistentPaths {
		if content, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	for _, path := range persistentPaths {
		if dir := filepath.Dir(path); dirExists(dir) {
			newID := randomID()
			if err := os.WriteFile(path, []byte(newID), 0o644); err == nil {
				return newID
			}
		}
	}

	return ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func randomID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		hash := sha256.Sum256([]byte(fmt.Sprintf("%d-%s", os.Getpid(), runtime.GOOS)))
		return fmt.Sprintf("%x", hash)[:32]
	}
	return hex.EncodeToString(bytes)
}
