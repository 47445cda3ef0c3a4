// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

// RedactString replaces a string with asterisks of the same length
func RedactString(s string) string {
	if len(s) == 0 {
		return ""
	}

	return strings.Repeat("*", len(s))
}

// TruncateFingerprint shortens a key fingerprint or signature for logging.
// Full signature bytes never appear in log output.
func TruncateFingerprint(s string) string {
	const keep = 12
	if len(s) <= keep {
		return s
	}
	return s[:keep] + "..."
}

// MaskKey masks the middle of an opaque key or token, keeping enough of
// both ends to correlate log lines against support requests.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return RedactString(key)
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
