// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package licensesign

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fields are the logical license fields that get signed. The canonical
// encoding is a newline-separated, lexicographically sorted list of
// key=value pairs, so the same logical license always produces the same
// bytes and therefore the same digest.
type Fields struct {
	ValidFrom   time.Time
	ValidTo     time.Time
	LicenseID   string
	ProductID   string
	ProductName string
	ConsumerID  string
	Licensee    string
	Tier        string
	Features    []string
	UsageLimits map[string]int
	Metadata    map[string]string
}

const (
	fieldLicenseID   = "license.id"
	fieldProductID   = "product.id"
	fieldProductName = "product.name"
	fieldConsumerID  = "consumer.id"
	fieldLicensee    = "consumer.name"
	fieldTier        = "tier"
	fieldFeatures    = "features"
	fieldValidFrom   = "valid.from"
	fieldValidTo     = "valid.to"
	limitPrefix      = "limit."
	metaPrefix       = "meta."
)

// Encode produces the canonical payload bytes for the fields.
// Values may not contain newlines; the encoding has no escaping on
// purpose to keep it trivially auditable.
func (f Fields) Encode() ([]byte, error) {
	pairs := map[string]string{
		fieldLicenseID:   f.LicenseID,
		fieldProductID:   f.ProductID,
		fieldProductName: f.ProductName,
		fieldConsumerID:  f.ConsumerID,
		fieldLicensee:    f.Licensee,
		fieldTier:        f.Tier,
		fieldValidFrom:   f.ValidFrom.UTC().Format(time.RFC3339),
		fieldValidTo:     f.ValidTo.UTC().Format(time.RFC3339),
	}

	if len(f.Features) > 0 {
		features := append([]string(nil), f.Features...)
		sort.Strings(features)
		pairs[fieldFeatures] = strings.Join(features, ",")
	}
	for name, limit := range f.UsageLimits {
		pairs[limitPrefix+name] = strconv.Itoa(limit)
	}
	for key, value := range f.Metadata {
		pairs[metaPrefix+key] = value
	}

	keys := make([]string, 0, len(pairs))
	for key, value := range pairs {
		if strings.ContainsAny(key, "\n=") {
			return nil, fmt.Errorf("canonical key %q contains reserved characters", key)
		}
		if strings.Contains(value, "\n") {
			return nil, fmt.Errorf("canonical value for %q contains a newline", key)
		}
		if value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(pairs[key])
	}
	return []byte(b.String()), nil
}

// ParseFields decodes a canonical payload back into fields. Unknown keys
// are preserved in Metadata under their raw names so round-trips are
// lossless across versions.
func ParseFields(payload []byte) (Fields, error) {
	fields := Fields{}
	if len(payload) == 0 {
		return fields, fmt.Errorf("empty canonical payload")
	}

	for _, line := range strings.Split(string(payload), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			return Fields{}, fmt.Errorf("malformed canonical line %q", line)
		}

		switch {
		case key == fieldLicenseID:
			fields.LicenseID = value
		case key == fieldProductID:
			fields.ProductID = value
		case key == fieldProductName:
			fields.ProductName = value
		case key == fieldConsumerID:
			fields.ConsumerID = value
		case key == fieldLicensee:
			fields.Licensee = value
		case key == fieldTier:
			fields.Tier = value
		case key == fieldFeatures:
			fields.Features = strings.Split(value, ",")
		case key == fieldValidFrom:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Fields{}, fmt.Errorf("parse %s: %w", fieldValidFrom, err)
			}
			fields.ValidFrom = t
		case key == fieldValidTo:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Fields{}, fmt.Errorf("parse %s: %w", fieldValidTo, err)
			}
			fields.ValidTo = t
		case strings.HasPrefix(key, limitPrefix):
			limit, err := strconv.Atoi(value)
			if err != nil {
				return Fields{}, fmt.Errorf("parse limit %q: %w", key, err)
			}
			if fields.UsageLimits == nil {
				fields.UsageLimits = map[string]int{}
			}
			fields.UsageLimits[strings.TrimPrefix(key, limitPrefix)] = limit
		case strings.HasPrefix(key, metaPrefix):
			if fields.Metadata == nil {
				fields.Metadata = map[string]string{}
			}
			fields.Metadata[strings.TrimPrefix(key, metaPrefix)] = value
		default:
			if fields.Metadata == nil {
				fields.Metadata = map[string]string{}
			}
			fields.Metadata[key] = value
		}
	}
	return fields, nil
}

// ActivationSigningInput builds the byte sequence signed as an activation
// proof: product key, device id, and activation time, newline-joined.
// The tuple is deterministic, so the resulting signature is a stable
// lookup handle for the activation it proves.
func ActivationSigningInput(productKey, deviceID string, activatedAt time.Time) []byte {
	return []byte(productKey + "\n" + deviceID + "\n" + activatedAt.UTC().Format(time.RFC3339))
}
