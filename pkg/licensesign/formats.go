// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package licensesign

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Format names a persisted license artifact encoding. All formats carry
// the same payload and signature bytes, so verification never depends on
// which file a customer happens to hold.
type Format string

const (
	FormatLIC  Format = "lic"
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ParseFormat normalizes a format name or file extension.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "lic":
		return FormatLIC, nil
	case "json":
		return FormatJSON, nil
	case "xml":
		return FormatXML, nil
	}
	return "", fmt.Errorf("unknown license format %q", name)
}

// Document is the structured representation shared by the .json and .xml
// artifacts.
type Document struct {
	XMLName     xml.Name     `json:"-" xml:"License"`
	LicenseInfo LicenseInfo  `json:"LicenseInfo" xml:"LicenseInfo"`
	Product     Party        `json:"Product" xml:"Product"`
	Licensee    Party        `json:"Licensee" xml:"Licensee"`
	Features    []string     `json:"Features" xml:"Features>Feature"`
	Security    SecurityInfo `json:"Security" xml:"Security"`
}

type LicenseInfo struct {
	LicenseID string `json:"LicenseId" xml:"LicenseId"`
	Tier      string `json:"Tier,omitempty" xml:"Tier,omitempty"`
	IssuedAt  string `json:"IssuedAt" xml:"IssuedAt"`
	ValidFrom string `json:"ValidFrom" xml:"ValidFrom"`
	ValidTo   string `json:"ValidTo" xml:"ValidTo"`
}

type Party struct {
	ID   string `json:"Id" xml:"Id"`
	Name string `json:"Name,omitempty" xml:"Name,omitempty"`
}

// SecurityInfo carries the verification material. LicenseKey is the
// base64 canonical payload, Signature the base64 signature over its
// SHA-256 digest, PublicKey the issuer's PEM when embedded, and
// Encryption the algorithm identifier.
type SecurityInfo struct {
	LicenseKey     string `json:"LicenseKey" xml:"LicenseKey"`
	Signature      string `json:"Signature" xml:"Signature"`
	PublicKey      string `json:"PublicKey,omitempty" xml:"PublicKey,omitempty"`
	KeyFingerprint string `json:"KeyFingerprint" xml:"KeyFingerprint"`
	Encryption     string `json:"Encryption" xml:"Encryption"`
}

// Render encodes the envelope in the requested format. publicKeyPEM may
// be empty; when given it is embedded so artifacts are self-verifiable.
func Render(env Envelope, format Format, publicKeyPEM string) ([]byte, error) {
	switch format {
	case FormatLIC:
		return renderLIC(env)
	case FormatJSON:
		doc, err := buildDocument(env, publicKeyPEM)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(doc, "", "  ")
	case FormatXML:
		doc, err := buildDocument(env, publicKeyPEM)
		if err != nil {
			return nil, err
		}
		out, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append([]byte(xml.Header), out...), nil
	}
	return nil, fmt.Errorf("unknown license format %q", format)
}

// Parse decodes an artifact in any supported format back to its envelope.
func Parse(data []byte) (Envelope, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, licHeader):
		return parseLIC(trimmed)
	case strings.HasPrefix(trimmed, "{"):
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
		}
		return documentEnvelope(doc)
	case strings.HasPrefix(trimmed, "<"):
		var doc Document
		if err := xml.Unmarshal(data, &doc); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
		}
		return documentEnvelope(doc)
	}
	return Envelope{}, ErrMalformedArtifact
}

func buildDocument(env Envelope, publicKeyPEM string) (Document, error) {
	fields, err := env.Fields()
	if err != nil {
		return Document{}, err
	}

	return Document{
		LicenseInfo: LicenseInfo{
			LicenseID: fields.LicenseID,
			Tier:      fields.Tier,
			IssuedAt:  env.IssuedAt.UTC().Format(time.RFC3339),
			ValidFrom: fields.ValidFrom.UTC().Format(time.RFC3339),
			ValidTo:   fields.ValidTo.UTC().Format(time.RFC3339),
		},
		Product:  Party{ID: fields.ProductID, Name: fields.ProductName},
		Licensee: Party{ID: fields.ConsumerID, Name: fields.Licensee},
		Features: fields.Features,
		Security: SecurityInfo{
			LicenseKey:     env.Payload,
			Signature:      env.Signature,
			PublicKey:      publicKeyPEM,
			KeyFingerprint: env.KeyFingerprint,
			Encryption:     env.Algorithm,
		},
	}, nil
}

func documentEnvelope(doc Document) (Envelope, error) {
	if doc.Security.LicenseKey == "" || doc.Security.Signature == "" {
		return Envelope{}, fmt.Errorf("%w: missing security section", ErrMalformedArtifact)
	}

	env := Envelope{
		LicenseID:      doc.LicenseInfo.LicenseID,
		Payload:        doc.Security.LicenseKey,
		Signature:      doc.Security.Signature,
		KeyFingerprint: doc.Security.KeyFingerprint,
		Algorithm:      doc.Security.Encryption,
	}
	if doc.LicenseInfo.IssuedAt != "" {
		issuedAt, err := time.Parse(time.RFC3339, doc.LicenseInfo.IssuedAt)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad IssuedAt: %v", ErrMalformedArtifact, err)
		}
		env.IssuedAt = issuedAt
	}
	return env, nil
}

const (
	licHeader       = "# ---- TWF LICENSE ----"
	licPayloadBegin = "-----BEGIN PAYLOAD-----"
	licPayloadEnd   = "-----END PAYLOAD-----"
	licSigBegin     = "-----BEGIN SIGNATURE-----"
	licSigEnd       = "-----END SIGNATURE-----"
)

func renderLIC(env Envelope) ([]byte, error) {
	fields, err := env.Fields()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(licHeader + "\n")
	writeLICField(&b, "LicenseId", fields.LicenseID)
	writeLICField(&b, "Product", fields.ProductID)
	writeLICField(&b, "ProductName", fields.ProductName)
	writeLICField(&b, "Consumer", fields.ConsumerID)
	writeLICField(&b, "Licensee", fields.Licensee)
	writeLICField(&b, "Tier", fields.Tier)
	writeLICField(&b, "ValidFrom", fields.ValidFrom.UTC().Format(time.RFC3339))
	writeLICField(&b, "ValidTo", fields.ValidTo.UTC().Format(time.RFC3339))
	writeLICField(&b, "Features", strings.Join(fields.Features, ","))
	writeLICField(&b, "IssuedAt", env.IssuedAt.UTC().Format(time.RFC3339))
	writeLICField(&b, "Algorithm", env.Algorithm)
	writeLICField(&b, "KeyFingerprint", env.KeyFingerprint)
	b.WriteString(licPayloadBegin + "\n")
	writeWrapped(&b, env.Payload)
	b.WriteString(licPayloadEnd + "\n")
	b.WriteString(licSigBegin + "\n")
	writeWrapped(&b, env.Signature)
	b.WriteString(licSigEnd + "\n")
	return []byte(b.String()), nil
}

func writeLICField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

// writeWrapped emits base64 text at 64 columns, pem-style.
func writeWrapped(b *strings.Builder, value string) {
	const width = 64
	for len(value) > width {
		b.WriteString(value[:width])
		b.WriteByte('\n')
		value = value[width:]
	}
	if len(value) > 0 {
		b.WriteString(value)
		b.WriteByte('\n')
	}
}

func parseLIC(data string) (Envelope, error) {
	env := Envelope{}

	payload, err := extractBlock(data, licPayloadBegin, licPayloadEnd)
	if err != nil {
		return Envelope{}, err
	}
	signature, err := extractBlock(data, licSigBegin, licSigEnd)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	env.Signature = signature

	for _, line := range strings.Split(data, "\n") {
		name, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		switch name {
		case "LicenseId":
			env.LicenseID = value
		case "Algorithm":
			env.Algorithm = value
		case "KeyFingerprint":
			env.KeyFingerprint = value
		case "IssuedAt":
			issuedAt, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Envelope{}, fmt.Errorf("%w: bad IssuedAt: %v", ErrMalformedArtifact, err)
			}
			env.IssuedAt = issuedAt
		}
	}

	if env.Payload == "" || env.Signature == "" {
		return Envelope{}, fmt.Errorf("%w: missing payload or signature block", ErrMalformedArtifact)
	}
	return env, nil
}

func extractBlock(data, begin, end string) (string, error) {
	start := strings.Index(data, begin)
	stop := strings.Index(data, end)
	if start < 0 || stop < 0 || stop < start {
		return "", fmt.Errorf("%w: missing %s block", ErrMalformedArtifact, begin)
	}
	block := data[start+len(begin) : stop]
	return strings.Join(strings.Fields(block), ""), nil
}
