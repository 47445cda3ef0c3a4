// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tenant threads the tenant identity through context as an
// explicit value. There is no ambient per-request state: a caller that
// wants tenancy applied passes a context carrying it, and a caller that
// does not gets unscoped behavior.
package tenant

import "context"

type contextKey struct{}

// WithID returns a context carrying the tenant identifier.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext returns the tenant identifier, or the empty string when the
// context carries none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
