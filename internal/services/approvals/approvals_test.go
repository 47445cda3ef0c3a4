// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package approvals_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyfweb/twf-license-management-sub000/internal/models"
	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
	"github.com/tyfweb/twf-license-management-sub000/internal/services/approvals"
	"github.com/tyfweb/twf-license-management-sub000/internal/testdb"
)

func newTestService(t *testing.T) *approvals.Service {
	t.Helper()
	return approvals.NewService(models.NewApprovalStore(testdb.Open(t)))
}

func assertCode(t *testing.T, err error, want serviceerror.Code) {
	t.Helper()

	code, ok := serviceerror.CodeOf(err)
	require.True(t, ok, "expected a coded error, got: %v", err)
	assert.Equal(t, want, code)
}

func TestApprovalWorkflow(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, models.ApprovalKindConsumer, "consumer-1", "sales")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusSubmitted, submitted.Status)

	approved, err := service.Approve(ctx, models.ApprovalKindConsumer, "consumer-1", "ops", "verified account")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "ops", *approved.DecidedBy)

	// A decided approval cannot be decided again.
	_, err = service.Reject(ctx, models.ApprovalKindConsumer, "consumer-1", "ops", "")
	assertCode(t, err, serviceerror.CodeNotActive)

	got, err := service.Get(ctx, models.ApprovalKindConsumer, "consumer-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, got.Status)
}

func TestApprovalValidation(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	ctx := context.Background()

	_, err := service.Submit(ctx, "invoice", "entity-1", "sales")
	assertCode(t, err, serviceerror.CodeInvalidRequest)

	_, err = service.Submit(ctx, models.ApprovalKindProduct, "", "sales")
	assertCode(t, err, serviceerror.CodeInvalidRequest)

	_, err = service.Approve(ctx, models.ApprovalKindProduct, "entity-1", "", "")
	assertCode(t, err, serviceerror.CodeInvalidRequest)

	_, err = service.Approve(ctx, models.ApprovalKindProduct, "entity-404", "ops", "")
	assertCode(t, err, serviceerror.CodeNotFound)

	_, err = service.Get(ctx, models.ApprovalKindProduct, "entity-404")
	assertCode(t, err, serviceerror.CodeNotFound)
}

func TestApprovalList(t *testing.T) {
	t.Parallel()

	service := newTestService(t)
	ctx := context.Background()

	_, err := service.Submit(ctx, models.ApprovalKindConsumer, "consumer-1", "sales")
	require.NoError(t, err)
	_, err = service.Submit(ctx, models.ApprovalKindLicense, "LIC-1", "sales")
	require.NoError(t, err)
	_, err = service.Approve(ctx, models.ApprovalKindLicense, "LIC-1", "ops", "")
	require.NoError(t, err)

	all, err := service.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := service.List(ctx, models.ApprovalStatusSubmitted)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "consumer-1", open[0].EntityID)

	_, err = service.List(ctx, "bogus")
	assertCode(t, err, serviceerror.CodeInvalidRequest)
}
