// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package serviceerror defines the result error taxonomy shared by the
// license services. Business failures travel as typed codes so the HTTP
// layer can map them to statuses without string matching; only
// CRYPTO_FAILURE represents a fault that callers must not retry.
package serviceerror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable failure class.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeExpired          Code = "EXPIRED"
	CodeRevoked          Code = "REVOKED"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeCryptoFailure    Code = "CRYPTO_FAILURE"
	CodeAlreadyActivated Code = "ALREADY_ACTIVATED"
	CodeNotActive        Code = "NOT_ACTIVE"
)

// Error is a business failure carrying a code and a human-readable
// message. It wraps the underlying cause when one exists.
type Error struct {
	Err     error
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed service error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed service error.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Err: err, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error chain.
func CodeOf(err error) (Code, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Code, true
	}
	return "", false
}

// HTTPStatus maps a failure code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeQuotaExceeded:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeRevoked:
		return http.StatusForbidden
	case CodeInvalidSignature:
		return http.StatusUnprocessableEntity
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAlreadyActivated:
		return http.StatusConflict
	case CodeNotActive:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
