// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured Matrix API error, produced by our own
// endpoints and parsed from remote servers' responses. Callers can
// use errors.As to extract the structured information:
//
//	var matrixErr *matrix.Error
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == matrix.ErrCodeNotFound { ... }
//	}
type Error struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// RetryAfterMS is the backoff hint attached to M_LIMIT_EXCEEDED
	// responses, in milliseconds.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// RoomVersion carries the room's version on
	// M_INCOMPATIBLE_ROOM_VERSION responses.
	RoomVersion string `json:"room_version,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden               = "M_FORBIDDEN"
	ErrCodeUnknownToken            = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken            = "M_MISSING_TOKEN"
	ErrCodeBadJSON                 = "M_BAD_JSON"
	ErrCodeNotJSON                 = "M_NOT_JSON"
	ErrCodeNotFound                = "M_NOT_FOUND"
	ErrCodeLimitExceeded           = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized            = "M_UNRECOGNIZED"
	ErrCodeUnknown                 = "M_UNKNOWN"
	ErrCodeUnauthorized            = "M_UNAUTHORIZED"
	ErrCodeUserDeactivated         = "M_USER_DEACTIVATED"
	ErrCodeUserInUse               = "M_USER_IN_USE"
	ErrCodeInvalidUsername         = "M_INVALID_USERNAME"
	ErrCodeRoomInUse               = "M_ROOM_IN_USE"
	ErrCodeUnsupportedRoomVersion  = "M_UNSUPPORTED_ROOM_VERSION"
	ErrCodeIncompatibleRoomVersion = "M_INCOMPATIBLE_ROOM_VERSION"
	ErrCodeBadState                = "M_BAD_STATE"
	ErrCodeGuestAccessForbidden    = "M_GUEST_ACCESS_FORBIDDEN"
	ErrCodeMissingParam            = "M_MISSING_PARAM"
	ErrCodeInvalidParam            = "M_INVALID_PARAM"
	ErrCodeTooLarge                = "M_TOO_LARGE"
	ErrCodeExclusive               = "M_EXCLUSIVE"
	ErrCodeCannotLeaveServerNotice = "M_CANNOT_LEAVE_SERVER_NOTICE_ROOM"
	ErrCodeUnableToAuthorizeJoin   = "M_UNABLE_TO_AUTHORISE_JOIN"
	ErrCodeUnableToGrantJoin       = "M_UNABLE_TO_GRANT_JOIN"
)

// NewError builds an Error with the given HTTP status, Matrix error
// code, and formatted message.
func NewError(statusCode int, code, format string, args ...any) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Forbidden is shorthand for a 403 M_FORBIDDEN error.
func Forbidden(format string, args ...any) *Error {
	return NewError(http.StatusForbidden, ErrCodeForbidden, format, args...)
}

// NotFound is shorthand for a 404 M_NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return NewError(http.StatusNotFound, ErrCodeNotFound, format, args...)
}

// BadJSON is shorthand for a 400 M_BAD_JSON error.
func BadJSON(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, ErrCodeBadJSON, format, args...)
}

// InvalidParam is shorthand for a 400 M_INVALID_PARAM error.
func InvalidParam(format string, args ...any) *Error {
	return NewError(http.StatusBadRequest, ErrCodeInvalidParam, format, args...)
}

// IsError checks whether err is a *Error with the given error code.
func IsError(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
