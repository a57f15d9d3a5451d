// Package common defines the sentinel errors shared by the core packages and
// the HTTP layer. Callers match them with errors.Is.
package common

import "errors"

var (
	// Path confinement.
	ErrOutOfBounds = errors.New("path escapes sandbox")
	ErrNotFound    = errors.New("not found")

	// Filesystem operations.
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAlreadyExists     = errors.New("already exists")
	ErrExtensionMismatch = errors.New("modification of file extension is not allowed")

	// Transfers.
	ErrChunkWriteFailed    = errors.New("chunk write failed")
	ErrOffsetMismatch      = errors.New("chunk offset does not match current file size")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// Setup.
	ErrConfiguration = errors.New("configuration error")

	// Identity and tokens.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidInput = errors.New("invalid input")
)
