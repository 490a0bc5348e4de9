package storage

import "errors"

// Storage errors shared by all ledger backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert an immutable record
	// (a transfer) whose key already exists. Transfers are never updated.
	ErrDuplicateKey = errors.New("duplicate key: transfer records are immutable")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
