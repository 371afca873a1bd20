package visitor

import (
	"errors"
)

// Error codes surfaced to HTTP clients.
const (
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeDataIntegrity    = "DATA_INTEGRITY"
	CodeWriteFailure     = "WRITE_FAILURE"
	CodeInternal         = "INTERNAL"
)

var (
	// ErrStoreUnavailable means the durable store could not be reached and
	// no fresh cached record was available. Callers may retry.
	ErrStoreUnavailable = errors.New("visitor store unavailable")
	// ErrDataIntegrity means the store was initialized but the record is
	// missing and no fresh cached record was available. It is never healed
	// by re-seeding.
	ErrDataIntegrity = errors.New("visitor record missing after initialization")
	// ErrWriteFailure marks a durable write that failed during Increment.
	// Increment still succeeds; the failure is reported through
	// IncrementResult and logs.
	ErrWriteFailure = errors.New("visitor count durable write failed")
)

// Code maps err to its machine-readable error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDataIntegrity):
		return CodeDataIntegrity
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrWriteFailure):
		return CodeWriteFailure
	default:
		return CodeInternal
	}
}
