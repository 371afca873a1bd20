// Package store provides durable backing stores for the visitor record and
// its initialization marker.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the visitor record does not exist.
	ErrNotFound = errors.New("visitor record not found")
	// ErrMarkerWithoutRecord is returned by Seed when the initialization
	// marker is set but the record is gone. Seed never recreates the record
	// in that state.
	ErrMarkerWithoutRecord = errors.New("initialization marker set but visitor record missing")
	// ErrUnavailable wraps transport-level failures (connection, timeout,
	// open circuit breaker).
	ErrUnavailable = errors.New("store unavailable")
)

// Record is the persisted visit count and the time of the last increment.
type Record struct {
	Count       int64
	LastUpdated time.Time
}

// Store is the interface for persisting the visitor record.
type Store interface {
	// Name identifies the backend (memory, redis, mongo).
	Name() string
	// Load returns the current record, or ErrNotFound.
	Load(ctx context.Context) (Record, error)
	// Initialized reports whether the initialization marker is set.
	Initialized(ctx context.Context) (bool, error)
	// Seed atomically writes rec and the initialization marker unless the
	// marker already exists. When another writer seeded first, the existing
	// record is returned with created=false.
	Seed(ctx context.Context, rec Record) (Record, bool, error)
	// Increment atomically adds delta to the count and sets LastUpdated to
	// max(LastUpdated, now). It returns ErrNotFound if the record is absent.
	Increment(ctx context.Context, delta int64, now time.Time) (Record, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
