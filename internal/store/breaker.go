package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures the circuit breaker placed in front of a store.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	MinRequests      uint32
	FailureThreshold float64
}

// Breaker wraps a Store with a circuit breaker so that, once the backend is
// failing, calls return ErrUnavailable immediately instead of waiting out
// the per-call timeout. Only ErrUnavailable and deadline errors count as
// failures; ErrNotFound and ErrMarkerWithoutRecord are normal answers.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

var _ Store = (*Breaker)(nil)

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Store, s BreakerSettings, logger *logrus.Entry) *Breaker {
	settings := gobreaker.Settings{
		Name:        "store-" + next.Name(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("store circuit breaker state changed")
		},
	}
	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker state name (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Load(ctx context.Context) (Record, error) {
	v, err := b.execute(func() (any, error) { return b.next.Load(ctx) })
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (b *Breaker) Initialized(ctx context.Context) (bool, error) {
	v, err := b.execute(func() (any, error) { return b.next.Initialized(ctx) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *Breaker) Seed(ctx context.Context, rec Record) (Record, bool, error) {
	type seeded struct {
		rec     Record
		created bool
	}
	v, err := b.execute(func() (any, error) {
		r, created, err := b.next.Seed(ctx, rec)
		return seeded{r, created}, err
	})
	if err != nil {
		return Record{}, false, err
	}
	s := v.(seeded)
	return s.rec, s.created, nil
}

func (b *Breaker) Increment(ctx context.Context, delta int64, now time.Time) (Record, error) {
	v, err := b.execute(func() (any, error) { return b.next.Increment(ctx, delta, now) })
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

// Ping bypasses the breaker so the store probe can observe recovery while
// the breaker is open.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v, err
}

// isTransportFailure reports whether err should count against the breaker.
// A caller hanging up is not a backend failure.
func isTransportFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
