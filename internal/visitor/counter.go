// Package visitor implements the visitor counter: durable, monotonic visit
// counting on top of a store.Store, with a short-lived in-process cache that
// bridges store outages and explicit failures when data loss is suspected.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/matchwise/matchwise-server/internal/store"
)

const (
	// DefaultFreshnessWindow is how long a cached record may be served
	// while the store is unreachable.
	DefaultFreshnessWindow = 5 * time.Minute
	// DefaultTimeout bounds each store call.
	DefaultTimeout = 3 * time.Second
)

// Record is the visit count and the time of the last increment.
type Record = store.Record

// Options configures a Counter.
type Options struct {
	// Seed is the count written when the store has never been initialized.
	Seed            int64
	FreshnessWindow time.Duration
	Timeout         time.Duration
	// Clock defaults to time.Now.
	Clock   func() time.Time
	Metrics *Metrics
}

// IncrementResult is the outcome of an increment. Persisted is false when
// the durable write failed and the count was advanced in this process only;
// WriteErr then wraps ErrWriteFailure.
type IncrementResult struct {
	Record
	Persisted bool
	WriteErr  error
}

// Stats describes the counter for operators.
type Stats struct {
	Record          Record
	Backend         string
	Initialized     bool
	CacheAge        time.Duration
	CacheFresh      bool
	Pending         int64
	FreshnessWindow time.Duration
}

// Counter reads and increments the visitor record. It is safe for
// concurrent use.
type Counter struct {
	store   store.Store
	seed    int64
	timeout time.Duration
	window  time.Duration
	now     func() time.Time
	cache   *recordCache
	metrics *Metrics
	logger  *logrus.Entry

	// pending counts increments advanced locally after a failed durable
	// write. They are added to the next successful durable increment.
	pending atomic.Int64
	seeding singleflight.Group
}

// New creates a Counter over st.
func New(st store.Store, opts Options, logger *logrus.Entry) *Counter {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Seed < 0 {
		opts.Seed = 0
	}

	return &Counter{
		store:   st,
		seed:    opts.Seed,
		timeout: opts.Timeout,
		window:  opts.FreshnessWindow,
		now:     opts.Clock,
		cache:   newRecordCache(opts.FreshnessWindow, opts.Clock),
		metrics: opts.Metrics,
		logger:  logger.WithField("component", "visitor_counter"),
	}
}

// Read returns the current record. On a never-initialized store it writes
// the seed record first. When the store is unreachable, or initialized but
// missing the record, a cached record no older than the freshness window is
// returned instead; without one Read fails with ErrStoreUnavailable or
// ErrDataIntegrity respectively.
func (c *Counter) Read(ctx context.Context) (Record, error) {
	rec, err := c.load(ctx)
	switch {
	case err == nil:
		return c.cache.Confirm(c.withPending(rec)), nil
	case errors.Is(err, store.ErrNotFound):
		return c.seedOrRecover(ctx)
	default:
		return c.fallback(err, "store_unavailable", ErrStoreUnavailable)
	}
}

// Increment adds one visit. See IncrementDetailed.
func (c *Counter) Increment(ctx context.Context) (Record, error) {
	res, err := c.IncrementDetailed(ctx)
	return res.Record, err
}

// IncrementDetailed reads the current record (propagating Read failures),
// then atomically increments it in the store. If the durable write fails,
// the incremented record is still cached and returned with Persisted=false.
// Such a record is only served until the freshness window, counted from the
// last durable success, runs out.
//
// Delivery is at least once: a write that times out after the store applied
// it is replayed with the next successful increment.
func (c *Counter) IncrementDetailed(ctx context.Context) (IncrementResult, error) {
	base, err := c.Read(ctx)
	if err != nil {
		return IncrementResult{}, err
	}

	now := c.clock()
	flush := c.pending.Swap(0)

	rec, err := c.increment(ctx, 1+flush, now)
	if err == nil {
		if flush > 0 {
			c.logger.WithField("flushed", flush).Info("persisted visitor increments that were previously cache-only")
		}
		// Concurrent increments may already have cached a higher record;
		// each caller still gets the count its own write produced.
		rec = c.withPending(rec)
		c.cache.Confirm(rec)
		return IncrementResult{Record: rec, Persisted: true}, nil
	}

	c.pending.Add(flush + 1)
	next := Record{Count: base.Count + 1, LastUpdated: base.LastUpdated}
	if now.After(next.LastUpdated) {
		next.LastUpdated = now
	}
	held := c.cache.Advance(next)
	c.metrics.writeFailed()

	entry := c.logger.WithError(err).WithFields(logrus.Fields{
		"count":   held.Count,
		"pending": c.pending.Load(),
	})
	if errors.Is(err, store.ErrNotFound) {
		entry.Error("visitor record disappeared during increment; count advanced in cache only")
	} else {
		entry.Warn("durable write failed; count advanced in cache only")
	}

	return IncrementResult{
		Record:    held,
		Persisted: false,
		WriteErr:  fmt.Errorf("%w: %w", ErrWriteFailure, err),
	}, nil
}

// Warm refreshes the cache from the store. It is run periodically so the
// cache stays fresh on quiet sites.
func (c *Counter) Warm(ctx context.Context) error {
	_, err := c.Read(ctx)
	return err
}

// Stats returns the current record plus cache and marker state.
func (c *Counter) Stats(ctx context.Context) (Stats, error) {
	rec, err := c.Read(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Record:          rec,
		Backend:         c.store.Name(),
		Pending:         c.pending.Load(),
		FreshnessWindow: c.window,
	}
	if age, ok := c.cache.Age(); ok {
		s.CacheAge = age
		s.CacheFresh = age <= c.window
	}

	ictx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	initialized, err := c.store.Initialized(ictx)
	if err != nil {
		c.logger.WithError(err).Debug("could not read initialization marker for stats")
	}
	s.Initialized = initialized
	return s, nil
}

// seedOrRecover writes the seed record once per flight. The flight is shared
// by every caller that finds the store empty, so it runs detached from the
// first caller's cancellation and is bounded by the store timeout alone.
func (c *Counter) seedOrRecover(ctx context.Context) (Record, error) {
	v, err, _ := c.seeding.Do("seed", func() (any, error) {
		seed := Record{Count: c.seed, LastUpdated: c.clock()}
		rec, created, err := c.seedStore(context.WithoutCancel(ctx), seed)
		if err != nil {
			return nil, err
		}
		if created {
			c.metrics.seeded()
			c.logger.WithField("count", rec.Count).Info("initialized visitor count with seed value")
		}
		return rec, nil
	})

	switch {
	case err == nil:
		return c.cache.Confirm(c.withPending(v.(Record))), nil
	case errors.Is(err, store.ErrMarkerWithoutRecord):
		c.logger.WithError(err).Error("visitor record missing although the store was initialized; refusing to re-seed")
		return c.fallback(err, "record_missing", ErrDataIntegrity)
	default:
		return c.fallback(err, "store_unavailable", ErrStoreUnavailable)
	}
}

// fallback serves a fresh cached record, or fails with sentinel.
func (c *Counter) fallback(cause error, reason string, sentinel error) (Record, error) {
	if rec, ok := c.cache.Fresh(); ok {
		c.metrics.cacheFallback(reason)
		c.logger.WithError(cause).WithFields(logrus.Fields{
			"count":  rec.Count,
			"reason": reason,
		}).Warn("serving visitor count from cache")
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: %w", sentinel, cause)
}

func (c *Counter) load(ctx context.Context) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	rec, err := c.store.Load(ctx)
	c.metrics.observeStore("load", start, unexpected(err))
	return rec, err
}

func (c *Counter) seedStore(ctx context.Context, rec Record) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	out, created, err := c.store.Seed(ctx, rec)
	c.metrics.observeStore("seed", start, unexpected(err))
	return out, created, err
}

func (c *Counter) increment(ctx context.Context, delta int64, now time.Time) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	rec, err := c.store.Increment(ctx, delta, now)
	c.metrics.observeStore("increment", start, err)
	return rec, err
}

func (c *Counter) withPending(rec Record) Record {
	rec.Count += c.pending.Load()
	return rec
}

// clock returns the current time at the precision the stores persist.
func (c *Counter) clock() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

// snapshot reports cache state for the metrics collector.
func (c *Counter) snapshot() (rec Record, age time.Duration, cached bool, pending int64) {
	age, cached = c.cache.Age()
	if cached {
		rec, _ = c.cache.Fresh()
	}
	return rec, age, cached, c.pending.Load()
}

// unexpected drops the answers that are normal outcomes of a store call.
func unexpected(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMarkerWithoutRecord) {
		return nil
	}
	return err
}
