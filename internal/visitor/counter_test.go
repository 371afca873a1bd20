package visitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/store"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// faultyStore wraps a MemoryStore and fails selected operations on demand.
type faultyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	loadDown bool
	seedDown bool
	incrDown bool
}

var errConnRefused = fmt.Errorf("%w: connection refused", store.ErrUnavailable)

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: store.NewMemoryStore()}
}

func (f *faultyStore) down(load, seed, incr bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadDown, f.seedDown, f.incrDown = load, seed, incr
}

func (f *faultyStore) Load(ctx context.Context) (store.Record, error) {
	f.mu.Lock()
	down := f.loadDown
	f.mu.Unlock()
	if down {
		return store.Record{}, errConnRefused
	}
	return f.MemoryStore.Load(ctx)
}

func (f *faultyStore) Seed(ctx context.Context, rec store.Record) (store.Record, bool, error) {
	f.mu.Lock()
	down := f.seedDown
	f.mu.Unlock()
	if down {
		return store.Record{}, false, errConnRefused
	}
	return f.MemoryStore.Seed(ctx, rec)
}

func (f *faultyStore) Increment(ctx context.Context, delta int64, now time.Time) (store.Record, error) {
	f.mu.Lock()
	down := f.incrDown
	f.mu.Unlock()
	if down {
		return store.Record{}, errConnRefused
	}
	return f.MemoryStore.Increment(ctx, delta, now)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestCounter(st store.Store, clock *fakeClock, m *Metrics) *Counter {
	return New(st, Options{
		Seed:            116,
		FreshnessWindow: 5 * time.Minute,
		Timeout:         time.Second,
		Clock:           clock.Now,
		Metrics:         m,
	}, testLogger())
}

func TestReadSeedsEmptyStore(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	c := newTestCounter(st, clock, nil)

	rec, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Count != 116 {
		t.Errorf("Count = %d, want 116", rec.Count)
	}
	if !rec.LastUpdated.Equal(t0) {
		t.Errorf("LastUpdated = %v, want %v", rec.LastUpdated, t0)
	}
	if ok, _ := st.Initialized(context.Background()); !ok {
		t.Error("marker not set after seeding")
	}
}

func TestReadKeepsExistingRecord(t *testing.T) {
	st := newFaultyStore()
	if _, _, err := st.MemoryStore.Seed(context.Background(), Record{Count: 500, LastUpdated: t0}); err != nil {
		t.Fatal(err)
	}
	c := newTestCounter(st, &fakeClock{t: t0.Add(time.Hour)}, nil)

	rec, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Count != 500 || !rec.LastUpdated.Equal(t0) {
		t.Errorf("Read = %+v, want count 500 at %v", rec, t0)
	}
}

func TestIncrementFromSeed(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	c := newTestCounter(st, clock, nil)
	ctx := context.Background()

	before, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	res, err := c.IncrementDetailed(ctx)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if res.Count != 117 || !res.Persisted {
		t.Errorf("Increment = %+v, want persisted 117", res)
	}
	if res.LastUpdated.Before(before.LastUpdated) {
		t.Errorf("LastUpdated went backwards: %v < %v", res.LastUpdated, before.LastUpdated)
	}

	durable, err := st.MemoryStore.Load(ctx)
	if err != nil || durable.Count != 117 {
		t.Errorf("durable = %+v, %v; want 117", durable, err)
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	st := newFaultyStore()
	c := newTestCounter(st, &fakeClock{t: t0}, nil)
	ctx := context.Background()

	const n = 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := c.Increment(ctx)
			if err != nil {
				t.Errorf("Increment: %v", err)
				return
			}
			mu.Lock()
			seen[rec.Count] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	durable, err := st.MemoryStore.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if durable.Count != 116+n {
		t.Errorf("durable count = %d, want %d", durable.Count, 116+n)
	}
	if len(seen) != n {
		t.Errorf("got %d distinct counts, want %d", len(seen), n)
	}
}

func TestSeedWrittenOnceUnderConcurrentReads(t *testing.T) {
	st := newFaultyStore()
	m := NewMetrics(prometheus.NewRegistry())
	c := newTestCounter(st, &fakeClock{t: t0}, m)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec, err := c.Read(context.Background()); err != nil || rec.Count != 116 {
				t.Errorf("Read = %+v, %v", rec, err)
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(m.seeds); got != 1 {
		t.Errorf("seeds = %v, want 1", got)
	}
}

func TestReadServesFreshCacheWhenStoreDown(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	m := NewMetrics(prometheus.NewRegistry())
	c := newTestCounter(st, clock, m)
	ctx := context.Background()

	if _, err := c.Read(ctx); err != nil {
		t.Fatal(err)
	}
	st.down(true, true, true)

	clock.Advance(4 * time.Minute)
	rec, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read within window: %v", err)
	}
	if rec.Count != 116 {
		t.Errorf("Count = %d, want 116", rec.Count)
	}
	if got := testutil.ToFloat64(m.cacheFallbacks.WithLabelValues("store_unavailable")); got != 1 {
		t.Errorf("cache fallbacks = %v, want 1", got)
	}

	clock.Advance(2 * time.Minute)
	_, err = c.Read(ctx)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Read after window: got %v, want ErrStoreUnavailable", err)
	}
	if Code(err) != CodeStoreUnavailable {
		t.Errorf("Code = %s", Code(err))
	}
}

func TestReadUnavailableWithoutCache(t *testing.T) {
	st := newFaultyStore()
	st.down(true, true, true)
	c := newTestCounter(st, &fakeClock{t: t0}, nil)

	_, err := c.Read(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Error("cause not preserved in error chain")
	}
}

func TestSeedFailureIsUnavailable(t *testing.T) {
	st := newFaultyStore()
	st.down(false, true, false)
	c := newTestCounter(st, &fakeClock{t: t0}, nil)

	if _, err := c.Read(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestDataLossIsNeverReseeded(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	ctx := context.Background()

	first := newTestCounter(st, clock, nil)
	if _, err := first.Increment(ctx); err != nil {
		t.Fatal(err)
	}
	st.MemoryStore.Delete()

	t.Run("without cache", func(t *testing.T) {
		fresh := newTestCounter(st, clock, nil)
		_, err := fresh.Read(ctx)
		if !errors.Is(err, ErrDataIntegrity) {
			t.Fatalf("got %v, want ErrDataIntegrity", err)
		}
		if Code(err) != CodeDataIntegrity {
			t.Errorf("Code = %s", Code(err))
		}
		if _, err := fresh.Increment(ctx); !errors.Is(err, ErrDataIntegrity) {
			t.Errorf("Increment: got %v, want ErrDataIntegrity", err)
		}
		if _, err := st.MemoryStore.Load(ctx); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("record was recreated: %v", err)
		}
	})

	t.Run("with fresh cache", func(t *testing.T) {
		rec, err := first.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if rec.Count != 117 {
			t.Errorf("Count = %d, want cached 117", rec.Count)
		}
	})
}

func TestWriteFailureAdvancesCacheAndReplays(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	m := NewMetrics(prometheus.NewRegistry())
	c := newTestCounter(st, clock, m)
	ctx := context.Background()

	if _, err := c.Read(ctx); err != nil {
		t.Fatal(err)
	}

	st.down(false, false, true)
	clock.Advance(time.Second)
	res, err := c.IncrementDetailed(ctx)
	if err != nil {
		t.Fatalf("Increment must not fail on write failure: %v", err)
	}
	if res.Count != 117 || res.Persisted {
		t.Errorf("Increment = %+v, want unpersisted 117", res)
	}
	if !errors.Is(res.WriteErr, ErrWriteFailure) {
		t.Errorf("WriteErr = %v, want ErrWriteFailure", res.WriteErr)
	}
	if !res.LastUpdated.Equal(t0.Add(time.Second)) {
		t.Errorf("LastUpdated = %v", res.LastUpdated)
	}
	if got := testutil.ToFloat64(m.durableWriteFailed); got != 1 {
		t.Errorf("write failures = %v, want 1", got)
	}

	rec, err := c.Read(ctx)
	if err != nil || rec.Count != 117 {
		t.Fatalf("Read after failed write = %+v, %v; want 117", rec, err)
	}

	st.down(false, false, false)
	rec, err = c.Increment(ctx)
	if err != nil || rec.Count != 118 {
		t.Fatalf("Increment after recovery = %+v, %v; want 118", rec, err)
	}
	durable, _ := st.MemoryStore.Load(ctx)
	if durable.Count != 118 {
		t.Errorf("durable count = %d, want 118 after replay", durable.Count)
	}
}

func TestIncrementWhileStoreDownUsesCache(t *testing.T) {
	st := newFaultyStore()
	c := newTestCounter(st, &fakeClock{t: t0}, nil)
	ctx := context.Background()

	if _, err := c.Read(ctx); err != nil {
		t.Fatal(err)
	}
	st.down(true, true, true)

	for want := int64(117); want <= 119; want++ {
		res, err := c.IncrementDetailed(ctx)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if res.Count != want || res.Persisted {
			t.Errorf("Increment = %+v, want unpersisted %d", res, want)
		}
	}

	st.down(false, false, false)
	rec, err := c.Read(ctx)
	if err != nil || rec.Count != 119 {
		t.Errorf("Read after recovery = %+v, %v; want 119", rec, err)
	}
}

func TestCacheOnlyIncrementsDoNotExtendFreshness(t *testing.T) {
	tests := []struct {
		name       string
		breakStore func(st *faultyStore)
		want       error
	}{
		{"record lost", func(st *faultyStore) { st.MemoryStore.Delete() }, ErrDataIntegrity},
		{"store down", func(st *faultyStore) { st.down(true, true, true) }, ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFaultyStore()
			clock := &fakeClock{t: t0}
			c := newTestCounter(st, clock, nil)
			ctx := context.Background()

			if _, err := c.Increment(ctx); err != nil {
				t.Fatal(err)
			}
			tt.breakStore(st)

			clock.Advance(4 * time.Minute)
			res, err := c.IncrementDetailed(ctx)
			if err != nil {
				t.Fatalf("Increment within window: %v", err)
			}
			if res.Persisted || res.Count != 118 {
				t.Errorf("Increment = %+v, want unpersisted 118", res)
			}

			// 8 minutes after the last durable success, 4 after the cache-only increment.
			clock.Advance(4 * time.Minute)
			if _, err := c.Increment(ctx); !errors.Is(err, tt.want) {
				t.Errorf("Increment after window: got %v, want %v", err, tt.want)
			}
			if _, err := c.Read(ctx); !errors.Is(err, tt.want) {
				t.Errorf("Read after window: got %v, want %v", err, tt.want)
			}
			if s, ok := c.cache.Age(); ok && s <= 5*time.Minute {
				t.Errorf("cache age = %v, want measured from the last durable write", s)
			}
		})
	}
}

// gatedSeedStore blocks Seed until release is closed or ctx is done.
type gatedSeedStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSeedStore) Seed(ctx context.Context, rec store.Record) (store.Record, bool, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return store.Record{}, false, ctx.Err()
	}
	return g.MemoryStore.Seed(ctx, rec)
}

func TestSeedIgnoresFirstCallerCancellation(t *testing.T) {
	st := &gatedSeedStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := newTestCounter(st, &fakeClock{t: t0}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = c.Read(ctx) }()
	<-st.entered

	type result struct {
		rec Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := c.Read(context.Background())
		second <- result{rec, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(st.release)

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller: %v", r.err)
		}
		if r.rec.Count != 116 {
			t.Errorf("Count = %d, want 116", r.rec.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}

	if ok, _ := st.Initialized(context.Background()); !ok {
		t.Error("seed was abandoned")
	}
}

// lateAckStore applies increments but reports a timeout, as when the reply
// is lost after the write committed.
type lateAckStore struct {
	*store.MemoryStore
	lose bool
}

func (l *lateAckStore) Increment(ctx context.Context, delta int64, now time.Time) (store.Record, error) {
	rec, err := l.MemoryStore.Increment(ctx, delta, now)
	if err == nil && l.lose {
		return store.Record{}, fmt.Errorf("%w: %w", store.ErrUnavailable, context.DeadlineExceeded)
	}
	return rec, err
}

func TestTimedOutWriteIsReplayedAtLeastOnce(t *testing.T) {
	st := &lateAckStore{MemoryStore: store.NewMemoryStore(), lose: true}
	c := newTestCounter(st, &fakeClock{t: t0}, nil)
	ctx := context.Background()

	res, err := c.IncrementDetailed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted {
		t.Fatal("timed-out write reported as persisted")
	}

	st.lose = false
	if _, err := c.Increment(ctx); err != nil {
		t.Fatal(err)
	}
	durable, _ := st.MemoryStore.Load(ctx)
	// 116 seed, one applied-but-unacknowledged visit, then 1+1 replayed.
	if durable.Count != 119 {
		t.Errorf("durable count = %d, want 119", durable.Count)
	}
}

func TestIncrementPropagatesReadFailure(t *testing.T) {
	st := newFaultyStore()
	st.down(true, true, true)
	c := newTestCounter(st, &fakeClock{t: t0}, nil)

	if _, err := c.Increment(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestLastUpdatedNeverMovesBackwards(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	c := newTestCounter(st, clock, nil)
	ctx := context.Background()

	clock.Set(t0.Add(time.Hour))
	late, err := c.Increment(ctx)
	if err != nil {
		t.Fatal(err)
	}

	clock.Set(t0.Add(time.Minute))
	rec, err := c.Increment(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastUpdated.Before(late.LastUpdated) {
		t.Errorf("LastUpdated moved backwards: %v < %v", rec.LastUpdated, late.LastUpdated)
	}
}

func TestStats(t *testing.T) {
	st := newFaultyStore()
	clock := &fakeClock{t: t0}
	c := newTestCounter(st, clock, nil)
	ctx := context.Background()

	if _, err := c.Read(ctx); err != nil {
		t.Fatal(err)
	}
	st.down(false, false, true)
	if _, err := c.Increment(ctx); err != nil {
		t.Fatal(err)
	}
	st.down(false, false, false)

	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Record.Count != 117 || s.Pending != 1 {
		t.Errorf("Stats = %+v, want count 117 with 1 pending", s)
	}
	if s.Backend != "memory" || !s.Initialized || !s.CacheFresh {
		t.Errorf("Stats = %+v", s)
	}
}

func TestCollector(t *testing.T) {
	st := newFaultyStore()
	c := newTestCounter(st, &fakeClock{t: t0}, nil)
	col := NewCollector(c)

	if n := testutil.CollectAndCount(col); n != 1 {
		t.Errorf("before first read: %d metrics, want 1", n)
	}
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := testutil.CollectAndCount(col); n != 3 {
		t.Errorf("after read: %d metrics, want 3", n)
	}
	if rec, _, cached, pending := c.snapshot(); !cached || rec.Count != 116 || pending != 0 {
		t.Errorf("snapshot = %+v cached=%v pending=%d", rec, cached, pending)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrStoreUnavailable), CodeStoreUnavailable},
		{fmt.Errorf("%w: x", ErrDataIntegrity), CodeDataIntegrity},
		{ErrWriteFailure, CodeWriteFailure},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
