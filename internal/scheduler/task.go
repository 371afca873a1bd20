package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of background work run on a fixed interval, such as
// warming the visitor cache or probing the store.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds each run. Zero means the run is bounded only by the
	// scheduler's context.
	Timeout time.Duration
	// RunFunc is executed each tick. Errors are logged and reported to
	// OnResult but do not stop the loop.
	RunFunc func(ctx context.Context) error
	// OnResult, if set, receives the outcome of every run.
	OnResult func(err error)

	trigger  chan struct{}
	failures int
	logger   *logrus.Entry
}

// NewTask creates a periodic task.
func NewTask(name string, interval time.Duration, runFunc func(ctx context.Context) error, logger *logrus.Entry) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		RunFunc:  runFunc,
		trigger:  make(chan struct{}, 1),
		logger:   logger.WithField("task", name),
	}
}

// Trigger asks for an extra run as soon as possible. Triggers arriving
// while one is already pending are coalesced.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run fires once immediately, then every Interval and on each Trigger,
// until ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.WithField("interval", t.Interval).Info("task started")
	t.execute(ctx)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("task stopping (context cancelled)")
			return
		case <-ticker.C:
			t.execute(ctx)
		case <-t.trigger:
			t.execute(ctx)
		}
	}
}

// execute performs one run. Repeated failures are logged at Error, a first
// failure only at Warn.
func (t *Task) execute(ctx context.Context) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := t.safeRun(ctx)
	entry := t.logger.WithField("duration", time.Since(start).Round(time.Millisecond))

	switch {
	case err == nil:
		if t.failures > 0 {
			entry.WithField("failed_runs", t.failures).Info("task recovered")
		} else {
			entry.Debug("task execution completed")
		}
		t.failures = 0
	case t.failures == 0:
		t.failures++
		entry.WithError(err).Warn("task execution failed")
	default:
		t.failures++
		entry.WithError(err).WithField("failed_runs", t.failures).Error("task execution keeps failing")
	}

	if t.OnResult != nil {
		t.OnResult(err)
	}
}

func (t *Task) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.RunFunc(ctx)
}
