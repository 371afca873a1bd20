// Package scheduler runs background maintenance tasks at fixed intervals.
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Scheduler runs each registered task in its own goroutine.
type Scheduler struct {
	tasks  []*Task
	logger *logrus.Entry
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		logger: logger.WithField("component", "scheduler"),
	}
}

// AddTask registers a task. Tasks with a non-positive interval are skipped.
// It must be called before Start.
func (s *Scheduler) AddTask(task *Task) {
	if task.Interval <= 0 {
		s.logger.WithField("task", task.Name).Info("task disabled (no interval)")
		return
	}
	s.tasks = append(s.tasks, task)
}

// Tasks returns the registered tasks.
func (s *Scheduler) Tasks() []*Task {
	return s.tasks
}

// Start launches every registered task until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.WithField("task_count", len(s.tasks)).Info("starting scheduler")
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			task.Run(ctx)
		}(t)
	}
}

// Stop cancels all tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
