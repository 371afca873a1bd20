package backend

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces calls to the comparison backend with a local token
// bucket and pauses entirely while the backend has asked us to back off via
// Retry-After or an exhausted RateLimit-Remaining. Safe for concurrent use.
type RateLimiter struct {
	mu           sync.Mutex
	local        *rate.Limiter
	backoffUntil time.Time
	remaining    int
	now          func() time.Time

	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. rps <= 0 disables local pacing.
func NewRateLimiter(rps, burst int, logger *logrus.Entry) *RateLimiter {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:     limiter,
		remaining: -1,
		now:       time.Now,
		logger:    logger,
	}
}

// Wait blocks until a request may be sent. A backoff that outlasts ctx's
// deadline fails immediately rather than sleeping into a timeout.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if delay := rl.backoff(); delay > 0 {
		if dl, ok := ctx.Deadline(); ok && rl.now().Add(delay).After(dl) {
			return context.DeadlineExceeded
		}
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).Debug("waiting for backend backoff")
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rl.local.Wait(ctx)
}

// Observe updates the backoff from response headers:
//
//	Retry-After          seconds, or an HTTP date
//	RateLimit-Remaining  requests left in the window
//	RateLimit-Reset      seconds until the window resets
func (rl *RateLimiter) Observe(h http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()

	if ra := h.Get("Retry-After"); ra != "" {
		var until time.Time
		if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
			until = now.Add(time.Duration(sec) * time.Second)
		} else if t, err := http.ParseTime(ra); err == nil {
			until = t
		}
		if until.After(rl.backoffUntil) {
			rl.backoffUntil = until
			rl.logger.WithField("until", until.Format(time.RFC3339)).Warn("backend requested backoff")
		}
		return
	}

	remaining, err := strconv.Atoi(h.Get("RateLimit-Remaining"))
	if err != nil {
		return
	}
	rl.remaining = remaining
	if remaining > 0 {
		return
	}
	reset, err := strconv.Atoi(h.Get("RateLimit-Reset"))
	if err != nil || reset <= 0 {
		return
	}
	if until := now.Add(time.Duration(reset) * time.Second); until.After(rl.backoffUntil) {
		rl.backoffUntil = until
		rl.logger.WithField("reset_sec", reset).Warn("backend rate limit exhausted")
	}
}

// Remaining is the last RateLimit-Remaining seen, or -1.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.remaining
}

func (rl *RateLimiter) backoff() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.backoffUntil.IsZero() {
		return 0
	}
	return rl.backoffUntil.Sub(rl.now())
}
