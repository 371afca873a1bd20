package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchwise/matchwise-server/internal/config"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestClient(t *testing.T, url string, breaker bool) *Client {
	t.Helper()
	cfg := config.BackendConfig{
		URL:            url,
		TimeoutSeconds: 5,
		Breaker: config.BreakerConfig{
			Enabled:          breaker,
			MaxRequests:      1,
			IntervalSeconds:  60,
			TimeoutSeconds:   60,
			MinRequests:      2,
			FailureThreshold: 0.5,
		},
	}
	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCompareSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/compare" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("job_url"); got != "https://jobs.example.com/1" {
			t.Errorf("job_url = %q", got)
		}
		if got := r.FormValue("uid"); got != "user-1" {
			t.Errorf("uid = %q", got)
		}
		f, hdr, err := r.FormFile("resume")
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "cv.pdf" || string(data) != "%PDF-1.4" {
			t.Errorf("resume = %s %q", hdr.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"job_summary":"Go developer","resume_summary":"Engineer","match_score":87,
			"tailored_work_experience":["Built services"],"cover_letter":"Dear team"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	out, err := c.Compare(context.Background(), CompareRequest{
		JobURL:     "https://jobs.example.com/1",
		UID:        "user-1",
		ResumeName: "cv.pdf",
		Resume:     strings.NewReader("%PDF-1.4"),
	})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if out.MatchScore != 87 || out.JobSummary != "Go developer" || len(out.TailoredWorkExperience) != 1 {
		t.Errorf("Compare = %+v", out)
	}
}

func TestCompareValidatesInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", false)
	tests := []struct {
		name string
		req  CompareRequest
	}{
		{"no job", CompareRequest{Resume: strings.NewReader("x"), ResumeName: "a.pdf"}},
		{"no resume", CompareRequest{JobText: "role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compare(context.Background(), tt.req)
			be, ok := AsError(err)
			if !ok || be.Code != CodeInvalidRequest {
				t.Errorf("got %v, want %s", err, CodeInvalidRequest)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantStatus int
	}{
		{"xai credits", 500, `{"error":"xAI API error: 403 Forbidden"}`, CodeQuotaExceeded, http.StatusTooManyRequests},
		{"job url", 400, `{"error":"Failed to fetch job posting: timeout"}`, CodeJobURLUnreachable, http.StatusUnprocessableEntity},
		{"upstream code wins", 500, `{"error":"nope","code":"UNSUPPORTED_FILE"}`, CodeUnsupportedFile, http.StatusUnprocessableEntity},
		{"unknown code ignored", 400, `{"error":"bad","code":"WHATEVER"}`, CodeInvalidRequest, http.StatusBadRequest},
		{"plain text 500", 500, `Internal Server Error`, CodeUpstreamError, http.StatusBadGateway},
		{"gateway", 503, ``, CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{"rate limited", 429, `{"detail":"slow down"}`, CodeQuotaExceeded, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := errorFromResponse(tt.status, []byte(tt.body))
			if e.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s (message %q)", e.Code, tt.wantCode, e.Message)
			}
			if e.HTTPStatus() != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", e.HTTPStatus(), tt.wantStatus)
			}
			if e.Message == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"model crashed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.UserStatus(ctx, "u")
		if be, ok := AsError(err); !ok || be.Code != CodeUpstreamError {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if c.BreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", c.BreakerState())
	}

	_, err := c.UserStatus(ctx, "u")
	if be, ok := AsError(err); !ok || be.Code != CodeUpstreamUnavailable {
		t.Errorf("open breaker: got %v, want %s", err, CodeUpstreamUnavailable)
	}
	if calls.Load() != 2 {
		t.Errorf("backend called %d times, want 2", calls.Load())
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"missing field"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	for i := 0; i < 4; i++ {
		_, _ = c.UseTrial(context.Background(), "u")
	}
	if c.BreakerState() != "closed" {
		t.Errorf("breaker = %s, want closed", c.BreakerState())
	}
}

func TestUserCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/user/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"uid": uid, "trialUsed": false})
		case r.Method == http.MethodPost && r.URL.Path == "/api/user/use-trial":
			_ = json.NewEncoder(w).Encode(map[string]any{"uid": uid, "trialUsed": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	status, err := c.UserStatus(ctx, "abc")
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if !strings.Contains(string(status), `"trialUsed":false`) {
		t.Errorf("status = %s", status)
	}
	used, err := c.UseTrial(ctx, "abc")
	if err != nil {
		t.Fatalf("UseTrial: %v", err)
	}
	if !strings.Contains(string(used), `"trialUsed":true`) {
		t.Errorf("use-trial = %s", used)
	}
	if _, err := c.UserStatus(ctx, ""); err == nil {
		t.Error("empty uid accepted")
	}
}

func TestRateLimiterHonoursRetryAfter(t *testing.T) {
	rl := NewRateLimiter(0, 0, testLogger())
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := http.Header{}
	h.Set("Retry-After", "30")
	rl.Observe(h)
	if got := rl.backoff(); got != 30*time.Second {
		t.Fatalf("backoff = %v, want 30s", got)
	}

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(time.Second))
	defer cancel()
	if err := rl.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestRateLimiterExhaustedWindow(t *testing.T) {
	rl := NewRateLimiter(0, 0, testLogger())
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := http.Header{}
	h.Set("RateLimit-Remaining", "5")
	h.Set("RateLimit-Reset", "10")
	rl.Observe(h)
	if rl.backoff() > 0 || rl.Remaining() != 5 {
		t.Fatalf("unexpected backoff with requests remaining")
	}

	h.Set("RateLimit-Remaining", "0")
	rl.Observe(h)
	if got := rl.backoff(); got != 10*time.Second {
		t.Errorf("backoff = %v, want 10s", got)
	}
}
