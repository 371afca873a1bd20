// Package backend is the client for the external resume comparison service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/matchwise/matchwise-server/internal/config"
)

const maxResponseBytes = 4 << 20

// CompareRequest is one resume-to-job comparison. At least one of JobURL
// and JobText must be set.
type CompareRequest struct {
	JobURL     string
	JobText    string
	UID        string
	ResumeName string
	Resume     io.Reader
}

// Comparison is the backend's analysis of a resume against a job posting.
type Comparison struct {
	JobSummary             string   `json:"job_summary"`
	ResumeSummary          string   `json:"resume_summary"`
	MatchScore             float64  `json:"match_score"`
	TailoredResumeSummary  string   `json:"tailored_resume_summary,omitempty"`
	TailoredWorkExperience []string `json:"tailored_work_experience,omitempty"`
	WorkExperience         []string `json:"work_experience,omitempty"`
	CoverLetter            string   `json:"cover_letter"`
	ResumeText             string   `json:"resume_text,omitempty"`
	JobText                string   `json:"job_text,omitempty"`
}

// Client sends rate-limited, circuit-broken requests to the comparison
// backend.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *logrus.Entry
}

// New creates a Client from cfg.
func New(cfg config.BackendConfig, logger *logrus.Entry) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.URL)
	}

	logger = logger.WithField("component", "backend_client")
	c := &Client{
		http:    &http.Client{Timeout: cfg.Timeout()},
		baseURL: base,
		limiter: NewRateLimiter(cfg.MaxRequestsPerSecond, cfg.BurstRequestsPerSecond, logger.WithField("component", "backend_rate_limiter")),
		logger:  logger,
	}
	if cfg.Breaker.Enabled {
		c.breaker = newBreaker(cfg.Breaker, logger)
	}
	return c, nil
}

func newBreaker(cfg config.BreakerConfig, logger *logrus.Entry) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "comparison-backend",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval(),
		Timeout:     cfg.Timeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !breakerFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("backend circuit breaker state changed")
		},
	})
}

// BreakerState returns closed, half-open, open, or disabled.
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Compare uploads the resume and job reference and returns the analysis.
func (c *Client) Compare(ctx context.Context, req CompareRequest) (*Comparison, error) {
	if req.JobURL == "" && req.JobText == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "job_url or job_text is required"}
	}
	if req.Resume == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "resume is required"}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{{"job_url", req.JobURL}, {"job_text", req.JobText}, {"uid", req.UID}}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("writing %s field: %w", f[0], err)
		}
	}
	part, err := mw.CreateFormFile("resume", req.ResumeName)
	if err != nil {
		return nil, fmt.Errorf("creating resume part: %w", err)
	}
	if _, err := io.Copy(part, req.Resume); err != nil {
		return nil, fmt.Errorf("copying resume: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/compare", nil, &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var out Comparison
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Code: CodeUpstreamError, Status: http.StatusOK, Message: "malformed comparison response", Err: err}
	}
	if out.MatchScore < 0 || out.MatchScore > 100 {
		c.logger.WithField("match_score", out.MatchScore).Warn("backend returned match score out of range, clamping")
		out.MatchScore = min(max(out.MatchScore, 0), 100)
	}
	return &out, nil
}

// UserStatus returns the backend's trial and subscription state for uid.
func (c *Client) UserStatus(ctx context.Context, uid string) (json.RawMessage, error) {
	return c.userCall(ctx, http.MethodGet, "/api/user/status", uid)
}

// UseTrial marks uid's free trial as used.
func (c *Client) UseTrial(ctx context.Context, uid string) (json.RawMessage, error) {
	return c.userCall(ctx, http.MethodPost, "/api/user/use-trial", uid)
}

func (c *Client) userCall(ctx context.Context, method, path, uid string) (json.RawMessage, error) {
	if uid == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "uid is required"}
	}
	data, err := c.do(ctx, method, path, url.Values{"uid": {uid}}, nil, "")
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, &Error{Code: CodeUpstreamError, Status: http.StatusOK, Message: "backend returned invalid JSON"}
	}
	return json.RawMessage(data), nil
}

// do sends one request and returns the body of a 2xx response. Every
// failure is returned as *Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Code: CodeUpstreamUnavailable, Message: "backend rate limit backoff", Err: err}
	}

	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	var data []byte
	resp, err := c.execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &Error{Code: CodeUpstreamUnavailable, Message: "backend unreachable", Err: err}
		}
		defer resp.Body.Close()
		c.limiter.Observe(resp.Header)

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return resp, &Error{Code: CodeUpstreamUnavailable, Status: resp.StatusCode, Message: "reading backend response", Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, errorFromResponse(resp.StatusCode, data)
		}
		return resp, nil
	})

	entry := c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if resp != nil {
		entry = entry.WithField("status", resp.StatusCode)
	}
	if err != nil {
		entry.WithError(err).Warn("backend request failed")
		return nil, err
	}
	entry.Debug("backend request completed")
	return data, nil
}

func (c *Client) execute(fn func() (*http.Response, error)) (*http.Response, error) {
	if c.breaker == nil {
		return fn()
	}
	resp, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Code: CodeUpstreamUnavailable, Message: "backend temporarily unavailable", Err: err}
	}
	return resp, err
}
