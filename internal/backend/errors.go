package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes for comparison backend failures.
const (
	CodeQuotaExceeded       = "AI_QUOTA_EXCEEDED"
	CodeJobURLUnreachable   = "JOB_URL_UNREACHABLE"
	CodeUnsupportedFile     = "UNSUPPORTED_FILE"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

// Error is a classified failure from the comparison backend. Status is the
// upstream HTTP status, or zero when no response was received.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the status this error should be reported to clients with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeJobURLUnreachable, CodeUnsupportedFile:
		return http.StatusUnprocessableEntity
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// breakerFailure reports whether err means the backend itself is unhealthy.
func breakerFailure(err error) bool {
	be, ok := AsError(err)
	if !ok {
		return true
	}
	if be.Code == CodeUpstreamUnavailable {
		return !errors.Is(be.Err, context.Canceled)
	}
	return be.Code == CodeUpstreamError && be.Status >= http.StatusInternalServerError
}

const maxMessageLen = 512

// errorFromResponse builds an Error from a non-2xx response. An upstream
// code is kept when it is one we know; otherwise the message is classified.
func errorFromResponse(status int, body []byte) *Error {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)

	msg := payload.Error
	if msg == "" {
		msg = payload.Detail
	}
	if msg == "" && !json.Valid(body) {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := payload.Code
	if !knownCode(code) {
		code = classify(status, msg)
	}
	return &Error{Code: code, Status: status, Message: msg}
}

func knownCode(code string) bool {
	switch code {
	case CodeQuotaExceeded, CodeJobURLUnreachable, CodeUnsupportedFile,
		CodeUpstreamError, CodeUpstreamUnavailable, CodeInvalidRequest:
		return true
	}
	return false
}

func classify(status int, msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "xai api error: 403"),
		strings.Contains(lower, "insufficient") && strings.Contains(lower, "credit"),
		strings.Contains(lower, "quota"),
		status == http.StatusTooManyRequests:
		return CodeQuotaExceeded
	case strings.Contains(lower, "failed to fetch job posting"):
		return CodeJobURLUnreachable
	case strings.Contains(lower, "unsupported file"),
		status == http.StatusUnsupportedMediaType:
		return CodeUnsupportedFile
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeInvalidRequest
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return CodeUpstreamUnavailable
	default:
		return CodeUpstreamError
	}
}
