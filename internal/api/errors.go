// Package api provides the authenticated HTTP engine for the FluidZero
// service: bearer request execution with transient retry, one-shot 401
// replay after token recovery, the error-to-exit-code taxonomy, and the run
// lifecycle operations built on top of it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Process exit codes. Only main() converts errors to exits; every layer
// below returns an *ExitError (or a plain error, which maps to general).
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitAuthFailure      = 2
	ExitPermissionDenied = 3
	ExitNotFound         = 4
	ExitConflict         = 5
	ExitRunFailed        = 6
	ExitTimeout          = 7
	ExitNetworkError     = 10
)

// ExitError carries a user-facing message, an optional hint, and the process
// exit code. It satisfies error so it can propagate through normal returns.
type ExitError struct {
	Code    int
	Message string
	Hint    string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Exitf builds an ExitError with a formatted message and no hint.
func Exitf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExitCode extracts the exit code from an error chain. Plain errors map to
// the general error code; nil maps to success.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}

	return ExitGeneralError
}

// statusEntry is one row of the status taxonomy.
type statusEntry struct {
	code    int
	message string
	hint    string
}

var statusMap = map[int]statusEntry{
	http.StatusUnauthorized: {ExitAuthFailure, "Authentication failed", "Run `fz auth login` to re-authenticate."},
	http.StatusForbidden:    {ExitPermissionDenied, "Permission denied", ""},
	http.StatusNotFound:     {ExitNotFound, "Resource not found", ""},
	http.StatusConflict:     {ExitConflict, "Conflict", ""},
}

// extractDetail pulls the `detail` field from a JSON error body: either a
// string or an object with a `message` field. Returns "" when absent.
func extractDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(envelope.Detail, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return ""
}

// errorFromResponse maps an HTTP error response to an ExitError per the
// taxonomy: known statuses get dedicated codes, other 4xx are client errors,
// 5xx are server errors with a retry hint. A JSON `detail` field overrides
// the default message, and 401 responses are specialized by the
// WWW-Authenticate header.
func errorFromResponse(status int, header http.Header, body []byte) *ExitError {
	detail := extractDetail(body)

	var ee *ExitError

	switch entry, ok := statusMap[status]; {
	case ok:
		msg := detail
		if msg == "" {
			msg = entry.message
		}

		ee = &ExitError{Code: entry.code, Message: msg, Hint: entry.hint}
	case status >= 400 && status < 500:
		msg := detail
		if msg == "" {
			msg = fmt.Sprintf("Client error (%d)", status)
		}

		ee = &ExitError{Code: ExitGeneralError, Message: msg}
	default:
		msg := detail
		if msg == "" {
			msg = fmt.Sprintf("Server error (%d)", status)
		}

		ee = &ExitError{
			Code:    ExitGeneralError,
			Message: msg,
			Hint:    "The API returned an unexpected error. Try again later.",
		}
	}

	if status == http.StatusUnauthorized {
		wwwAuth := strings.ToLower(header.Get("WWW-Authenticate"))

		switch {
		case strings.Contains(wwwAuth, "revoked"):
			ee.Message = "Authentication failed: token has been revoked"
			ee.Hint = "Create new credentials and run `fz auth login`."
		case strings.Contains(wwwAuth, "expired"):
			ee.Message = "Authentication failed: token has expired"
			ee.Hint = "Run `fz auth login` to re-authenticate."
		}
	}

	return ee
}

// networkError wraps a connection, DNS, or timeout failure.
func networkError(err error) *ExitError {
	return &ExitError{
		Code:    ExitNetworkError,
		Message: fmt.Sprintf("Network error: %v", err),
		Hint:    "Check your network connection and API URL.",
	}
}
