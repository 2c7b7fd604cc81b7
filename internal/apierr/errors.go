package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrSessionExpired = errors.New("session expired")
	ErrNetwork        = errors.New("network error")
	ErrPermission     = errors.New("permission denied")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%v: %v", ErrSessionExpired, e.Cause)
}

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

// RemoteAPIError is a non-2xx response from a remote API.
type RemoteAPIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *RemoteAPIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote api: %d %s (%s)", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("remote api: %d %s", e.Status, e.Message)
}

type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrNetwork, e.Err)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }

// PermissionError marks a 403 on an auxiliary scope. It signals reduced
// functionality rather than a failed sync.
type PermissionError struct {
	Scope string
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Scope, ErrPermission, e.Err)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

func (e *PermissionError) Unwrap() error { return e.Err }

type InvalidConfigurationError struct {
	Feature string
	Value   string
	Reason  string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v %q: %s", e.Feature, ErrInvalidConfig, e.Value, e.Reason)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfig }

func StatusOf(err error) int {
	var remote *RemoteAPIError
	if errors.As(err, &remote) {
		return remote.Status
	}
	return 0
}

func IsUnauthorized(err error) bool { return StatusOf(err) == http.StatusUnauthorized }

func IsForbidden(err error) bool { return StatusOf(err) == http.StatusForbidden }

func IsNotFound(err error) bool {
	s := StatusOf(err)
	return s == http.StatusNotFound || s == http.StatusGone
}

// AsPermission wraps 403 responses in a PermissionError for scope and returns
// every other error unchanged.
func AsPermission(scope string, err error) error {
	if err == nil || !IsForbidden(err) {
		return err
	}
	return &PermissionError{Scope: scope, Err: err}
}

type googleErrorBody struct {
	Error json.RawMessage `json:"error"`
	// OAuth token endpoints
	Description string `json:"error_description"`
	Message     string `json:"message"`
}

type googleErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// FromResponse builds a RemoteAPIError from a status code and raw body. It
// understands the Google error envelope, OAuth token errors and a bare
// {"message": ...}; anything else falls back to the status text.
func FromResponse(status int, body []byte) *RemoteAPIError {
	out := &RemoteAPIError{Status: status}
	var parsed googleErrorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		if len(parsed.Error) > 0 {
			var detail googleErrorDetail
			var code string
			switch {
			case json.Unmarshal(parsed.Error, &detail) == nil && detail.Message != "":
				out.Message = detail.Message
				out.Reason = detail.Status
			case json.Unmarshal(parsed.Error, &code) == nil:
				out.Reason = code
				out.Message = parsed.Description
			}
		}
		if out.Message == "" {
			out.Message = parsed.Message
		}
	}
	if strings.TrimSpace(out.Message) == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
