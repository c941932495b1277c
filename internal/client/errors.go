package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

// maxErrorBody bounds how much of an error body ends up in messages.
const maxErrorBody = 512

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// parseErrorResponse extracts the server's message from an error body.
func parseErrorResponse(method, path string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Method: method, Path: path}

	var detail struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && (detail.Detail != "" || detail.Message != "") {
		apiErr.Message = detail.Detail
		if apiErr.Message == "" {
			apiErr.Message = detail.Message
		}
		return apiErr
	}

	// Field errors: {"name": ["already used"]}
	var fields map[string][]string
	if err := json.Unmarshal(body, &fields); err == nil && len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for field, msgs := range fields {
			parts = append(parts, field+": "+strings.Join(msgs, "; "))
		}
		sort.Strings(parts)
		apiErr.Message = strings.Join(parts, ", ")
		return apiErr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	apiErr.Message = msg
	return apiErr
}

// classify maps a transport or API error to the plx taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *plxerrors.Error
	if errors.As(err, &perr) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return plxerrors.Wrap(plxerrors.CodePermissionDenied, "permission denied", apiErr).
				WithDetail("status", apiErr.StatusCode)
		case apiErr.StatusCode == http.StatusNotFound:
			return plxerrors.Wrap(plxerrors.CodeNotFoundRun, "not found", apiErr).
				WithDetail("path", apiErr.Path)
		case retryableStatus[apiErr.StatusCode]:
			return plxerrors.Wrap(plxerrors.CodeAPITransient, "transient API error", apiErr).
				WithDetail("status", apiErr.StatusCode)
		default:
			return plxerrors.Wrap(plxerrors.CodeAPIRemote, "request rejected", apiErr).
				WithDetail("status", apiErr.StatusCode)
		}
	}

	if isRetryable(err) {
		return plxerrors.Wrap(plxerrors.CodeAPITransient, "network error", err)
	}
	return err
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return plxerrors.Is(err, plxerrors.KindNotFound)
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusConflict
	}
	return false
}
