package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		wantStr string
	}{
		{
			name:    "simple error",
			err:     &Error{Code: CodeNotFoundRun, Message: "run not found: abc"},
			wantStr: "run not found: abc",
		},
		{
			name: "error with cause",
			err: &Error{
				Code:    CodeAPIRemote,
				Message: "GET /runs failed",
				Cause:   errors.New("underlying"),
			},
			wantStr: "GET /runs failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantStr {
				t.Errorf("Error() = %q, want %q", got, tt.wantStr)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeIOReadError, "read", underlying)
	if !errors.Is(err, underlying) {
		t.Errorf("errors.Is should find the cause")
	}
}

func TestError_MarshalJSON(t *testing.T) {
	err := RunNotFound("u1").WithCause(errors.New("404"))
	data, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("marshal: %v", mErr)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != CodeNotFoundRun {
		t.Errorf("code = %v", decoded["code"])
	}
	if decoded["cause"] != "404" {
		t.Errorf("cause = %v", decoded["cause"])
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"input", InvalidInput("bad flag"), KindInvalidInput},
		{"query", InvalidQuery("x", "y"), KindInvalidInput},
		{"not found", RunNotFound("u"), KindNotFound},
		{"permission", New(CodePermissionDenied, "no"), KindPermissionDenied},
		{"transient", New(CodeAPITransient, "503"), KindTransientAPIError},
		{"remote", New(CodeAPIRemote, "400"), KindRemoteFailure},
		{"transition", InvalidTransition("u", "succeeded", "running"), KindInvalidTransition},
		{"state", InvalidState("u", "approve", "running"), KindInvalidTransition},
		{"executor", ExecutorUnavailable("docker", "daemon down"), KindExecutorUnavailable},
		{"io", IOWriteError("/tmp/x", errors.New("disk")), KindLocalIOError},
		{"cancelled", Cancelled("logs", "u"), KindCancelled},
		{"context canceled", fmt.Errorf("waiting: %w", context.Canceled), KindCancelled},
		{"wrapped", fmt.Errorf("op: %w", RunNotFound("u")), KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(RunNotFound("u")); got != 1 {
		t.Errorf("ExitCode(not found) = %d", got)
	}
	if got := ExitCode(Cancelled("logs", "u")); got != 1 {
		t.Errorf("ExitCode(cancelled) = %d", got)
	}
	if got := ExitCode(errors.New("nil pointer")); got != 2 {
		t.Errorf("ExitCode(internal) = %d", got)
	}
}

func TestAggregate(t *testing.T) {
	if err := Aggregate("upload", 3, []error{nil, nil}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	errA := errors.New("a failed")
	err := Aggregate("upload", 3, []error{errA, nil, errors.New("c failed")})
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !errors.Is(err, errA) {
		t.Errorf("aggregate should keep individual causes")
	}
	if KindOf(err) != KindLocalIOError {
		t.Errorf("kind = %q", KindOf(err))
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Details["failed"] != 2 {
		t.Errorf("expected 2 failures in details, got %+v", perr)
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", RunNotFound("u"))
	if !HasCode(err, CodeNotFoundRun) {
		t.Error("HasCode should unwrap")
	}
	if Code(err) != CodeNotFoundRun {
		t.Errorf("Code() = %q", Code(err))
	}
	if Code(errors.New("x")) != "" {
		t.Error("Code of plain error should be empty")
	}
}
