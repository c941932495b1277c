package client

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// mockServer creates an httptest server from method+pattern handlers.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		Jitter:          0.2,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     5,
	}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{
		Host:          serverURL,
		Token:         "test-token",
		Retry:         fastRetry(),
		WatchInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Host: "not a url"})
	require.Error(t, err)
	assert.True(t, plxerrors.Is(err, plxerrors.KindInvalidInput))
}

func TestGetRunSendsToken(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"uuid": "u1", "status": "running", "custom": 1})
		},
	})

	run, err := newTestClient(t, srv.URL).GetRun(context.Background(), "acme", "vision", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", run.UUID)
	assert.Equal(t, types.StatusRunning, run.Status)
	assert.Contains(t, run.Extra, "custom")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   plxerrors.Kind
	}{
		{http.StatusUnauthorized, plxerrors.KindPermissionDenied},
		{http.StatusForbidden, plxerrors.KindPermissionDenied},
		{http.StatusNotFound, plxerrors.KindNotFound},
		{http.StatusBadRequest, plxerrors.KindRemoteFailure},
		{http.StatusConflict, plxerrors.KindRemoteFailure},
		{http.StatusServiceUnavailable, plxerrors.KindRemoteFailure},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /api/v1/acme/vision/runs/u1": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, map[string]any{"detail": "nope"})
				},
			})
			_, err := newTestClient(t, srv.URL).GetRun(context.Background(), "acme", "vision", "u1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, plxerrors.KindOf(err), "err: %v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestRetryTransientThenSucceed(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"uuid": "u1"})
		},
	})

	run, err := newTestClient(t, srv.URL).GetRun(context.Background(), "acme", "vision", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", run.UUID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhaustionIsRemoteFailure(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})

	_, err := newTestClient(t, srv.URL).GetRun(context.Background(), "acme", "vision", "u1")
	require.Error(t, err)
	assert.Equal(t, plxerrors.KindRemoteFailure, plxerrors.KindOf(err))
	assert.Equal(t, int32(5), calls.Load())
	assert.Contains(t, err.Error(), "after 5 attempts")
}

func TestNonIdempotentPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/acme/vision/runs/u1/restart": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	_, err := newTestClient(t, srv.URL).RestartRun(context.Background(), "acme", "vision", "u1", CloneBody{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, plxerrors.KindRemoteFailure, plxerrors.KindOf(err))
}

func TestIdempotentActionsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/acme/vision/runs/u1/approve": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		},
	})

	err := newTestClient(t, srv.URL).ApproveRun(context.Background(), "acme", "vision", "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelledContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).GetRun(ctx, "acme", "vision", "u1")
	require.Error(t, err)
	assert.Equal(t, plxerrors.KindCancelled, plxerrors.KindOf(err))
}

func TestRestartBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/acme/vision/runs/u1/restart": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Nil(t, body["name"])
			assert.Nil(t, body["tags"])
			assert.Equal(t, true, body["copy"])
			assert.Equal(t, false, body["recompile"])
			assert.Equal(t, []any{"outputs/model"}, body["copy_dirs"])
			assert.Equal(t, []any{}, body["copy_files"])
			writeJSON(w, http.StatusCreated, map[string]any{"uuid": "u2"})
		},
	})

	content := "run: {}"
	run, err := newTestClient(t, srv.URL).RestartRun(context.Background(), "acme", "vision", "u1", CloneBody{
		Content:  &content,
		Copy:     true,
		CopyDirs: []string{"outputs/model"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u2", run.UUID)
}

func TestListRunsEncodesParams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "0", q.Get("limit"))
			assert.Equal(t, "created_at", q.Get("sort"))
			assert.Equal(t, "status:created|running, metrics.loss:<=0.2", q.Get("query"))
			writeJSON(w, http.StatusOK, map[string]any{"count": 12, "results": []any{}})
		},
	})

	resp, err := newTestClient(t, srv.URL).ListRuns(context.Background(), "acme", "vision", ListParams{
		Limit: Int(0),
		Sort:  "created_at",
		Query: "status:created|running,metrics.loss:<=0.2",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, resp.Count)
	assert.Empty(t, resp.Results)
}

func TestListRunsRejectsBadQueryLocally(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs": func(w http.ResponseWriter, r *http.Request) { calls.Add(1) },
	})

	_, err := newTestClient(t, srv.URL).ListRuns(context.Background(), "acme", "vision", ListParams{Query: "status"})
	require.Error(t, err)
	assert.Equal(t, plxerrors.KindInvalidInput, plxerrors.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestUploadRunArtifact(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /api/v1/acme/vision/runs/u1/artifacts/upload": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "outputs", r.URL.Query().Get("path"))
			assert.Equal(t, "false", r.URL.Query().Get("overwrite"))
			_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			require.NoError(t, err)
			mr := multipart.NewReader(r.Body, params["boundary"])
			part, err := mr.NextPart()
			require.NoError(t, err)
			assert.Equal(t, "model.bin", part.FileName())
			data, _ := io.ReadAll(part)
			assert.Equal(t, "weights", string(data))
			w.WriteHeader(http.StatusOK)
		},
	})

	err := newTestClient(t, srv.URL).UploadRunArtifact(context.Background(), "acme", "vision", "u1",
		"model.bin", strings.NewReader("weights"), UploadOptions{Path: "outputs"})
	require.NoError(t, err)
}

func TestDownloadRunArtifactStreams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /streams/v1/plx/acme/vision/runs/u1/artifact": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "outputs/a.txt", r.URL.Query().Get("path"))
			_, _ = w.Write([]byte("hello"))
		},
	})

	body, err := newTestClient(t, srv.URL).DownloadRunArtifact(context.Background(),
		RunRef{Namespace: "plx", Owner: "acme", Project: "vision", UUID: "u1"}, "outputs/a.txt")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWatchStatusesYieldsChangesUntilTerminal(t *testing.T) {
	responses := []types.StatusesResponse{
		{Status: types.StatusScheduled, StatusConditions: []types.StatusCondition{{Type: types.StatusScheduled, Status: types.ConditionTrue}}},
		{Status: types.StatusScheduled, StatusConditions: []types.StatusCondition{{Type: types.StatusScheduled, Status: types.ConditionTrue}}},
		{Status: types.StatusRunning, StatusConditions: []types.StatusCondition{
			{Type: types.StatusScheduled, Status: types.ConditionTrue},
			{Type: types.StatusRunning, Status: types.ConditionTrue},
		}},
		{Status: types.StatusSucceeded, StatusConditions: []types.StatusCondition{
			{Type: types.StatusScheduled, Status: types.ConditionTrue},
			{Type: types.StatusRunning, Status: types.ConditionTrue},
			{Type: types.StatusSucceeded, Status: types.ConditionTrue},
		}},
	}
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1/statuses": func(w http.ResponseWriter, r *http.Request) {
			i := int(calls.Add(1)) - 1
			if i >= len(responses) {
				i = len(responses) - 1
			}
			writeJSON(w, http.StatusOK, responses[i])
		},
	})

	var seen []types.Status
	for ev, err := range newTestClient(t, srv.URL).WatchStatuses(context.Background(), "acme", "vision", "u1") {
		require.NoError(t, err)
		seen = append(seen, ev.Status)
	}
	assert.Equal(t, []types.Status{types.StatusScheduled, types.StatusRunning, types.StatusSucceeded}, seen)
}

func TestWatchStatusesCancellation(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/acme/vision/runs/u1/statuses": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.StatusesResponse{Status: types.StatusRunning})
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotErr error
	events := 0
	for _, err := range newTestClient(t, srv.URL).WatchStatuses(ctx, "acme", "vision", "u1") {
		if err != nil {
			gotErr = err
			break
		}
		events++
		cancel()
	}
	assert.Equal(t, 1, events)
	require.Error(t, gotErr)
	assert.Equal(t, plxerrors.KindCancelled, plxerrors.KindOf(gotErr))
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, "/api/v1/acme/p/runs/{uuid}/stop", routeOf("/api/v1/acme/p/runs/8aac02e3a62a4f0aaa257c59da5eab80/stop"))
	assert.Equal(t, "/api/v1/acme/p/runs", routeOf("/api/v1/acme/p/runs"))
}
