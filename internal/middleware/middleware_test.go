package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/velotrack/geofence-backend/internal/middleware"
)

// serve wraps handler in AccessLog writing to buf at debug level and records
// one request to path.
func serve(t *testing.T, buf *bytes.Buffer, handler http.HandlerFunc, path string, skip ...string) *httptest.ResponseRecorder {
	t.Helper()

	l := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := middleware.AccessLog(l, skip...)(handler)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestAccessLog_RecordsStatusAndBytes verifies the logged line carries the
// status written by the handler and the response size.
func TestAccessLog_RecordsStatusAndBytes(t *testing.T) {
	var buf bytes.Buffer
	rec := serve(t, &buf, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("hello"))
	}, "/violations/backfill")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	line := buf.String()
	for _, want := range []string{"level=INFO", "status=202", "bytes=5", "path=/violations/backfill", "method=POST"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected log to contain %q, got: %q", want, line)
		}
	}
}

// TestAccessLog_ImplicitOK verifies a handler that only writes a body is
// logged as 200.
func TestAccessLog_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	serve(t, &buf, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}, "/health")

	if !strings.Contains(buf.String(), "status=200") {
		t.Errorf("expected status=200, got: %q", buf.String())
	}
}

// TestAccessLog_SkipPathsLogAtDebug verifies scrape paths are demoted to debug.
func TestAccessLog_SkipPathsLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	serve(t, &buf, func(w http.ResponseWriter, r *http.Request) {}, "/metrics", "/metrics")

	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Errorf("expected debug level, got: %q", buf.String())
	}
}

// TestAccessLog_ServerErrorsLogAtError verifies 5xx responses are logged as errors.
func TestAccessLog_ServerErrorsLogAtError(t *testing.T) {
	var buf bytes.Buffer
	serve(t, &buf, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}, "/metrics", "/metrics")

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected error level, got: %q", buf.String())
	}
}
