package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := global
	global = zap.New(core)
	t.Cleanup(func() { global = prev })
	return logs
}

func TestMiddleware_AssignsRequestID(t *testing.T) {
	logs := observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		WithContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/records/bafyD", nil))

	if seen == "" {
		t.Fatal("request ID not propagated to handler context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header %q != context ID %q", got, seen)
	}

	handled := logs.FilterMessage("handled").All()
	if len(handled) != 1 || handled[0].ContextMap()["request_id"] != seen {
		t.Errorf("handler log not tagged with the request id: %+v", handled)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	if status := completed[0].ContextMap()["status"]; status != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v, want %d", status, http.StatusTeapot)
	}
	if completed[0].Level != zapcore.WarnLevel {
		t.Errorf("4xx logged at %v, want warn", completed[0].Level)
	}
}

func TestMiddleware_KeepsIncomingRequestID(t *testing.T) {
	observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "abc-123" {
		t.Errorf("request ID = %q, want abc-123", seen)
	}
}

func TestMiddleware_OutcomeLevels(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   zapcore.Level
	}{
		{"/health", http.StatusOK, zapcore.DebugLevel},
		{"/api/v1/records/x", http.StatusOK, zapcore.InfoLevel},
		{"/api/v1/records/x", http.StatusForbidden, zapcore.WarnLevel},
		{"/api/v1/records/x", http.StatusInternalServerError, zapcore.ErrorLevel},
		{"/health", http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		logs := observe(t)
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))

		entries := logs.FilterMessage("request completed").All()
		if len(entries) != 1 {
			t.Fatalf("%s %d: expected one completion log, got %d", tt.path, tt.status, len(entries))
		}
		if entries[0].Level != tt.want {
			t.Errorf("%s %d: level = %v, want %v", tt.path, tt.status, entries[0].Level, tt.want)
		}
	}
}

func TestNew_Levels(t *testing.T) {
	logger, err := New(Config{Level: "debug", OutputPath: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}

	logger, err = New(Config{Level: "loud", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) || !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("unknown level should fall back to info")
	}
}

func TestOr(t *testing.T) {
	nop := zap.NewNop()
	if Or(nop) != nop {
		t.Error("Or should return the given logger")
	}
	if Or(nil) == nil {
		t.Error("Or(nil) should fall back to the global logger")
	}
	if WithContext(context.Background()) == nil {
		t.Error("WithContext should never return nil")
	}
	if RequestID(context.Background()) != "" {
		t.Error("RequestID outside a request should be empty")
	}
}
