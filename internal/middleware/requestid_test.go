package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var gotID string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))

	if _, err := uuid.Parse(gotID); err != nil {
		t.Errorf("request id %q is not a UUID: %v", gotID, err)
	}
	if h := w.Header().Get(RequestIDHeader); h != gotID {
		t.Errorf("%s = %q, want %q", RequestIDHeader, h, gotID)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	var gotID string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotID != "trace-abc" {
		t.Errorf("request id = %q, want %q", gotID, "trace-abc")
	}
	if h := w.Header().Get(RequestIDHeader); h != "trace-abc" {
		t.Errorf("%s = %q, want %q", RequestIDHeader, h, "trace-abc")
	}
}

func TestRequestIDMiddleware_ReplacesOversizedID(t *testing.T) {
	var gotID string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if _, err := uuid.Parse(gotID); err != nil {
		t.Errorf("oversized id should be replaced with a UUID, got %q", gotID)
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id, ok := RequestIDFromContext(req.Context()); ok {
		t.Errorf("RequestIDFromContext = (%q, true), want false", id)
	}
}
