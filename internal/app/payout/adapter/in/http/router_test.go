package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JoeShih716/go-payout-engine/internal/app/payout/adapter/out/provider"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/domain"
	"github.com/JoeShih716/go-payout-engine/internal/app/payout/usecase"
)

// MockCallbackHandler 記錄收到的 body 與簽章
type MockCallbackHandler struct {
	Result *usecase.ApplyResult
	Err    error

	Body      string
	Signature string
	CallCount int
}

func (m *MockCallbackHandler) HandleCallback(_ context.Context, body []byte, signature string) (*usecase.ApplyResult, error) {
	m.CallCount++
	m.Body = string(body)
	m.Signature = signature
	return m.Result, m.Err
}

func postWebhook(h http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(body))
	req.Header.Set(provider.SignatureHeader, signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestProviderWebhook(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKey    string
		wantValue  any
	}{
		{"applied outcome", nil, http.StatusOK, "applied", true},
		{"invalid signature", domain.ErrInvalidSignature, http.StatusUnauthorized, "error", "invalid signature"},
		{"ignored event", fmt.Errorf("%w: charge.success", domain.ErrIgnoredCallback), http.StatusOK, "status", "ignored"},
		{"malformed payload", &domain.ValidationError{Field: "data.reference", Reason: "is required"}, http.StatusBadRequest, "error", "validation failed: data.reference is required"},
		{"store unavailable", errors.New("database is down"), http.StatusInternalServerError, "error", "temporarily unavailable"},
	}

	for _, tt := range tests {
		t.Run("Given "+tt.name+" When the provider calls back Then "+http.StatusText(tt.wantStatus), func(t *testing.T) {
			mock := &MockCallbackHandler{Err: tt.err}
			if tt.err == nil {
				mock.Result = &usecase.ApplyResult{AggregateID: "agg-1", Status: domain.AggregatePaid, Applied: true}
			}
			router := NewRouter(mock, nil, nil)

			rec := postWebhook(router, `{"event":"transfer.success"}`, "abc123")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decode(t, rec)[tt.wantKey]; got != tt.wantValue {
				t.Errorf("%s = %v, want %v", tt.wantKey, got, tt.wantValue)
			}
			if mock.Body != `{"event":"transfer.success"}` || mock.Signature != "abc123" {
				t.Errorf("handler got body=%q signature=%q", mock.Body, mock.Signature)
			}
		})
	}

	t.Run("Given an applied outcome When responding Then the aggregate id is echoed", func(t *testing.T) {
		mock := &MockCallbackHandler{Result: &usecase.ApplyResult{AggregateID: "agg-9", Applied: false}}
		rec := postWebhook(NewRouter(mock, nil, nil), `{}`, "sig")
		body := decode(t, rec)
		if body["aggregate_id"] != "agg-9" || body["applied"] != false {
			t.Errorf("unexpected body %v", body)
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
		}
	})

	t.Run("Given a GET When calling the webhook Then method not allowed", func(t *testing.T) {
		mock := &MockCallbackHandler{}
		req := httptest.NewRequest(http.MethodGet, "/webhooks/provider", nil)
		rec := httptest.NewRecorder()
		NewRouter(mock, nil, nil).ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed || mock.CallCount != 0 {
			t.Errorf("status = %d calls = %d", rec.Code, mock.CallCount)
		}
	})
}

func TestHealthz(t *testing.T) {
	get := func(h http.Handler) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec
	}

	t.Run("Given no health check Then ok", func(t *testing.T) {
		rec := get(NewRouter(&MockCallbackHandler{}, nil, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("Given a failing health check Then unavailable", func(t *testing.T) {
		check := func(context.Context) error { return errors.New("ping failed") }
		rec := get(NewRouter(&MockCallbackHandler{}, check, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rec.Code)
		}
		if decode(t, rec)["error"] != "ping failed" {
			t.Errorf("body = %s", rec.Body.String())
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(&MockCallbackHandler{}, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output is missing the go collector")
	}
}
