package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errMissing, Status: http.StatusNotFound, Message: "thing not found"},
		{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Body: map[string]bool{"accepted": false}},
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"mapped message", fmt.Errorf("get thing: %w", errMissing), http.StatusNotFound, `{"error":{"message":"thing not found"}}`},
		{"mapped body", context.DeadlineExceeded, http.StatusGatewayTimeout, `{"accepted":false}`},
		{"unmapped", errors.New("boom"), http.StatusInternalServerError, `{"error":{"message":"internal error"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestValidationError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationError(rec, errors.New("bad mode"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error struct {
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "validation error", body.Error.Message)
	assert.Equal(t, "bad mode", body.Error.Details)
}

func TestOperatorMiddleware(t *testing.T) {
	var got string
	h := OperatorMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = GetOperator(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"absent", "", ""},
		{"trimmed", "  alice  ", "alice"},
		{"truncated", strings.Repeat("x", 200), strings.Repeat("x", maxOperatorLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(OperatorHeader, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h := CORSMiddleware([]string{"http://admin.local"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/updates/status", nil)
	req.Header.Set("Origin", "http://admin.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://admin.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), OperatorHeader)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	var pattern string
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/queues/{queueID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		pattern = routePattern(r)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/qAbCd", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/queues/{queueID}", pattern)
	assert.Equal(t, "unknown", routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}
