package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/agent/auth/login", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareLimitsPerIP(t *testing.T) {
	m, _ := newClocked(1, 2)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(m, "login", IPKeyFunc, func(*http.Request) string { return "req-1" }, nil)(ok)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:5001").Code)

	rec := serve(h, "10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2:5000").Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	assert.Equal(t, http.StatusOK, serve(Middleware(brokenLimiter{}, "login", IPKeyFunc, nil, nil)(ok), "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, serve(Middleware(nil, "login", IPKeyFunc, nil, nil)(ok), "10.0.0.1:1").Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", IPKeyFunc(req))
	req.RemoteAddr = "192.168.1.7:443"
	assert.Equal(t, "192.168.1.7", IPKeyFunc(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPKeyFunc(req))
}
