package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	startup := NewStartupCompleteChecker()
	healthy := CheckerFunc(func() error { return nil })
	mc := NewMultiChecker(startup, healthy)
	assert.Error(t, mc.Check())

	startup.MarkComplete()
	assert.NoError(t, mc.Check())

	mc.Add(CheckerFunc(func() error { return errors.New("backend unreachable") }))
	assert.EqualError(t, mc.Check(), "backend unreachable")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	startup := NewStartupCompleteChecker()
	mux := http.NewServeMux()
	SetupHttpMux(mux, startup)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "startup is not complete", rec.Body.String())

	startup.MarkComplete()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthCheckHttpHandler_Methods(t *testing.T) {
	startup := NewStartupCompleteChecker()
	handler := Handler(startup)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Body.String())
}
