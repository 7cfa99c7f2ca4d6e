package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzHandle(t *testing.T) {
	var failing error
	h := NewHealthzServer(log.NewLogger(log.DiscardHandler()), func() error { return failing })

	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	failing = errors.New("controller stopped")
	rec = httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "controller stopped")
}

func TestHealthzServer(t *testing.T) {
	svc := New(log.NewLogger(log.DiscardHandler()))
	require.NoError(t, svc.StartHealthz("127.0.0.1", 0, nil))
	assert.Nil(t, svc.Healthz, "port 0 disables healthz")

	h := NewHealthzServer(log.NewLogger(log.DiscardHandler()), nil)
	require.NoError(t, h.Start("127.0.0.1", 0))
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	req, err := http.NewRequest(http.MethodGet, "http://"+h.Addr().String()+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
