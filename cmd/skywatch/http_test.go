package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skywatch/internal/config"
	"skywatch/internal/pipeline"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	cfg := config.Default()
	cfg.Detection.Mode = string(pipeline.DetectionModeDisabled)
	cfg.Alert.CaptureDir = t.TempDir()

	a, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })

	srv := httptest.NewServer(newRouter(a, cfg.Alert.CaptureDir, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv, cfg
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRouterEndpoints(t *testing.T) {
	srv, cfg := newTestServer(t)

	resp, body := get(t, srv.URL+"/health", http.Header{"Origin": {"http://dashboard.local"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.JSONEq(t, `{"status":"ok","streams":[]}`, body)

	resp, body = get(t, srv.URL+"/fps", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, body)

	resp, body = get(t, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "skywatch_active_streams")

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Alert.CaptureDir, "Gate1_0badcafe.jpg"), []byte("jpeg"), 0o644))
	resp, body = get(t, srv.URL+"/captures/Gate1_0badcafe.jpg", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jpeg", body)

	resp, _ = get(t, srv.URL+"/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewAppRejectsUnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Detection.Mode = "sometimes"
	_, err := newApp(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
