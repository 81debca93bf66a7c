package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	runErr := fn()
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), runErr
}

func TestFPSCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fps", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"north":29.9,"gate":14.5}`))
	}))
	defer srv.Close()

	rootCmd.SetArgs([]string{"fps", "--server", srv.URL})
	out, err := captureStdout(t, rootCmd.Execute)
	require.NoError(t, err)
	assert.Contains(t, out, "gate    14.5")
	assert.Contains(t, out, "north   29.9")
}

func TestTerminateCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not found"}`))
	}))
	defer srv.Close()

	rootCmd.SetArgs([]string{"terminate", "Gate1", "--server", srv.URL})
	out, err := captureStdout(t, rootCmd.Execute)
	assert.Error(t, err)
	assert.Equal(t, "Gate1: Not found\n", out)
}
