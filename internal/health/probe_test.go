package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyzProbe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/readyz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	err := readyzProbe(context.Background(), host, port, time.Second, time.Second)
	assert.NoError(t, err)
}

func TestReadyzProbe_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	err := readyzProbe(context.Background(), host, port, time.Second, time.Second)
	assert.Error(t, err)
}

func TestSSHReachableProbe_ConnectionRefused(t *testing.T) {
	// sshReachableProbe dials <address>:22; nothing listens on port 22 in
	// the test sandbox, so this exercises the failure path deterministically.
	err := sshReachableProbe(context.Background(), "127.0.0.1", 50*time.Millisecond)
	assert.Error(t, err)
}

func TestModelsProbe_ModelPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(modelsResponse{Data: []struct {
			ID string `json:"id"`
		}{{ID: "meta/llama-3-70b"}}})
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	ok, err := modelsProbe(context.Background(), host, port, "meta/llama-3-70b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestModelsProbe_ModelAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelsResponse{Data: []struct {
			ID string `json:"id"`
		}{{ID: "other/model"}}})
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	ok, err := modelsProbe(context.Background(), host, port, "meta/llama-3-70b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModelsProbe_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	_, err := modelsProbe(context.Background(), host, port, "meta/llama-3-70b", time.Second)
	assert.Error(t, err)
}

func TestWarmupProbe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	err := warmupProbe(context.Background(), host, port, "meta/llama-3-70b", time.Second)
	assert.NoError(t, err)
}

func TestWarmupProbe_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	err := warmupProbe(context.Background(), host, port, "meta/llama-3-70b", time.Second)
	assert.Error(t, err)
}

// splitTestServer returns the loopback host and numeric port of an
// httptest.Server so the address-string-building probes can be exercised
// directly without hardcoding a port.
func splitTestServer(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
