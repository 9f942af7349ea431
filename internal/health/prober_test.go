package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/config"
)

type capturingAuditLogger struct {
	mu      sync.Mutex
	entries map[string]*audit.Entry
}

func newCapturingAuditLogger() *capturingAuditLogger {
	return &capturingAuditLogger{entries: make(map[string]*audit.Entry)}
}

func (c *capturingAuditLogger) Log(_ context.Context, entry *audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.ID == "" {
		return nil
	}
	existing, ok := c.entries[entry.ID]
	if !ok {
		cp := *entry
		c.entries[entry.ID] = &cp
		return nil
	}
	existing.Outcome = entry.Outcome
	existing.DurationMs = entry.DurationMs
	existing.ErrorMessage = entry.ErrorMessage
	return nil
}

func (c *capturingAuditLogger) Query(context.Context, *audit.QueryFilter) ([]*audit.Entry, error) {
	return nil, nil
}

func (c *capturingAuditLogger) Close() error { return nil }

func (c *capturingAuditLogger) find(method string) *audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Method == method {
			return e
		}
	}
	return nil
}

func newTestProber(cfg config.HealthConfig, provCfg config.ProvisioningConfig) *Prober {
	return &Prober{
		cfg:                cfg,
		provCfg:            provCfg,
		log:                slog.New(slog.NewTextHandler(testWriter{}, nil)),
		lastStepLogSuccess: make(map[string]bool),
		lastStepLogFailure: make(map[string]time.Time),
	}
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testServerAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestProbeModelLoaded_Success_RecordsAuditEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelsResponse{Data: []struct {
			ID string `json:"id"`
		}{{ID: "meta/llama-3-70b"}}})
	}))
	defer srv.Close()
	host, port := testServerAddr(t, srv)

	auditLog := newCapturingAuditLogger()
	prevAudit := audit.Get()
	audit.SetGlobal(auditLog)
	defer audit.SetGlobal(prevAudit)

	p := newTestProber(config.HealthConfig{ReadyzOverallTimeout: time.Second}, config.ProvisioningConfig{EnginePort: port})
	inst := &store.Instance{ID: "inst-1", Address: &host, EnginePort: &port}

	ok, err := p.probeModelLoaded(context.Background(), inst, "meta/llama-3-70b")
	require.NoError(t, err)
	assert.True(t, ok)

	entry := auditLog.find("WORKER_MODEL_LOADED")
	require.NotNil(t, entry)
	assert.Equal(t, audit.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "instance", entry.Resource)
	assert.Equal(t, "inst-1", entry.ResourceID)
}

func TestProbeModelLoaded_ModelAbsent_RecordsFailureAuditEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(modelsResponse{Data: []struct {
			ID string `json:"id"`
		}{{ID: "other/model"}}})
	}))
	defer srv.Close()
	host, port := testServerAddr(t, srv)

	auditLog := newCapturingAuditLogger()
	prevAudit := audit.Get()
	audit.SetGlobal(auditLog)
	defer audit.SetGlobal(prevAudit)

	p := newTestProber(config.HealthConfig{ReadyzOverallTimeout: time.Second}, config.ProvisioningConfig{EnginePort: port})
	inst := &store.Instance{ID: "inst-2", Address: &host, EnginePort: &port}

	ok, err := p.probeModelLoaded(context.Background(), inst, "meta/llama-3-70b")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := auditLog.find("WORKER_MODEL_LOADED")
	require.NotNil(t, entry)
	assert.Equal(t, audit.OutcomeFailure, entry.Outcome)
	assert.Equal(t, "model not loaded", entry.ErrorMessage)
}

func TestHealthAndEnginePort_FallBackToProvisioningDefaults(t *testing.T) {
	p := newTestProber(config.HealthConfig{}, config.ProvisioningConfig{EnginePort: 8000, HealthPort: 8080})
	inst := &store.Instance{ID: "inst-3"}

	assert.Equal(t, 8000, p.enginePort(inst))
	assert.Equal(t, 8080, p.healthPort(inst))

	enginePort, healthPort := 9001, 9090
	inst.EnginePort = &enginePort
	inst.HealthPort = &healthPort
	assert.Equal(t, 9001, p.enginePort(inst))
	assert.Equal(t, 9090, p.healthPort(inst))
}
