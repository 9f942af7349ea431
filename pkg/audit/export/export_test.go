package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/pkg/audit"
)

type stubLogger struct {
	entries []*audit.Entry
	gotFilt *audit.QueryFilter
}

func (s *stubLogger) Log(ctx context.Context, entry *audit.Entry) error { return nil }

func (s *stubLogger) Query(ctx context.Context, filter *audit.QueryFilter) ([]*audit.Entry, error) {
	s.gotFilt = filter
	return s.entries, nil
}

func (s *stubLogger) Close() error { return nil }

func sampleEntries() []*audit.Entry {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	return []*audit.Entry{
		{
			ID: "1", Timestamp: now, Service: "health-prober", Method: "WORKER_MODEL_LOADED",
			Action: audit.ActionHealthCheck, Outcome: audit.OutcomeSuccess, ResourceID: "i-1", DurationMs: 120,
		},
		{
			ID: "2", Timestamp: now.Add(time.Minute), Service: "orchestrator", Method: "provision",
			Action: audit.ActionProvision, Outcome: audit.OutcomeFailure, ResourceID: "i-2", DurationMs: 45,
			ErrorCode: "timeout", ErrorMessage: "dial tcp: timeout",
		},
	}
}

func TestFetch_AppliesDefaultLimit(t *testing.T) {
	log := &stubLogger{entries: sampleEntries()}
	entries, err := Fetch(context.Background(), log, Window{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.NotNil(t, log.gotFilt)
	assert.Equal(t, DefaultLimit, log.gotFilt.Limit)
	assert.Nil(t, log.gotFilt.StartTime)
	assert.Nil(t, log.gotFilt.EndTime)
}

func TestFetch_PassesWindowBounds(t *testing.T) {
	log := &stubLogger{entries: sampleEntries()}
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	_, err := Fetch(context.Background(), log, Window{Start: start, End: end, Service: "orchestrator", Limit: 10})
	require.NoError(t, err)
	require.NotNil(t, log.gotFilt)
	assert.Equal(t, &start, log.gotFilt.StartTime)
	assert.Equal(t, &end, log.gotFilt.EndTime)
	assert.Equal(t, "orchestrator", log.gotFilt.Service)
	assert.Equal(t, 10, log.gotFilt.Limit)
}

func TestRenderPDF_ProducesNonEmptyDocument(t *testing.T) {
	data, err := RenderPDF(sampleEntries(), Window{})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestRenderPDF_EmptyEntries(t *testing.T) {
	data, err := RenderPDF(nil, Window{})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestRenderXLSX_ProducesNonEmptyWorkbook(t *testing.T) {
	data, err := RenderXLSX(sampleEntries(), Window{})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	// XLSX files are zip archives; the zip local file header signature is "PK\x03\x04".
	assert.Equal(t, "PK\x03\x04", string(data[:4]))
}

func TestWindowLabel(t *testing.T) {
	assert.Equal(t, "open .. open", windowLabel(Window{}))

	start := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	got := windowLabel(Window{Start: start})
	assert.Contains(t, got, "2026-07-01 09:30")
	assert.Contains(t, got, "open")
}
