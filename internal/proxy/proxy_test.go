package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/pkg/apperror"
)

func TestParseUsage_PlainJSON(t *testing.T) {
	body := []byte(`{"id":"resp-1","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)

	u := parseUsage(body)
	require.NotNil(t, u)
	assert.Equal(t, 10, u.PromptTokens)
	assert.Equal(t, 20, u.CompletionTokens)
	assert.Equal(t, 30, u.TotalTokens)
}

func TestParseUsage_PlainJSON_NoUsageField(t *testing.T) {
	body := []byte(`{"id":"resp-1"}`)
	assert.Nil(t, parseUsage(body))
}

func TestParseUsage_Empty(t *testing.T) {
	assert.Nil(t, parseUsage(nil))
	assert.Nil(t, parseUsage([]byte{}))
}

func TestParseUsage_SSE_TakesLastUsageChunk(t *testing.T) {
	body := []byte(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`,
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`data: [DONE]`,
	}, "\n"))

	u := parseUsage(body)
	require.NotNil(t, u)
	assert.Equal(t, 2, u.CompletionTokens)
	assert.Equal(t, 7, u.TotalTokens)
}

func TestParseUsage_SSE_NoUsageChunks(t *testing.T) {
	body := []byte(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: [DONE]`,
	}, "\n"))

	assert.Nil(t, parseUsage(body))
}

func TestParseUsage_SSE_MalformedLinesIgnored(t *testing.T) {
	body := []byte(strings.Join([]string{
		`data: not-json`,
		`data: {"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
	}, "\n"))

	u := parseUsage(body)
	require.NotNil(t, u)
	assert.Equal(t, 2, u.TotalTokens)
}

type closeCountingReader struct {
	io.Reader
	closed bool
}

func (c *closeCountingReader) Close() error {
	c.closed = true
	return nil
}

func TestUsageTrackingBody_ReadPassesThroughAndBuffers(t *testing.T) {
	underlying := &closeCountingReader{Reader: strings.NewReader(`{"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`)}
	rc := newUsageTrackingBody(underlying, "inst-1", "meta/llama-3-70b")

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "prompt_tokens")

	require.NoError(t, rc.Close())
	assert.True(t, underlying.closed)
}

func TestUsageTrackingBody_CapsBufferedBytes(t *testing.T) {
	big := strings.Repeat("x", maxUsageBodyBytes+1024)
	underlying := &closeCountingReader{Reader: strings.NewReader(big)}
	rc := newUsageTrackingBody(underlying, "inst-1", "m").(*usageTrackingBody)

	_, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.LessOrEqual(t, rc.buf.Len(), maxUsageBodyBytes)
}

func TestWriteRouteError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	err := apperror.New(apperror.CodeNoReadyWorker, apperror.KindFatal, "no ready worker for model")

	writeRouteError(w, err)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no ready worker for model")
}

func TestWriteRouteError_GenericError(t *testing.T) {
	w := httptest.NewRecorder()
	writeRouteError(w, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "routing failed")
}
