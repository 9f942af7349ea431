// Package proxy is the thin inference proxy surface (§6.4): it parses just
// enough of an OpenAI-compatible request to pick a model and an optional
// sticky session key, asks the Worker Routing Index for a target, and
// reverse-proxies the request there. It never inspects the rest of the
// payload and implements no authentication or validation of its own.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"golang.org/x/net/http2"

	"github.com/inventiv/fleet/internal/routing"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/logger"
	"github.com/inventiv/fleet/pkg/metrics"
)

// maxParsedBodyBytes bounds how much of the request body is buffered to
// look for "model"/"stream"; requests are still forwarded in full.
const maxParsedBodyBytes = 1 << 20 // 1 MiB

// maxUsageBodyBytes bounds how much of a response body is retained to parse
// the trailing usage-accounting object out of (§6.4 step 5); responses are
// still streamed to the caller in full regardless of this cap.
const maxUsageBodyBytes = 1 << 20 // 1 MiB

// usage mirrors the OpenAI-compatible usage accounting object that both
// streaming (final SSE chunk) and non-streaming responses carry.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type usagePayload struct {
	Usage *usage `json:"usage"`
}

type requestFields struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Proxy is the inference proxy handler.
type Proxy struct {
	idx        *routing.Index
	cfg        config.ProxyConfig
	enginePort int
	transport  http.RoundTripper
}

// New builds a Proxy. enginePort is the default worker engine port used
// when an instance has no per-instance override (§4.7).
func New(idx *routing.Index, cfg config.ProxyConfig, enginePort int) *Proxy {
	return &Proxy{
		idx:        idx,
		cfg:        cfg,
		enginePort: enginePort,
		transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				d := net.Dialer{Timeout: cfg.ConnectTimeout}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// ServeHTTP routes one inference request to a ready worker and streams the
// response back to the caller.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxParsedBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var fields requestFields
	_ = json.Unmarshal(body, &fields) // malformed/empty body routes on defaults

	stickyKey := ""
	if p.cfg.StickyHeaderName != "" {
		stickyKey = r.Header.Get(p.cfg.StickyHeaderName)
		if max := p.cfg.MaxStickyHeaderLen; max > 0 && len(stickyKey) > max {
			stickyKey = stickyKey[:max]
		}
	}

	target, err := p.idx.Route(r.Context(), fields.Model, stickyKey, p.enginePort)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	modelLabel := fields.Model

	targetURL, err := url.Parse(target.BaseURL)
	if err != nil {
		logger.Error("proxy: invalid target base url", "target", target.BaseURL, "error", err)
		http.Error(w, "invalid routing target", http.StatusInternalServerError)
		return
	}

	timeout := p.cfg.OverallTimeout
	if fields.Stream {
		timeout = p.cfg.StreamingTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	rp := httputil.NewSingleHostReverseProxy(targetURL)
	rp.Transport = p.transport
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		metrics.Get().RecordProxyRequest(target.InstanceID, modelLabel, "failed")
		logger.Error("proxy: upstream request failed", "instance_id", target.InstanceID, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		outcome := "success"
		if resp.StatusCode >= 400 {
			outcome = "failed"
		}
		metrics.Get().RecordProxyRequest(target.InstanceID, modelLabel, outcome)
		resp.Body = newUsageTrackingBody(resp.Body, target.InstanceID, modelLabel)
		return nil
	}

	r = r.WithContext(ctx)
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	rp.ServeHTTP(w, r)
}

// usageTrackingBody tees a proxied response body into a bounded buffer as it
// streams to the caller, then parses the accumulated bytes for an
// OpenAI-compatible usage accounting object once the body is fully drained
// (§6.4 steps 5-6: asynchronous usage collection from the final payload).
type usageTrackingBody struct {
	io.ReadCloser
	buf        bytes.Buffer
	instanceID string
	model      string
}

func newUsageTrackingBody(rc io.ReadCloser, instanceID, model string) io.ReadCloser {
	return &usageTrackingBody{ReadCloser: rc, instanceID: instanceID, model: model}
}

func (b *usageTrackingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && b.buf.Len() < maxUsageBodyBytes {
		remaining := maxUsageBodyBytes - b.buf.Len()
		if remaining > n {
			remaining = n
		}
		b.buf.Write(p[:remaining])
	}
	return n, err
}

func (b *usageTrackingBody) Close() error {
	err := b.ReadCloser.Close()
	instanceID, model, buf := b.instanceID, b.model, b.buf.Bytes()
	go func() {
		u := parseUsage(buf)
		if u == nil {
			return
		}
		metrics.Get().RecordProxyTokens(instanceID, model, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	}()
	return err
}

// parseUsage extracts the usage accounting object from either a plain JSON
// response body or a newline-delimited SSE stream of `data: {...}` chunks,
// taking the last chunk that carries one.
func parseUsage(body []byte) *usage {
	if len(body) == 0 {
		return nil
	}
	if body[0] == '{' {
		var p usagePayload
		if err := json.Unmarshal(body, &p); err == nil && p.Usage != nil {
			return p.Usage
		}
		return nil
	}

	var found *usage
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxUsageBodyBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "" || line == "[DONE]" {
			continue
		}
		var p usagePayload
		if err := json.Unmarshal([]byte(line), &p); err == nil && p.Usage != nil {
			found = p.Usage
		}
	}
	return found
}

func writeRouteError(w http.ResponseWriter, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		http.Error(w, appErr.Message, appErr.HTTPStatus())
		return
	}
	http.Error(w, "routing failed", http.StatusInternalServerError)
}
