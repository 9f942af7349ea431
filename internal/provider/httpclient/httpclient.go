// Package httpclient is the shared HTTP client wrapper every provider
// adapter uses to talk to a cloud REST API, applying the pinned connect
// and overall timeouts (§4.1: 5s / 20s) and classifying transport failures
// into *apperror.Error so adapters never leak raw net/http errors.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/inventiv/fleet/pkg/apperror"
)

// Client wraps http.Client with the provider adapter's pinned timeouts and
// a small JSON request/response convenience layer.
type Client struct {
	http    *http.Client
	baseURL string
	headers map[string]string
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Headers        map[string]string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// New builds a Client. Zero-value timeouts fall back to the provider
// adapter's pinned defaults (§4.1).
func New(opts Options) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: callTimeout,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   callTimeout,
		},
		baseURL: opts.BaseURL,
		headers: opts.Headers,
	}
}

// DoJSON issues method against path (relative to BaseURL) with body
// marshaled as JSON (or nil), decoding the response into out (or
// discarding it if out is nil). Non-2xx responses classify as
// apperror.KindRetryableTransient for 429/502/503/504 and
// apperror.KindFatal otherwise.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, apperror.KindFatal, "encode request body")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, apperror.KindFatal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperror.Wrap(err, apperror.CodeInternal, apperror.KindTimeout, "provider request timed out")
		}
		return apperror.Wrap(err, apperror.CodeInternal, apperror.KindRetryableTransient, "provider request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, apperror.KindRetryableTransient, "read provider response")
	}

	if resp.StatusCode >= 300 {
		kind := apperror.KindFatal
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			kind = apperror.KindRetryableTransient
		}
		return apperror.New(apperror.CodeInternal, kind,
			fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(respBody))).
			WithDetails("status_code", resp.StatusCode).WithDetails("body", string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, apperror.KindFatal, "decode provider response")
		}
	}
	return nil
}
