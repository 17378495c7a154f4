// Package httputil provides the shared outbound HTTP plumbing used by the
// reporting sinks: a pooled transport, a JSON POST helper, and a small
// semaphore for bounding fire-and-forget work.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// maxDrain caps how much of an unwanted response body is read before the
// connection is returned to the pool.
const maxDrain = 1 << 20 // 1MB

// sharedTransport is reused by every client so sink deliveries share one
// connection pool regardless of how many sinks are configured.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          50,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

var (
	deliveryClient *http.Client
	clientOnce     sync.Once
)

// DeliveryClient returns the shared client for report delivery (30s timeout).
func DeliveryClient() *http.Client {
	clientOnce.Do(func() {
		deliveryClient = &http.Client{Timeout: 30 * time.Second, Transport: sharedTransport}
	})
	return deliveryClient
}

// PostJSON sends a JSON payload to url, optionally with a bearer token, and
// treats any non-2xx status as an error. The response body is drained so the
// connection can be reused.
func PostJSON(ctx context.Context, client *http.Client, url, bearer string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer DrainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, snippet)
	}
	return nil
}

// DrainAndClose empties and closes a response body so the underlying
// connection goes back to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrain))
		_ = body.Close()
	}
}
