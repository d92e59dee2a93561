// Package adapters contains the per-destination SIEM adapters. Each adapter
// formats canonical audit events for its destination and performs the HTTP
// delivery; batching, retries, and circuit breaking live in the forwarder.
package adapters

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
)

// Adapter delivers audit event batches to one destination.
type Adapter interface {
	// ID identifies the destination for fallback bookkeeping and metrics.
	ID() string

	// SendBatch formats and delivers one batch. Events preserve their order
	// of arrival within the batch.
	SendBatch(ctx context.Context, events []*audit.Event) error

	// HealthCheck probes the destination. Used by replay to decide whether
	// redelivery is worth attempting.
	HealthCheck(ctx context.Context) error
}

// HTTPError is a non-2xx response from a destination. Status codes in the
// 5xx range and 429 are transient; other client errors are not.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error returns the error message.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("destination returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

const maxErrorBodyBytes = 512

// defaultHTTPClient returns the client used by HTTP adapters when none is
// injected.
func defaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// postBody sends body to url with the given headers, gzip-compressing when
// the serialized size exceeds compressThreshold. healthyStatus is the single
// status code the destination documents as success.
func postBody(
	ctx context.Context,
	client *http.Client,
	url string,
	headers map[string]string,
	body []byte,
	compressThreshold int,
	healthyStatus int,
) error {
	payload := body
	compressed := false
	if compressThreshold > 0 && len(body) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish compressing batch: %w", err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != healthyStatus {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
