package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
)

// SplunkConfig configures a Splunk HEC destination.
type SplunkConfig struct {
	// ID names this destination in fallback entries and metrics.
	ID string

	// URL is the HEC base URL, without the /services/collector suffix.
	URL string

	// Token is the HEC token carried in the Authorization header.
	Token string

	// Index is the target Splunk index; optional.
	Index string

	// SourceType defaults to _json.
	SourceType string

	// CompressionThreshold gzips payloads above this many bytes.
	CompressionThreshold int

	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
}

// SplunkAdapter delivers events to a Splunk HTTP Event Collector as
// newline-delimited JSON, one HEC envelope per event.
type SplunkAdapter struct {
	cfg    SplunkConfig
	client *http.Client
}

// splunkEnvelope is the HEC wire shape for one event.
type splunkEnvelope struct {
	Time       float64      `json:"time"`
	Source     string       `json:"source"`
	SourceType string       `json:"sourcetype"`
	Index      string       `json:"index,omitempty"`
	Event      *audit.Event `json:"event"`
}

// NewSplunkAdapter creates a Splunk HEC adapter. A nil client uses a default
// with the configured timeout.
func NewSplunkAdapter(cfg SplunkConfig, client *http.Client) *SplunkAdapter {
	if cfg.SourceType == "" {
		cfg.SourceType = "_json"
	}
	if client == nil {
		client = defaultHTTPClient(cfg.RequestTimeout)
	}
	return &SplunkAdapter{cfg: cfg, client: client}
}

// ID identifies the destination.
func (a *SplunkAdapter) ID() string {
	return a.cfg.ID
}

// SendBatch delivers one batch to the HEC collector endpoint. Healthy
// response is HTTP 200.
func (a *SplunkAdapter) SendBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, event := range events {
		envelope := splunkEnvelope{
			Time:       float64(event.OccurredAt.UnixMilli()) / 1000.0,
			Source:     "sark",
			SourceType: a.cfg.SourceType,
			Index:      a.cfg.Index,
			Event:      event,
		}
		if err := enc.Encode(envelope); err != nil {
			return fmt.Errorf("failed to encode HEC envelope: %w", err)
		}
	}

	headers := map[string]string{
		"Authorization": "Splunk " + a.cfg.Token,
		"Content-Type":  "application/json",
	}
	return postBody(ctx, a.client, a.cfg.URL+"/services/collector", headers,
		body.Bytes(), a.cfg.CompressionThreshold, http.StatusOK)
}

// HealthCheck probes the HEC health endpoint.
func (a *SplunkAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.URL+"/services/collector/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}
