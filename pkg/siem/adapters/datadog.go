package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
)

// DatadogConfig configures a Datadog Logs destination.
type DatadogConfig struct {
	// ID names this destination in fallback entries and metrics.
	ID string

	// Site is the Datadog site, e.g. datadoghq.com or datadoghq.eu.
	Site string

	// APIKey is carried in the DD-API-KEY header.
	APIKey string

	// Service tags the logs; defaults to sark.
	Service string

	// Tags are joined into the ddtags field.
	Tags []string

	// IntakeURL overrides the site-derived logs intake URL when set.
	IntakeURL string

	// ValidateURL overrides the site-derived key validation URL when set.
	ValidateURL string

	// CompressionThreshold gzips payloads above this many bytes.
	CompressionThreshold int

	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
}

// DatadogAdapter delivers events to the Datadog Logs intake as a JSON array.
type DatadogAdapter struct {
	cfg    DatadogConfig
	client *http.Client
}

// datadogEntry is the intake wire shape for one event. Key fields are
// duplicated at the top level for indexing; the canonical event nests under
// the sark namespace.
type datadogEntry struct {
	DDSource    string       `json:"ddsource"`
	DDTags      string       `json:"ddtags,omitempty"`
	Service     string       `json:"service"`
	Message     string       `json:"message"`
	EventID     string       `json:"event_id"`
	EventKind   string       `json:"event_kind"`
	PrincipalID string       `json:"principal_id,omitempty"`
	Outcome     string       `json:"outcome,omitempty"`
	Sark        *audit.Event `json:"sark"`
}

// NewDatadogAdapter creates a Datadog Logs adapter. A nil client uses a
// default with the configured timeout.
func NewDatadogAdapter(cfg DatadogConfig, client *http.Client) *DatadogAdapter {
	if cfg.Service == "" {
		cfg.Service = "sark"
	}
	if client == nil {
		client = defaultHTTPClient(cfg.RequestTimeout)
	}
	return &DatadogAdapter{cfg: cfg, client: client}
}

// ID identifies the destination.
func (a *DatadogAdapter) ID() string {
	return a.cfg.ID
}

func (a *DatadogAdapter) intakeURL() string {
	if a.cfg.IntakeURL != "" {
		return a.cfg.IntakeURL
	}
	return fmt.Sprintf("https://http-intake.logs.%s/api/v2/logs", a.cfg.Site)
}

func (a *DatadogAdapter) validateURL() string {
	if a.cfg.ValidateURL != "" {
		return a.cfg.ValidateURL
	}
	return fmt.Sprintf("https://api.%s/api/v1/validate", a.cfg.Site)
}

// SendBatch delivers one batch to the logs intake. Healthy response is
// HTTP 202.
func (a *DatadogAdapter) SendBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tags := strings.Join(a.cfg.Tags, ",")
	entries := make([]datadogEntry, 0, len(events))
	for _, event := range events {
		entries = append(entries, datadogEntry{
			DDSource:    "sark",
			DDTags:      tags,
			Service:     a.cfg.Service,
			Message:     fmt.Sprintf("%s %s", event.Kind, event.Outcome),
			EventID:     event.ID,
			EventKind:   event.Kind,
			PrincipalID: event.PrincipalID,
			Outcome:     event.Outcome,
			Sark:        event,
		})
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode logs payload: %w", err)
	}

	headers := map[string]string{
		"DD-API-KEY":   a.cfg.APIKey,
		"Content-Type": "application/json",
	}
	return postBody(ctx, a.client, a.intakeURL(), headers,
		body, a.cfg.CompressionThreshold, http.StatusAccepted)
}

// HealthCheck validates the API key against the Datadog API.
func (a *DatadogAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.validateURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set("DD-API-KEY", a.cfg.APIKey)

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
