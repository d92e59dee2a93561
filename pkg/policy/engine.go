package policy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Engine answers canonical inputs. Implemented by EngineClient; faked in
// tests.
type Engine interface {
	Evaluate(ctx context.Context, input Input) (Outcome, error)
}

// EngineClient talks to the external rule engine over its data API:
// POST <url>/v1/data/<package> with {"input": ...}, response {"result": ...}.
type EngineClient struct {
	baseURL string
	pkg     string
	client  *http.Client
	log     *slog.Logger
}

// NewEngineClient creates a client bounded by the configured engine timeout.
func NewEngineClient(cfg config.PolicyConfig, log *slog.Logger) *EngineClient {
	return &EngineClient{
		baseURL: cfg.EngineURL,
		pkg:     cfg.EnginePackage,
		client:  &http.Client{Timeout: cfg.EngineTimeout},
		log:     log,
	}
}

// engineResult is the engine's answer inside the response "result" field.
// Obligations may arrive as a single object or as an array of objects from
// multiple matching rules.
type engineResult struct {
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason"`
	Obligations   json.RawMessage `json:"obligations"`
	PolicyVersion string          `json:"policy_version"`
}

// Evaluate posts the canonical input to the rule engine and parses the
// response into an Outcome. A missing "result" field is a failure, never an
// implicit allow.
func (c *EngineClient) Evaluate(ctx context.Context, input Input) (Outcome, error) {
	body, err := json.Marshal(map[string]Input{"input": input})
	if err != nil {
		return Outcome{}, errors.NewInternalError("failed to encode engine request", err)
	}

	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, c.pkg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, errors.NewInternalError("failed to build engine request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	telemetry.PolicyEngineDuration.Observe(elapsed.Seconds())
	if err != nil {
		return Outcome{}, errors.NewUpstreamUnavailableError("rule engine request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Outcome{}, errors.NewUpstreamUnavailableError(
			fmt.Sprintf("rule engine returned status %d", resp.StatusCode), nil)
	}

	var envelope struct {
		Result *engineResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Outcome{}, errors.NewInternalError("rule engine response is not valid JSON", err)
	}
	if envelope.Result == nil {
		return Outcome{}, errors.NewInternalError("rule engine response has no result", nil)
	}

	out, err := outcomeFromResult(envelope.Result)
	if err != nil {
		return Outcome{}, err
	}
	out.EvaluationMS = elapsed.Milliseconds()
	return out, nil
}

// outcomeFromResult validates the decision and merges obligations. Multiple
// obligation sets merge last-writer-wins on identical keys; the same key
// with different values degrades the decision to deny.
func outcomeFromResult(r *engineResult) (Outcome, error) {
	if r.Decision != DecisionAllow && r.Decision != DecisionDeny {
		return Outcome{}, errors.NewInternalError(
			fmt.Sprintf("rule engine returned unknown decision %q", r.Decision), nil)
	}

	obligations, conflict, err := mergeObligations(r.Obligations)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Decision:      r.Decision,
		Reason:        r.Reason,
		Obligations:   obligations,
		PolicyVersion: r.PolicyVersion,
	}
	if conflict {
		out = deny(ReasonConflictingObligations)
		out.PolicyVersion = r.PolicyVersion
	}
	return out, nil
}

func mergeObligations(raw json.RawMessage) (map[string]string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var sets []map[string]any
	var single map[string]any
	if err := json.Unmarshal(raw, &single); err == nil {
		sets = append(sets, single)
	} else if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, false, errors.NewInternalError("rule engine obligations are malformed", err)
	}

	merged := make(map[string]string)
	conflict := false
	for _, set := range sets {
		for k, v := range set {
			s := stringifyObligation(v)
			if prev, seen := merged[k]; seen && prev != s {
				conflict = true
			}
			merged[k] = s
		}
	}
	if len(merged) == 0 {
		return nil, conflict, nil
	}
	return merged, conflict, nil
}

func stringifyObligation(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// isEngineTimeout reports whether an engine failure was a timeout rather
// than some other transport or protocol error.
func isEngineTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
