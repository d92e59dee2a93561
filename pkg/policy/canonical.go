package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/sark-gateway/sark/pkg/errors"
)

// Context keys elided during canonicalization. They vary per request without
// influencing the decision, and would otherwise defeat the cache.
var volatileContextKeys = map[string]struct{}{
	"request_id": {},
	"trace_id":   {},
	"span_id":    {},
}

const contextTimestampKey = "timestamp"

// Canonicalize validates and normalizes an input so that semantically equal
// inputs produce byte-identical serializations. Normalization sorts and
// deduplicates role and team sets, trims strings, drops volatile context
// entries, and buckets the context timestamp to the minute. Canonicalizing
// an already canonical input is a no-op.
func Canonicalize(in Input) (Input, error) {
	out := Input{
		Principal: PrincipalSnapshot{
			ID:    strings.TrimSpace(in.Principal.ID),
			Kind:  strings.TrimSpace(in.Principal.Kind),
			Roles: normalizeSet(in.Principal.Roles),
			Teams: normalizeSet(in.Principal.Teams),
		},
		Action: strings.ToLower(strings.TrimSpace(in.Action)),
		Resource: Resource{
			Type:        strings.ToLower(strings.TrimSpace(in.Resource.Type)),
			ID:          strings.TrimSpace(in.Resource.ID),
			Sensitivity: strings.ToLower(strings.TrimSpace(in.Resource.Sensitivity)),
			Attributes:  normalizeMap(in.Resource.Attributes),
		},
		Context: canonicalContext(in.Context),
	}

	switch {
	case out.Principal.ID == "":
		return Input{}, errors.NewInvalidInputError("principal_id is required", nil)
	case out.Action == "":
		return Input{}, errors.NewInvalidInputError("action is required", nil)
	case out.Resource.Type == "":
		return Input{}, errors.NewInvalidInputError("resource type is required", nil)
	}
	return out, nil
}

// Fingerprint hashes a canonical input into the decision cache key. Map keys
// serialize in sorted order and struct fields in declaration order, so equal
// canonical inputs always hash identically.
func Fingerprint(canonical Input) string {
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Input is plain strings and string maps; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func canonicalContext(ctx map[string]string) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, volatile := volatileContextKeys[k]; volatile {
			continue
		}
		v = strings.TrimSpace(v)
		if k == contextTimestampKey {
			v = bucketTimestamp(v)
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// bucketTimestamp truncates an RFC 3339 timestamp to the minute. Values that
// do not parse pass through untouched rather than failing the decision.
func bucketTimestamp(v string) string {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return v
	}
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}
