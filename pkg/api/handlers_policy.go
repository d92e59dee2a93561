package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/policy"
)

// evaluateRequest is the caller's side of an authorization question. The
// principal is never taken from the body: the facade stamps it from the
// authenticated identity, so a caller cannot ask on someone else's behalf.
type evaluateRequest struct {
	Action   string            `json:"action"`
	Resource policy.Resource   `json:"resource"`
	Context  map[string]string `json:"context,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errors.NewInvalidInputError("malformed evaluate request", err))
		return
	}

	input := policy.Input{
		Principal: policy.PrincipalSnapshot{
			ID:    identity.Principal.ID,
			Kind:  identity.Principal.Kind,
			Roles: identity.Principal.Roles,
			Teams: identity.Principal.Teams,
		},
		Action:   req.Action,
		Resource: req.Resource,
		Context:  req.Context,
	}
	if input.Context == nil {
		input.Context = map[string]string{}
	}
	if input.Context["timestamp"] == "" {
		input.Context["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	input.Context["source_ip"] = clientIP(r)

	// The bypass header is honored only for admins; for everyone else it is
	// ignored rather than rejected.
	bypass := strings.EqualFold(r.Header.Get(headerCacheBypass), "true") &&
		identity.HasRole(adminRole)

	outcome, cacheStatus := s.pde.Decide(r.Context(), input, bypass)
	w.Header().Set(headerCacheStatus, cacheStatus)

	status := http.StatusOK
	if !outcome.Allowed() {
		status = http.StatusForbidden
	}
	writeJSON(w, status, outcome)
}
