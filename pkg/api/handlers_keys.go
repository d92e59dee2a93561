package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sark-gateway/sark/pkg/apikeys"
	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/errors"
)

type keyCreateRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	Environment   string   `json:"environment"`
	RateLimit     int      `json:"rate_limit_per_min"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
}

// keyResponse carries the plaintext exactly once, at mint or rotate time.
type keyResponse struct {
	Key       *apikeys.Meta `json:"key"`
	Plaintext string        `json:"plaintext,omitempty"`
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
		return
	}

	var req keyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errors.NewInvalidInputError("malformed key request", err))
		return
	}

	mint := apikeys.MintRequest{
		Name:             req.Name,
		OwnerPrincipalID: identity.Principal.ID,
		Scopes:           req.Scopes,
		Environment:      req.Environment,
		RateLimitPerMin:  req.RateLimit,
	}
	if req.ExpiresInDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		mint.ExpiresAt = &expires
	}

	meta, plaintext, err := s.keys.Mint(r.Context(), mint)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{Key: meta, Plaintext: plaintext})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
		return
	}

	keys, err := s.keys.List(r.Context(), identity.Principal.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if keys == nil {
		keys = []*apikeys.Meta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	keyID, err := s.authorizeKeyAccess(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.keys.Revoke(r.Context(), keyID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	keyID, err := s.authorizeKeyAccess(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	meta, plaintext, err := s.keys.Rotate(r.Context(), keyID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: meta, Plaintext: plaintext})
}

func (s *Server) handleKeyFinalize(w http.ResponseWriter, r *http.Request) {
	keyID, err := s.authorizeKeyAccess(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.keys.Finalize(r.Context(), keyID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
}

// authorizeKeyAccess resolves the key from the URL and checks ownership.
// Someone else's key reads as not found, never as forbidden, so key IDs do
// not leak across principals. Admins may manage any key.
func (s *Server) authorizeKeyAccess(r *http.Request) (string, error) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		return "", errors.NewInternalError("identity missing after authentication", nil)
	}

	keyID := chi.URLParam(r, "id")
	meta, err := s.keys.Get(r.Context(), keyID)
	if err != nil {
		return "", err
	}
	if meta.OwnerPrincipalID != identity.Principal.ID && !identity.HasRole(adminRole) {
		return "", errors.NewNotFoundError("key not found", nil)
	}
	return keyID, nil
}
