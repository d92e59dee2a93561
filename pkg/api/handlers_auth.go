package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/auth/providers"
	"github.com/sark-gateway/sark/pkg/errors"
)

// loginRequest is a credential union: a directory login carries
// username/password, an OIDC callback a code, a SAML callback the encoded
// response. The provider decides which fields it reads.
type loginRequest struct {
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	SAMLResponse string `json:"saml_response,omitempty"`
	RelayState   string `json:"relay_state,omitempty"`
}

type loginResponse struct {
	Principal *auth.Principal `json:"principal"`
	*auth.TokenPair
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errors.NewInvalidInputError("malformed login request", err))
		return
	}

	principal, pair, err := s.auth.Authenticate(r.Context(), chi.URLParam(r, "provider"),
		providers.Credential{
			Username:     req.Username,
			Password:     req.Password,
			Code:         req.Code,
			RedirectURI:  req.RedirectURI,
			Nonce:        req.Nonce,
			SAMLResponse: req.SAMLResponse,
			RelayState:   req.RelayState,
		},
		requestMeta(r))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Principal: principal, TokenPair: pair})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, errors.NewInvalidInputError("malformed refresh request", err))
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleRevoke destroys the caller's own session. API key callers have no
// session to revoke.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
		return
	}
	if identity.Method != auth.MethodSession {
		writeError(w, s.log, errors.NewInvalidInputError("API key callers have no session", nil))
		return
	}

	if err := s.auth.Revoke(r.Context(), identity.SessionID, identity.Principal.ID, requestMeta(r)); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
		return
	}

	resp := map[string]any{
		"principal": identity.Principal,
		"method":    identity.Method,
	}
	if identity.Method == auth.MethodAPIKey {
		resp["key_id"] = identity.APIKey.KeyID
		resp["scopes"] = identity.APIKey.Scopes
	} else {
		resp["session_id"] = identity.SessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": s.auth.Providers()})
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
