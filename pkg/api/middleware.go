package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/ratelimit"
)

const (
	headerAPIKey      = "X-API-Key"
	headerCacheBypass = "X-Cache-Bypass"
	headerCacheStatus = "X-Cache-Status"
)

// adminRole may manage other principals' keys and bypass the decision cache.
const adminRole = "admin"

// authenticate resolves the caller from exactly one credential: a Bearer
// access token or an X-API-Key header. Presenting both is an error, not a
// fallback.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerToken(r)
		apiKey := r.Header.Get(headerAPIKey)

		switch {
		case bearer != "" && apiKey != "":
			writeError(w, s.log, errors.NewInvalidCredentialError(
				"present exactly one of Authorization and X-API-Key", nil))
			return
		case bearer == "" && apiKey == "":
			writeError(w, s.log, errors.NewInvalidCredentialError(
				"authentication required", nil))
			return
		}

		var identity *auth.Identity
		if bearer != "" {
			principal, sessionID, err := s.auth.Introspect(bearer)
			if err != nil {
				writeError(w, s.log, err)
				return
			}
			identity = &auth.Identity{
				Principal: principal,
				SessionID: sessionID,
				Method:    auth.MethodSession,
			}
		} else {
			keyPrincipal, err := s.keys.Validate(r.Context(), apiKey)
			if err != nil {
				writeError(w, s.log, err)
				return
			}
			identity = &auth.Identity{
				Principal: &auth.Principal{
					ID:   keyPrincipal.OwnerPrincipalID,
					Kind: "service",
				},
				APIKey: keyPrincipal,
				Method: auth.MethodAPIKey,
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// rateLimitAuthenticated applies the per-identity bucket for authenticated
// routes: session principals use the user scope, API keys their own
// per-key limit.
func (s *Server) rateLimitAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
			return
		}

		var (
			res ratelimit.Result
			err error
		)
		if identity.Method == auth.MethodAPIKey {
			res, err = s.limiter.AllowWithLimit(
				ratelimit.ScopeAPIKey, identity.APIKey.KeyID, identity.APIKey.RateLimitPerMin)
		} else {
			res, err = s.limiter.Allow(ratelimit.ScopeUser, identity.Principal.ID)
		}

		setRateLimitHeaders(w, res)
		if err != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			writeError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitPublic applies the per-address bucket on unauthenticated routes.
func (s *Server) rateLimitPublic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.limiter.Allow(ratelimit.ScopeIP, clientIP(r))
		setRateLimitHeaders(w, res)
		if err != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			writeError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireScopes rejects API key callers lacking any of the listed scopes.
// Session callers pass; their authorization is the policy engine's concern.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFrom(r.Context())
			if !ok {
				writeError(w, s.log, errors.NewInternalError("identity missing after authentication", nil))
				return
			}
			if identity.Method == auth.MethodAPIKey {
				if err := identity.APIKey.HasScopes(scopes...); err != nil {
					writeError(w, s.log, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
