// Package auth implements the authentication core: provider dispatch,
// session lifecycle with concurrent-session caps, dual-token issuance with
// one-time-use refresh rotation, and reuse detection that revokes the whole
// session chain.
package auth

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/auth/providers"
	"github.com/sark-gateway/sark/pkg/auth/sessions"
	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Principal is an authenticated identity, immutable per authentication
// event.
type Principal struct {
	ID          string            `json:"principal_id"`
	Kind        string            `json:"kind"`
	DisplayName string            `json:"display_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Teams       []string          `json:"teams,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionID    string    `json:"session_id"`
}

// RequestMeta carries per-request client context into audit events and
// session records.
type RequestMeta struct {
	SourceIP  string
	UserAgent string
}

// Core is the authentication service.
type Core struct {
	cfg       config.AuthConfig
	providers map[string]providers.Provider
	order     []string
	sessions  *sessions.Store
	emitter   *audit.Emitter
	log       *slog.Logger
	now       func() time.Time
}

// NewCore assembles the core. Provider order is preserved: it is the order
// configuration declared them and the order login dispatch advertises.
func NewCore(cfg config.AuthConfig, providerList []providers.Provider, store *sessions.Store, emitter *audit.Emitter, log *slog.Logger) *Core {
	c := &Core{
		cfg:       cfg,
		providers: make(map[string]providers.Provider, len(providerList)),
		sessions:  store,
		emitter:   emitter,
		log:       log,
		now:       time.Now,
	}
	for _, p := range providerList {
		if _, dup := c.providers[p.Name()]; dup {
			continue
		}
		c.providers[p.Name()] = p
		c.order = append(c.order, p.Name())
	}
	return c
}

// Providers lists the configured provider names in declaration order.
func (c *Core) Providers() []string {
	return append([]string(nil), c.order...)
}

// Authenticate verifies a credential with the named provider and opens a
// session. Failures are audited with the provider name; the error message
// never distinguishes unknown user from wrong credential.
func (c *Core) Authenticate(ctx context.Context, providerName string, credential providers.Credential, meta RequestMeta) (*Principal, *TokenPair, error) {
	provider, ok := c.providers[providerName]
	if !ok {
		return nil, nil, errors.NewNotFoundError("unknown identity provider", nil)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	attrs, err := provider.Verify(verifyCtx, credential)
	if err != nil {
		appErr := mapProviderError(err)
		c.auditAuthn(ctx, providerName, "", meta, appErr)
		telemetry.AuthAttempts.WithLabelValues(providerName, "failure").Inc()
		return nil, nil, appErr
	}

	principal := &Principal{
		ID:          attrs.PrincipalID,
		Kind:        attrs.Kind,
		DisplayName: attrs.DisplayName,
		Email:       attrs.Email,
		Roles:       attrs.Roles,
		Teams:       attrs.Teams,
		Attributes:  attrs.Attributes,
	}

	pair, err := c.openSession(ctx, principal, meta)
	if err != nil {
		c.auditAuthn(ctx, providerName, principal.ID, meta, err)
		telemetry.AuthAttempts.WithLabelValues(providerName, "failure").Inc()
		return nil, nil, err
	}

	c.auditAuthn(ctx, providerName, principal.ID, meta, nil)
	telemetry.AuthAttempts.WithLabelValues(providerName, "success").Inc()
	return principal, pair, nil
}

// openSession enforces the concurrent-session cap, evicting the session
// least recently seen, then creates the session and mints the token pair.
func (c *Core) openSession(ctx context.Context, principal *Principal, meta RequestMeta) (*TokenPair, error) {
	existing, err := c.sessions.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= c.cfg.MaxSessionsPerPrincipal {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].LastSeenAt.Before(existing[j].LastSeenAt)
		})
		evict := existing[:len(existing)-c.cfg.MaxSessionsPerPrincipal+1]
		for _, victim := range evict {
			if err := c.sessions.Delete(ctx, victim.ID, victim.PrincipalID); err != nil {
				return nil, err
			}
			c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindSessionRevoked, "auth", audit.OutcomeSuccess).
				WithPrincipal(principal.ID).
				WithResource("session/"+victim.ID).
				WithAttribute("cause", "session_cap_eviction"))
		}
	}

	now := c.now().UTC()
	sessionID := uuid.NewString()
	refreshToken, secretHash, err := newRefreshToken(sessionID)
	if err != nil {
		return nil, err
	}

	session := &sessions.Session{
		ID:          sessionID,
		PrincipalID: principal.ID,
		Principal: sessions.PrincipalSnapshot{
			Kind:        principal.Kind,
			DisplayName: principal.DisplayName,
			Email:       principal.Email,
			Roles:       principal.Roles,
			Teams:       principal.Teams,
			Attributes:  principal.Attributes,
		},
		RefreshTokenHash: secretHash,
		IssuedAt:         now,
		ExpiresAt:        now.Add(c.cfg.RefreshTokenTTL),
		LastSeenAt:       now,
		SourceIP:         meta.SourceIP,
		UserAgent:        meta.UserAgent,
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	accessToken, expiresAt, err := c.mintAccessToken(session, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
	}, nil
}

// Refresh rotates a refresh token and mints a fresh token pair. Refresh
// tokens are one-time-use: presenting an already-rotated token is treated
// as session compromise and revokes the entire session.
func (c *Core) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	sessionID, presentedHash, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if c.cfg.IdleTimeout > 0 {
		session, err := c.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, refreshLookupError(err)
		}
		if now.Sub(session.LastSeenAt) > c.cfg.IdleTimeout {
			if delErr := c.sessions.Delete(ctx, sessionID, session.PrincipalID); delErr != nil {
				return nil, delErr
			}
			c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindSessionRevoked, "auth", audit.OutcomeSuccess).
				WithPrincipal(session.PrincipalID).
				WithResource("session/"+sessionID).
				WithAttribute("cause", "idle_timeout"))
			return nil, errors.NewTokenExpiredError("session idle too long", nil)
		}
	}

	newToken, newSecretHash, err := newRefreshToken(sessionID)
	if err != nil {
		return nil, err
	}

	// Rotation restarts the refresh window; the access token lifetime stays
	// absolute from issuance.
	session, err := c.sessions.Rotate(ctx, sessionID, presentedHash, newSecretHash, now, c.cfg.RefreshTokenTTL)
	if err != nil {
		if errors.IsSessionCompromised(err) && session != nil {
			// Reuse detected: the token presented here was already spent.
			// Revoke the whole chain and tell the caller why.
			if delErr := c.sessions.Delete(ctx, sessionID, session.PrincipalID); delErr != nil {
				c.log.Error("failed to revoke compromised session",
					"session_id", sessionID, "error", delErr)
			}
			c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindSessionCompromised, "auth", audit.OutcomeFailure).
				WithPrincipal(session.PrincipalID).
				WithResource("session/"+sessionID).
				WithSourceIP(meta.SourceIP).
				WithAttribute("cause", "refresh_token_reuse"))
			return nil, errors.NewSessionCompromisedError("refresh token reuse detected, session revoked", nil)
		}
		return nil, refreshLookupError(err)
	}

	accessToken, expiresAt, err := c.mintAccessToken(session, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newToken,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
	}, nil
}

// refreshLookupError hides session existence from refresh callers: a
// missing session reads the same as a bad token.
func refreshLookupError(err error) error {
	if errors.IsNotFound(err) {
		return errors.NewTokenInvalidError("refresh token rejected", nil)
	}
	return err
}

// Revoke destroys a session. Idempotent: revoking an already-revoked or
// unknown session succeeds.
func (c *Core) Revoke(ctx context.Context, sessionID, principalID string, meta RequestMeta) error {
	if err := c.sessions.Delete(ctx, sessionID, principalID); err != nil {
		return err
	}
	c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindSessionRevoked, "auth", audit.OutcomeSuccess).
		WithPrincipal(principalID).
		WithResource("session/"+sessionID).
		WithSourceIP(meta.SourceIP).
		WithAttribute("cause", "explicit_revoke"))
	return nil
}

// Introspect verifies an access token statelessly and returns the identity
// it proves. No session store round trip: revocation takes effect at
// refresh time, which is why access tokens are short-lived.
func (c *Core) Introspect(raw string) (*Principal, string, error) {
	claims, err := c.parseAccessToken(raw)
	if err != nil {
		return nil, "", err
	}
	return &Principal{
		ID:          claims.Subject,
		Kind:        claims.Kind,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
		Roles:       claims.Roles,
		Teams:       claims.Teams,
	}, claims.SessionID, nil
}

func (c *Core) auditAuthn(ctx context.Context, provider, principalID string, meta RequestMeta, err error) {
	if err == nil {
		c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindAuthnSuccess, "auth", audit.OutcomeSuccess).
			WithPrincipal(principalID).
			WithSourceIP(meta.SourceIP).
			WithAttribute("provider", provider))
		return
	}
	c.emitter.Emit(ctx, audit.NewEvent(audit.EventKindAuthnFailure, "auth", audit.OutcomeFailure).
		WithPrincipal(principalID).
		WithSourceIP(meta.SourceIP).
		WithAttribute("provider", provider).
		WithAttribute("error", errors.TypeOf(err)))
}

// mapProviderError translates the uniform provider error surface into the
// application taxonomy the facade maps to status codes.
func mapProviderError(err error) error {
	var perr *providers.ProviderError
	if !stderrors.As(err, &perr) {
		return errors.NewInternalError("provider verification failed", err)
	}
	switch perr.Kind {
	case providers.KindCredentialInvalid, providers.KindAssertionInvalid:
		return errors.NewInvalidCredentialError("authentication failed", nil)
	case providers.KindAssertionExpired:
		return errors.NewInvalidCredentialError("authentication failed: assertion expired", nil)
	case providers.KindUpstreamUnreachable:
		return errors.NewUpstreamUnavailableError("identity provider unavailable", err)
	default:
		return errors.NewConfigurationError("identity provider misconfigured", err)
	}
}
