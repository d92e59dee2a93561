package providers

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures the OIDC provider.
type OIDCConfig struct {
	// Issuer is the provider base URL; discovery and the JWKS location are
	// resolved from it.
	Issuer string

	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes beyond openid, profile, and email.
	ExtraScopes []string

	// RolesClaim and TeamsClaim name the ID token claims carrying role and
	// team membership.
	RolesClaim string
	TeamsClaim string
}

func (c *OIDCConfig) applyDefaults() {
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	if c.TeamsClaim == "" {
		c.TeamsClaim = "groups"
	}
}

// OIDCProvider verifies authorization-code credentials: it exchanges the
// code, validates the resulting ID token against the issuer's JWKS
// (signature, issuer, audience, expiry, nonce), and extracts claims. The
// JWKS is fetched lazily, cached, and refreshed on signature misses by the
// underlying remote key set.
type OIDCProvider struct {
	cfg      OIDCConfig
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
	log      *slog.Logger
}

// NewOIDCProvider performs issuer discovery and prepares the verifier.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, log *slog.Logger) (*OIDCProvider, error) {
	cfg.applyDefaults()
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, newProviderError("oidc", KindConfigurationError,
			fmt.Errorf("Issuer and ClientID are required"))
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, newProviderError("oidc", KindUpstreamUnreachable, err)
	}

	return &OIDCProvider{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       append([]string{oidc.ScopeOpenID, "profile", "email"}, cfg.ExtraScopes...),
		},
		log: log,
	}, nil
}

// Name implements Provider.
func (p *OIDCProvider) Name() string { return "oidc" }

// Verify implements Provider.
func (p *OIDCProvider) Verify(ctx context.Context, credential Credential) (*PrincipalAttributes, error) {
	if credential.Code == "" {
		return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
	}

	token, err := p.oauth.Exchange(ctx, credential.Code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if stderrors.As(err, &retrieveErr) {
			// The issuer rejected the code; treat like a bad password.
			return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
		}
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, newProviderError(p.Name(), KindAssertionInvalid,
			fmt.Errorf("token response carried no id_token"))
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		var expiredErr *oidc.TokenExpiredError
		if stderrors.As(err, &expiredErr) {
			return nil, newProviderError(p.Name(), KindAssertionExpired, err)
		}
		return nil, newProviderError(p.Name(), KindAssertionInvalid, err)
	}

	if credential.Nonce != "" && idToken.Nonce != credential.Nonce {
		return nil, newProviderError(p.Name(), KindAssertionInvalid,
			fmt.Errorf("nonce mismatch"))
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, newProviderError(p.Name(), KindAssertionInvalid, err)
	}

	return &PrincipalAttributes{
		PrincipalID: "oidc:" + idToken.Subject,
		Kind:        "user",
		DisplayName: claimString(claims, "name", "preferred_username"),
		Email:       claimString(claims, "email"),
		Roles:       claimStrings(claims[p.cfg.RolesClaim]),
		Teams:       claimStrings(claims[p.cfg.TeamsClaim]),
		Attributes:  map[string]string{"issuer": p.cfg.Issuer},
	}, nil
}

// claimString returns the first non-empty string claim among keys.
func claimString(claims map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := claims[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// claimStrings coerces a claim to a string slice; claims arrive as []any
// from JSON decoding.
func claimStrings(v any) []string {
	switch vals := v.(type) {
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		return vals
	case string:
		if vals == "" {
			return nil
		}
		return []string{vals}
	default:
		return nil
	}
}
