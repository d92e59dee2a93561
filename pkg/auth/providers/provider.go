// Package providers contains the identity providers the authentication core
// dispatches to: directory (LDAP), OIDC, and SAML. Providers are stateless
// verifiers; they turn a credential into principal attributes or a uniform
// ProviderError.
package providers

import (
	"context"
	"fmt"
)

// ErrorKind classifies provider failures uniformly across provider types.
type ErrorKind string

const (
	// KindCredentialInvalid covers wrong passwords, unknown users, and
	// failed code exchanges. Deliberately indistinguishable from each other.
	KindCredentialInvalid ErrorKind = "credential_invalid"
	// KindAssertionExpired covers assertions or tokens outside their
	// validity window.
	KindAssertionExpired ErrorKind = "assertion_expired"
	// KindAssertionInvalid covers signature, audience, and binding failures.
	KindAssertionInvalid ErrorKind = "assertion_invalid"
	// KindUpstreamUnreachable covers transport failures to the identity
	// provider.
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	// KindConfigurationError covers provider misconfiguration detected at
	// verify time.
	KindConfigurationError ErrorKind = "configuration_error"
)

// ProviderError is the uniform failure surface of all providers.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s provider: %s: %s", e.Provider, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s provider: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func newProviderError(provider string, kind ErrorKind, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Cause: cause}
}

// PrincipalAttributes is the identity snapshot a provider extracts from a
// verified credential. Immutable per authentication event.
type PrincipalAttributes struct {
	PrincipalID string
	Kind        string
	DisplayName string
	Email       string
	Roles       []string
	Teams       []string
	Attributes  map[string]string
}

// Credential is the tagged union of provider credentials; each provider
// reads only its own fields.
type Credential struct {
	// Directory.
	Username string
	Password string

	// OIDC authorization-code exchange.
	Code        string
	RedirectURI string
	Nonce       string

	// SAML response postback.
	SAMLResponse string
	RelayState   string
}

// Provider verifies one credential type.
type Provider interface {
	// Name is the stable identifier used in login routes and audit events.
	Name() string

	// Verify checks the credential and returns the principal it proves.
	Verify(ctx context.Context, credential Credential) (*PrincipalAttributes, error)
}
