package providers

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// SAMLConfig configures the SAML provider.
type SAMLConfig struct {
	IDPSSOURL string
	IDPIssuer string

	SPIssuer             string
	AudienceURI          string
	AssertionConsumerURL string

	// IDPCertificatesPEM holds the signing certificates trusted for
	// assertion validation.
	IDPCertificatesPEM []byte

	// RequestIDTTL bounds how long an outstanding authn request ID stays
	// valid for in-response-to binding.
	RequestIDTTL time.Duration

	// Attribute names in the assertion.
	DisplayNameAttr string
	EmailAttr       string
	TeamsAttr       string
	RolesAttr       string
}

func (c *SAMLConfig) applyDefaults() {
	if c.RequestIDTTL <= 0 {
		c.RequestIDTTL = 10 * time.Minute
	}
	if c.DisplayNameAttr == "" {
		c.DisplayNameAttr = "displayName"
	}
	if c.EmailAttr == "" {
		c.EmailAttr = "mail"
	}
	if c.TeamsAttr == "" {
		c.TeamsAttr = "groups"
	}
	if c.RolesAttr == "" {
		c.RolesAttr = "roles"
	}
}

// SAMLProvider validates signed SAML responses. XML handling is delegated
// entirely to the hardened gosaml2/goxmldsig stack, which rejects DTDs and
// external entities and round-trip-validates documents before trusting
// them; response XML is never parsed by hand here.
type SAMLProvider struct {
	cfg SAMLConfig
	sp  *saml2.SAMLServiceProvider
	log *slog.Logger

	// requestIDs holds outstanding authn request IDs for in-response-to
	// binding. Consumed on first use.
	mu         sync.Mutex
	requestIDs map[string]time.Time
}

// NewSAMLProvider parses the trusted IdP certificates and prepares the
// service provider.
func NewSAMLProvider(cfg SAMLConfig, log *slog.Logger) (*SAMLProvider, error) {
	cfg.applyDefaults()
	if cfg.IDPIssuer == "" || cfg.SPIssuer == "" || cfg.AudienceURI == "" {
		return nil, newProviderError("saml", KindConfigurationError,
			fmt.Errorf("IDPIssuer, SPIssuer, and AudienceURI are required"))
	}

	certs, err := parseCertificatesPEM(cfg.IDPCertificatesPEM)
	if err != nil {
		return nil, newProviderError("saml", KindConfigurationError, err)
	}
	if len(certs) == 0 {
		return nil, newProviderError("saml", KindConfigurationError,
			fmt.Errorf("no IdP signing certificates configured"))
	}

	return &SAMLProvider{
		cfg: cfg,
		sp: &saml2.SAMLServiceProvider{
			IdentityProviderSSOURL:      cfg.IDPSSOURL,
			IdentityProviderIssuer:      cfg.IDPIssuer,
			ServiceProviderIssuer:       cfg.SPIssuer,
			AssertionConsumerServiceURL: cfg.AssertionConsumerURL,
			AudienceURI:                 cfg.AudienceURI,
			IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: certs},
		},
		log:        log,
		requestIDs: make(map[string]time.Time),
	}, nil
}

// Name implements Provider.
func (p *SAMLProvider) Name() string { return "saml" }

// StoreRequestID records an outbound authn request ID so the matching
// response can be bound to it.
func (p *SAMLProvider) StoreRequestID(id string) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for existing, issued := range p.requestIDs {
		if now.Sub(issued) > p.cfg.RequestIDTTL {
			delete(p.requestIDs, existing)
		}
	}
	p.requestIDs[id] = now
}

// consumeRequestID reports whether id belongs to a live outstanding request
// and removes it, making replays of the same response unsolicited.
func (p *SAMLProvider) consumeRequestID(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	issued, ok := p.requestIDs[id]
	if !ok {
		return false
	}
	delete(p.requestIDs, id)
	return time.Since(issued) <= p.cfg.RequestIDTTL
}

// Verify implements Provider.
func (p *SAMLProvider) Verify(_ context.Context, credential Credential) (*PrincipalAttributes, error) {
	if credential.SAMLResponse == "" {
		return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
	}

	response, err := p.sp.ValidateEncodedResponse(credential.SAMLResponse)
	if err != nil {
		return nil, newProviderError(p.Name(), KindAssertionInvalid, err)
	}
	if response.InResponseTo == "" || !p.consumeRequestID(response.InResponseTo) {
		return nil, newProviderError(p.Name(), KindAssertionInvalid,
			fmt.Errorf("response is not bound to an outstanding request"))
	}

	info, err := p.sp.RetrieveAssertionInfo(credential.SAMLResponse)
	if err != nil {
		return nil, newProviderError(p.Name(), KindAssertionInvalid, err)
	}
	if info.WarningInfo.InvalidTime {
		return nil, newProviderError(p.Name(), KindAssertionExpired,
			fmt.Errorf("assertion outside its validity window"))
	}
	if info.WarningInfo.NotInAudience {
		return nil, newProviderError(p.Name(), KindAssertionInvalid,
			fmt.Errorf("assertion audience mismatch"))
	}
	if info.NameID == "" {
		return nil, newProviderError(p.Name(), KindAssertionInvalid,
			fmt.Errorf("assertion carries no subject"))
	}

	return &PrincipalAttributes{
		PrincipalID: "saml:" + info.NameID,
		Kind:        "user",
		DisplayName: info.Values.Get(p.cfg.DisplayNameAttr),
		Email:       info.Values.Get(p.cfg.EmailAttr),
		Roles:       attributeValues(info, p.cfg.RolesAttr),
		Teams:       attributeValues(info, p.cfg.TeamsAttr),
		Attributes:  map[string]string{"idp": p.cfg.IDPIssuer},
	}, nil
}

func attributeValues(info *saml2.AssertionInfo, name string) []string {
	attr, ok := info.Values[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(attr.Values))
	for _, v := range attr.Values {
		if v.Value != "" {
			out = append(out, v.Value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseCertificatesPEM(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
