package providers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderError_Format(t *testing.T) {
	t.Parallel()

	err := newProviderError("directory", KindCredentialInvalid, nil)
	assert.Equal(t, "directory provider: credential_invalid", err.Error())

	wrapped := newProviderError("oidc", KindUpstreamUnreachable, fmt.Errorf("dial tcp: refused"))
	assert.Contains(t, wrapped.Error(), "upstream_unreachable")
	assert.Contains(t, wrapped.Error(), "refused")
	assert.Error(t, wrapped.Unwrap())
}

func TestDirectoryProvider_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewDirectoryProvider(DirectoryConfig{}, slog.Default())
	require.Error(t, err)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindConfigurationError, perr.Kind)
}

func TestDirectoryProvider_RejectsEmptyCredentials(t *testing.T) {
	t.Parallel()

	p, err := NewDirectoryProvider(DirectoryConfig{
		URL:    "ldap://ldap.example:389",
		BaseDN: "dc=example,dc=com",
	}, slog.Default())
	require.NoError(t, err)

	_, err = p.Verify(context.Background(), Credential{Username: "alice"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCredentialInvalid, perr.Kind)

	_, err = p.Verify(context.Background(), Credential{Password: "secret"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCredentialInvalid, perr.Kind)
}

func TestGroupNameFromDN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dn   string
		want string
	}{
		{"cn=platform,ou=groups,dc=example,dc=com", "platform"},
		{"CN=Admins,OU=Groups,DC=example,DC=com", "Admins"},
		{"ou=groups,dc=example,dc=com", ""},
		{"not a dn", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, groupNameFromDN(tc.dn), tc.dn)
	}
}

func TestDirectoryProvider_MapGroups(t *testing.T) {
	t.Parallel()

	p, err := NewDirectoryProvider(DirectoryConfig{
		URL:          "ldap://ldap.example:389",
		BaseDN:       "dc=example,dc=com",
		GroupRoleMap: map[string]string{"sark-admins": "admin"},
	}, slog.Default())
	require.NoError(t, err)

	teams, roles := p.mapGroups([]string{
		"cn=platform,ou=groups,dc=example,dc=com",
		"cn=sark-admins,ou=groups,dc=example,dc=com",
	})
	assert.Equal(t, []string{"platform", "sark-admins"}, teams)
	assert.Equal(t, []string{"admin"}, roles)
}

// fakeIssuer serves the OIDC discovery document and a token endpoint that
// rejects every code.
func fakeIssuer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/auth",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	})
	return srv
}

func TestOIDCProvider_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewOIDCProvider(context.Background(), OIDCConfig{}, slog.Default())
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindConfigurationError, perr.Kind)
}

func TestOIDCProvider_RejectsEmptyCode(t *testing.T) {
	t.Parallel()

	srv := fakeIssuer(t)
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		Issuer:   srv.URL,
		ClientID: "sark",
	}, slog.Default())
	require.NoError(t, err)

	_, err = p.Verify(context.Background(), Credential{})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCredentialInvalid, perr.Kind)
}

func TestOIDCProvider_RejectedCodeIsCredentialInvalid(t *testing.T) {
	t.Parallel()

	srv := fakeIssuer(t)
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		Issuer:       srv.URL,
		ClientID:     "sark",
		ClientSecret: "secret",
	}, slog.Default())
	require.NoError(t, err)

	_, err = p.Verify(context.Background(), Credential{Code: "stolen-or-expired"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCredentialInvalid, perr.Kind)
}

func TestClaimStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, claimStrings([]any{"a", "b"}))
	assert.Equal(t, []string{"solo"}, claimStrings("solo"))
	assert.Nil(t, claimStrings(nil))
	assert.Nil(t, claimStrings(42))
	assert.Nil(t, claimStrings([]any{1, 2}))
}

func selfSignedCertPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func testSAMLConfig(t *testing.T) SAMLConfig {
	return SAMLConfig{
		IDPSSOURL:          "https://idp.example.com/sso",
		IDPIssuer:          "https://idp.example.com",
		SPIssuer:           "https://sark.example.com",
		AudienceURI:        "https://sark.example.com",
		IDPCertificatesPEM: selfSignedCertPEM(t),
	}
}

func TestSAMLProvider_RequiresCertificates(t *testing.T) {
	t.Parallel()

	cfg := testSAMLConfig(t)
	cfg.IDPCertificatesPEM = nil
	_, err := NewSAMLProvider(cfg, slog.Default())
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindConfigurationError, perr.Kind)
}

func TestSAMLProvider_RequestIDsAreOneTimeUse(t *testing.T) {
	t.Parallel()

	p, err := NewSAMLProvider(testSAMLConfig(t), slog.Default())
	require.NoError(t, err)

	p.StoreRequestID("req-1")
	assert.True(t, p.consumeRequestID("req-1"))
	assert.False(t, p.consumeRequestID("req-1"), "replay of the same request ID")
	assert.False(t, p.consumeRequestID("req-never-issued"))
}

func TestSAMLProvider_RequestIDExpires(t *testing.T) {
	t.Parallel()

	cfg := testSAMLConfig(t)
	cfg.RequestIDTTL = time.Millisecond
	p, err := NewSAMLProvider(cfg, slog.Default())
	require.NoError(t, err)

	p.StoreRequestID("req-1")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, p.consumeRequestID("req-1"))
}

func TestSAMLProvider_RejectsGarbageResponse(t *testing.T) {
	t.Parallel()

	p, err := NewSAMLProvider(testSAMLConfig(t), slog.Default())
	require.NoError(t, err)

	_, err = p.Verify(context.Background(), Credential{SAMLResponse: "bm90IHhtbA=="})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindAssertionInvalid, perr.Kind)

	_, err = p.Verify(context.Background(), Credential{})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindCredentialInvalid, perr.Kind)
}

func TestParseCertificatesPEM(t *testing.T) {
	t.Parallel()

	certs, err := parseCertificatesPEM(selfSignedCertPEM(t))
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	certs, err = parseCertificatesPEM([]byte("not pem at all"))
	require.NoError(t, err)
	assert.Empty(t, certs)
}
