// Package config loads and validates the gateway configuration. Options are
// env-first with viper, each with a default; startup fails fast on missing
// secrets rather than serving misconfigured.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/sark-gateway/sark/pkg/errors"
)

// AuthConfig holds token and session settings.
type AuthConfig struct {
	// JWTSecret signs access tokens. Required; startup refuses without it.
	JWTSecret string

	// Issuer is the value stamped into the iss claim of access tokens.
	Issuer string

	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	MaxSessionsPerPrincipal int

	// IdleTimeout revokes sessions idle for longer on their next refresh.
	// Zero disables the idle sweep.
	IdleTimeout time.Duration

	// ProviderTimeout bounds every identity provider call.
	ProviderTimeout time.Duration

	// RedisAddr is the session store address.
	RedisAddr string
}

// DirectoryProviderConfig holds LDAP directory settings. The provider is
// enabled when URL is set.
type DirectoryProviderConfig struct {
	URL            string
	BindDN         string
	BindPassword   string
	BaseDN         string
	UserFilter     string
	GroupAttribute string
}

// OIDCProviderConfig holds OIDC settings. The provider is enabled when
// Issuer is set.
type OIDCProviderConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SAMLProviderConfig holds SAML settings. The provider is enabled when
// IDPSSOURL is set.
type SAMLProviderConfig struct {
	IDPSSOURL            string
	IDPIssuer            string
	SPIssuer             string
	AudienceURI          string
	AssertionConsumerURL string

	// IDPCertFile is a PEM file holding the IdP signing certificates.
	IDPCertFile string
}

// ProvidersConfig groups the identity provider settings.
type ProvidersConfig struct {
	Directory DirectoryProviderConfig
	OIDC      OIDCProviderConfig
	SAML      SAMLProviderConfig
}

// PolicyConfig holds rule engine and decision cache settings.
type PolicyConfig struct {
	EngineURL     string
	EnginePackage string
	EngineTimeout time.Duration

	CacheTTLHigh    time.Duration
	CacheTTLLow     time.Duration
	CacheTTLDeny    time.Duration
	CacheMaxEntries int
}

// RateLimitConfig holds per-scope token bucket settings.
type RateLimitConfig struct {
	UserPerMin   int
	APIKeyPerMin int
	PublicPerMin int

	// ExemptPrincipals are principal IDs never rate limited.
	ExemptPrincipals []string
}

// SIEMConfig holds forwarder, breaker, and fallback queue settings.
type SIEMConfig struct {
	BatchSize            int
	BatchInterval        time.Duration
	CompressionThreshold int
	MaxRetries           int
	RequestTimeout       time.Duration

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
	CircuitSuccessThreshold int

	// FallbackDir is where undeliverable batches are appended. Defaults to a
	// process-owned subdirectory of the system temp area.
	FallbackDir string

	// FallbackMaxFileBytes rotates fallback files past this size.
	FallbackMaxFileBytes int64

	// ReplayInterval is how often the fallback queue is retried against
	// recovered destinations.
	ReplayInterval time.Duration

	// Splunk HEC destination; enabled when SplunkURL is set.
	SplunkURL   string
	SplunkToken string
	SplunkIndex string

	// Datadog logs destination; enabled when DatadogAPIKey is set.
	DatadogSite   string
	DatadogAPIKey string

	// FilePath enables the local file destination when set.
	FilePath string
}

// Config is the root configuration consumed by the server.
type Config struct {
	// ListenAddr is the HTTP facade bind address.
	ListenAddr string

	// APIKeyDBPath is the SQLite file backing the API key subsystem.
	APIKeyDBPath string

	Auth      AuthConfig
	Providers ProvidersConfig
	Policy    PolicyConfig
	RateLimit RateLimitConfig
	SIEM      SIEMConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8443")
	v.SetDefault("APIKEY_DB_PATH", "sark-apikeys.db")

	v.SetDefault("JWT_ISSUER", "sark")
	v.SetDefault("ACCESS_TOKEN_TTL_MIN", 60)
	v.SetDefault("REFRESH_TOKEN_TTL_DAYS", 7)
	v.SetDefault("MAX_SESSIONS_PER_PRINCIPAL", 5)
	v.SetDefault("IDLE_TIMEOUT_MIN", 0)
	v.SetDefault("PROVIDER_TIMEOUT_MS", 5000)
	v.SetDefault("REDIS_ADDR", "localhost:6379")

	v.SetDefault("LDAP_URL", "")
	v.SetDefault("LDAP_BIND_DN", "")
	v.SetDefault("LDAP_BIND_PASSWORD", "")
	v.SetDefault("LDAP_BASE_DN", "")
	v.SetDefault("LDAP_USER_FILTER", "")
	v.SetDefault("LDAP_GROUP_ATTRIBUTE", "")
	v.SetDefault("OIDC_ISSUER", "")
	v.SetDefault("OIDC_CLIENT_ID", "")
	v.SetDefault("OIDC_CLIENT_SECRET", "")
	v.SetDefault("OIDC_REDIRECT_URL", "")
	v.SetDefault("SAML_IDP_SSO_URL", "")
	v.SetDefault("SAML_IDP_ISSUER", "")
	v.SetDefault("SAML_SP_ISSUER", "")
	v.SetDefault("SAML_AUDIENCE_URI", "")
	v.SetDefault("SAML_ACS_URL", "")
	v.SetDefault("SAML_IDP_CERT_FILE", "")

	v.SetDefault("POLICY_ENGINE_URL", "")
	v.SetDefault("POLICY_ENGINE_PACKAGE", "sark/authz")
	v.SetDefault("POLICY_ENGINE_TIMEOUT_MS", 2000)
	v.SetDefault("POLICY_CACHE_TTL_HIGH", 60)
	v.SetDefault("POLICY_CACHE_TTL_LOW", 600)
	v.SetDefault("POLICY_CACHE_TTL_DENY", 30)
	v.SetDefault("POLICY_CACHE_MAX_ENTRIES", 100000)

	v.SetDefault("RATE_LIMIT_USER_PER_MIN", 5000)
	v.SetDefault("RATE_LIMIT_APIKEY_PER_MIN", 1000)
	v.SetDefault("RATE_LIMIT_PUBLIC_PER_MIN", 100)
	v.SetDefault("RATE_LIMIT_EXEMPT_PRINCIPALS", []string{})

	v.SetDefault("SIEM_BATCH_SIZE", 100)
	v.SetDefault("SIEM_BATCH_INTERVAL_MS", 5000)
	v.SetDefault("SIEM_COMPRESSION_THRESHOLD_BYTES", 1024)
	v.SetDefault("SIEM_MAX_RETRIES", 3)
	v.SetDefault("SIEM_REQUEST_TIMEOUT_MS", 10000)
	v.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_RECOVERY_TIMEOUT_S", 60)
	v.SetDefault("CIRCUIT_SUCCESS_THRESHOLD", 2)
	v.SetDefault("FALLBACK_LOG_DIR", "")
	v.SetDefault("FALLBACK_MAX_FILE_BYTES", int64(100*1024*1024))
	v.SetDefault("SIEM_REPLAY_INTERVAL_S", 60)
	v.SetDefault("SPLUNK_HEC_URL", "")
	v.SetDefault("SPLUNK_HEC_TOKEN", "")
	v.SetDefault("SPLUNK_INDEX", "")
	v.SetDefault("DATADOG_SITE", "datadoghq.com")
	v.SetDefault("DATADOG_API_KEY", "")
	v.SetDefault("SIEM_FILE_PATH", "")
}

// DefaultFallbackDir returns the process-owned fallback directory used when
// FALLBACK_LOG_DIR is not set. The per-user subdirectory avoids symlink races
// on the shared temp root.
func DefaultFallbackDir() string {
	return filepath.Join(os.TempDir(), "sark", "siem_fallback")
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		ListenAddr:   v.GetString("LISTEN_ADDR"),
		APIKeyDBPath: v.GetString("APIKEY_DB_PATH"),
		Auth: AuthConfig{
			JWTSecret:               v.GetString("JWT_SECRET"),
			Issuer:                  v.GetString("JWT_ISSUER"),
			AccessTokenTTL:          time.Duration(v.GetInt("ACCESS_TOKEN_TTL_MIN")) * time.Minute,
			RefreshTokenTTL:         time.Duration(v.GetInt("REFRESH_TOKEN_TTL_DAYS")) * 24 * time.Hour,
			MaxSessionsPerPrincipal: v.GetInt("MAX_SESSIONS_PER_PRINCIPAL"),
			IdleTimeout:             time.Duration(v.GetInt("IDLE_TIMEOUT_MIN")) * time.Minute,
			ProviderTimeout:         time.Duration(v.GetInt("PROVIDER_TIMEOUT_MS")) * time.Millisecond,
			RedisAddr:               v.GetString("REDIS_ADDR"),
		},
		Providers: ProvidersConfig{
			Directory: DirectoryProviderConfig{
				URL:            v.GetString("LDAP_URL"),
				BindDN:         v.GetString("LDAP_BIND_DN"),
				BindPassword:   v.GetString("LDAP_BIND_PASSWORD"),
				BaseDN:         v.GetString("LDAP_BASE_DN"),
				UserFilter:     v.GetString("LDAP_USER_FILTER"),
				GroupAttribute: v.GetString("LDAP_GROUP_ATTRIBUTE"),
			},
			OIDC: OIDCProviderConfig{
				Issuer:       v.GetString("OIDC_ISSUER"),
				ClientID:     v.GetString("OIDC_CLIENT_ID"),
				ClientSecret: v.GetString("OIDC_CLIENT_SECRET"),
				RedirectURL:  v.GetString("OIDC_REDIRECT_URL"),
			},
			SAML: SAMLProviderConfig{
				IDPSSOURL:            v.GetString("SAML_IDP_SSO_URL"),
				IDPIssuer:            v.GetString("SAML_IDP_ISSUER"),
				SPIssuer:             v.GetString("SAML_SP_ISSUER"),
				AudienceURI:          v.GetString("SAML_AUDIENCE_URI"),
				AssertionConsumerURL: v.GetString("SAML_ACS_URL"),
				IDPCertFile:          v.GetString("SAML_IDP_CERT_FILE"),
			},
		},
		Policy: PolicyConfig{
			EngineURL:       v.GetString("POLICY_ENGINE_URL"),
			EnginePackage:   v.GetString("POLICY_ENGINE_PACKAGE"),
			EngineTimeout:   time.Duration(v.GetInt("POLICY_ENGINE_TIMEOUT_MS")) * time.Millisecond,
			CacheTTLHigh:    time.Duration(v.GetInt("POLICY_CACHE_TTL_HIGH")) * time.Second,
			CacheTTLLow:     time.Duration(v.GetInt("POLICY_CACHE_TTL_LOW")) * time.Second,
			CacheTTLDeny:    time.Duration(v.GetInt("POLICY_CACHE_TTL_DENY")) * time.Second,
			CacheMaxEntries: v.GetInt("POLICY_CACHE_MAX_ENTRIES"),
		},
		RateLimit: RateLimitConfig{
			UserPerMin:       v.GetInt("RATE_LIMIT_USER_PER_MIN"),
			APIKeyPerMin:     v.GetInt("RATE_LIMIT_APIKEY_PER_MIN"),
			PublicPerMin:     v.GetInt("RATE_LIMIT_PUBLIC_PER_MIN"),
			ExemptPrincipals: v.GetStringSlice("RATE_LIMIT_EXEMPT_PRINCIPALS"),
		},
		SIEM: SIEMConfig{
			BatchSize:               v.GetInt("SIEM_BATCH_SIZE"),
			BatchInterval:           time.Duration(v.GetInt("SIEM_BATCH_INTERVAL_MS")) * time.Millisecond,
			CompressionThreshold:    v.GetInt("SIEM_COMPRESSION_THRESHOLD_BYTES"),
			MaxRetries:              v.GetInt("SIEM_MAX_RETRIES"),
			RequestTimeout:          time.Duration(v.GetInt("SIEM_REQUEST_TIMEOUT_MS")) * time.Millisecond,
			CircuitFailureThreshold: v.GetInt("CIRCUIT_FAILURE_THRESHOLD"),
			CircuitRecoveryTimeout:  time.Duration(v.GetInt("CIRCUIT_RECOVERY_TIMEOUT_S")) * time.Second,
			CircuitSuccessThreshold: v.GetInt("CIRCUIT_SUCCESS_THRESHOLD"),
			FallbackDir:             v.GetString("FALLBACK_LOG_DIR"),
			FallbackMaxFileBytes:    v.GetInt64("FALLBACK_MAX_FILE_BYTES"),
			ReplayInterval:          time.Duration(v.GetInt("SIEM_REPLAY_INTERVAL_S")) * time.Second,
			SplunkURL:               v.GetString("SPLUNK_HEC_URL"),
			SplunkToken:             v.GetString("SPLUNK_HEC_TOKEN"),
			SplunkIndex:             v.GetString("SPLUNK_INDEX"),
			DatadogSite:             v.GetString("DATADOG_SITE"),
			DatadogAPIKey:           v.GetString("DATADOG_API_KEY"),
			FilePath:                v.GetString("SIEM_FILE_PATH"),
		},
	}

	if cfg.SIEM.FallbackDir == "" {
		cfg.SIEM.FallbackDir = DefaultFallbackDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would make the gateway unsafe to serve.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.NewConfigurationError("JWT_SECRET must be set", nil)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.NewConfigurationError("JWT_SECRET must be at least 32 bytes", nil)
	}
	if c.Auth.MaxSessionsPerPrincipal < 1 {
		return errors.NewConfigurationError("MAX_SESSIONS_PER_PRINCIPAL must be at least 1", nil)
	}
	if c.Policy.CacheMaxEntries < 1 {
		return errors.NewConfigurationError("POLICY_CACHE_MAX_ENTRIES must be at least 1", nil)
	}
	if c.SIEM.BatchSize < 1 {
		return errors.NewConfigurationError("SIEM_BATCH_SIZE must be at least 1", nil)
	}
	return nil
}
