package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sark-gateway/sark/pkg/apikeys"
	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/auth/providers"
	"github.com/sark-gateway/sark/pkg/auth/sessions"
	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/policy"
	"github.com/sark-gateway/sark/pkg/ratelimit"
)

type nullSink struct{}

func (nullSink) TryEnqueue(*audit.Event) bool { return true }

// mapProvider verifies credentials against a fixed user table.
type mapProvider struct {
	users map[string]testUser
}

type testUser struct {
	password string
	attrs    *providers.PrincipalAttributes
}

func (p *mapProvider) Name() string { return "directory" }

func (p *mapProvider) Verify(_ context.Context, cred providers.Credential) (*providers.PrincipalAttributes, error) {
	u, ok := p.users[cred.Username]
	if !ok || u.password != cred.Password {
		return nil, &providers.ProviderError{Provider: "directory", Kind: providers.KindCredentialInvalid}
	}
	return u.attrs, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	outcome policy.Outcome
}

func (e *fakeEngine) Evaluate(_ context.Context, _ policy.Input) (policy.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.outcome, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEngine) setOutcome(o policy.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcome = o
}

type fixture struct {
	srv    *httptest.Server
	engine *fakeEngine
	keys   *apikeys.Service
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:               "0123456789abcdef0123456789abcdef",
			Issuer:                  "sark-test",
			AccessTokenTTL:          time.Hour,
			RefreshTokenTTL:         7 * 24 * time.Hour,
			MaxSessionsPerPrincipal: 5,
			ProviderTimeout:         time.Second,
		},
		Policy: config.PolicyConfig{
			EngineTimeout:   time.Second,
			CacheTTLHigh:    time.Minute,
			CacheTTLLow:     10 * time.Minute,
			CacheTTLDeny:    30 * time.Second,
			CacheMaxEntries: 1024,
		},
		RateLimit: config.RateLimitConfig{
			UserPerMin:   1000,
			APIKeyPerMin: 1000,
			PublicPerMin: 1000,
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	log := slog.Default()

	mr := miniredis.RunT(t)
	store := sessions.NewStoreWithClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { _ = store.Close() })

	emitter := audit.NewEmitter(nullSink{}, nil, log)

	provider := &mapProvider{users: map[string]testUser{
		"alice": {password: "s3cret", attrs: &providers.PrincipalAttributes{
			PrincipalID: "ldap:alice",
			Kind:        "user",
			DisplayName: "Alice",
			Roles:       []string{"developer"},
			Teams:       []string{"platform"},
		}},
		"root": {password: "hunter2", attrs: &providers.PrincipalAttributes{
			PrincipalID: "ldap:root",
			Kind:        "user",
			Roles:       []string{"admin"},
		}},
	}}
	core := auth.NewCore(cfg.Auth, []providers.Provider{provider}, store, emitter, log)

	db, err := apikeys.OpenStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	keys := apikeys.NewService(db, emitter, log)

	engine := &fakeEngine{outcome: policy.Outcome{Decision: policy.DecisionAllow}}
	pde, err := policy.New(cfg.Policy, engine, emitter, log)
	require.NoError(t, err)

	limiter := ratelimit.New(cfg.RateLimit)

	srv := httptest.NewServer(NewServer(core, keys, pde, limiter, log).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: engine, keys: keys}
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type tokenPairBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

func (f *fixture) login(t *testing.T, username, password string) tokenPairBody {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/auth/login/directory",
		map[string]string{"username": username, "password": password}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[tokenPairBody](t, resp)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestServer_LoginAndMe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	pair := f.login(t, "alice", "s3cret")
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	resp := f.request(t, http.MethodGet, "/auth/me", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[map[string]any](t, resp)
	assert.Equal(t, "session", me["method"])
	assert.Equal(t, pair.SessionID, me["session_id"])
}

func TestServer_LoginBadCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	resp := f.request(t, http.MethodPost, "/auth/login/directory",
		map[string]string{"username": "alice", "password": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "invalid_credential", body.Error)
}

func TestServer_LoginUnknownProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	resp := f.request(t, http.MethodPost, "/auth/login/github",
		map[string]string{"username": "alice", "password": "s3cret"}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ExactlyOneCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")

	// Both at once is rejected, not resolved by precedence.
	resp := f.request(t, http.MethodGet, "/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + pair.AccessToken,
		"X-API-Key":     "sark_live_whatever",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Neither is rejected too.
	resp = f.request(t, http.MethodGet, "/auth/me", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RefreshAndRevoke(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")

	resp := f.request(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decode[tokenPairBody](t, resp)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	resp = f.request(t, http.MethodPost, "/auth/revoke", nil, bearer(next.AccessToken))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked session's refresh token no longer resolves.
	resp = f.request(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": next.RefreshToken}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RefreshReuseIsCompromise(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")

	resp := f.request(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.request(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "session_compromised", body.Error)
}

func TestServer_ProvidersIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	resp := f.request(t, http.MethodGet, "/auth/providers", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]string](t, resp)
	assert.Equal(t, []string{"directory"}, body["providers"])
}

func (f *fixture) mintKey(t *testing.T, token string, scopes []string) (string, string) {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/auth/api-keys", keyCreateRequest{
		Name:        "ci",
		Scopes:      scopes,
		Environment: "live",
		RateLimit:   100,
	}, bearer(token))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[keyResponse](t, resp)
	require.NotEmpty(t, body.Plaintext)
	return body.Key.KeyID, body.Plaintext
}

func TestServer_APIKeyLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")

	keyID, plaintext := f.mintKey(t, pair.AccessToken, []string{"policy:read", "keys:manage"})

	// The key authenticates via X-API-Key.
	resp := f.request(t, http.MethodGet, "/auth/me", nil, map[string]string{"X-API-Key": plaintext})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[map[string]any](t, resp)
	assert.Equal(t, "api_key", me["method"])
	assert.Equal(t, keyID, me["key_id"])

	resp = f.request(t, http.MethodGet, "/auth/api-keys", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]apikeys.Meta](t, resp)
	require.Len(t, list["keys"], 1)
	assert.Equal(t, keyID, list["keys"][0].KeyID)

	resp = f.request(t, http.MethodDelete, "/auth/api-keys/"+keyID, nil, bearer(pair.AccessToken))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Revoked keys fail closed with the uniform credential error.
	resp = f.request(t, http.MethodGet, "/auth/me", nil, map[string]string{"X-API-Key": plaintext})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_APIKeyRotationOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")
	keyID, oldPlaintext := f.mintKey(t, pair.AccessToken, []string{"keys:manage"})

	resp := f.request(t, http.MethodPost, "/auth/api-keys/"+keyID+"/rotate", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[keyResponse](t, resp)
	require.NotEmpty(t, rotated.Plaintext)
	assert.NotEqual(t, oldPlaintext, rotated.Plaintext)
	assert.Equal(t, keyID, rotated.Key.RotatedFrom)

	// Both keys work during the grace window.
	for _, key := range []string{oldPlaintext, rotated.Plaintext} {
		resp := f.request(t, http.MethodGet, "/auth/me", nil, map[string]string{"X-API-Key": key})
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/auth/api-keys/"+keyID+"/finalize", nil, bearer(pair.AccessToken))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/auth/me", nil, map[string]string{"X-API-Key": oldPlaintext})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_KeyScopeRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")
	_, plaintext := f.mintKey(t, pair.AccessToken, []string{"policy:read"})

	// A key without keys:manage cannot mint further keys.
	resp := f.request(t, http.MethodPost, "/auth/api-keys", keyCreateRequest{
		Name: "escalate", Scopes: []string{"keys:manage"}, Environment: "live", RateLimit: 10,
	}, map[string]string{"X-API-Key": plaintext})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "insufficient_scope", body.Error)
}

func TestServer_ForeignKeyReadsAsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	alice := f.login(t, "alice", "s3cret")
	root := f.login(t, "root", "hunter2")

	rootKeyID, _ := f.mintKey(t, root.AccessToken, []string{"keys:manage"})

	resp := f.request(t, http.MethodDelete, "/auth/api-keys/"+rootKeyID, nil, bearer(alice.AccessToken))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Admins may manage any key.
	aliceKeyID, _ := f.mintKey(t, alice.AccessToken, []string{"keys:manage"})
	resp = f.request(t, http.MethodDelete, "/auth/api-keys/"+aliceKeyID, nil, bearer(root.AccessToken))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func evaluateBody() evaluateRequest {
	return evaluateRequest{
		Action: "tools/call",
		Resource: policy.Resource{
			Type:        "mcp_server",
			ID:          "github",
			Sensitivity: "low",
		},
		// A fixed timestamp keeps the fingerprint stable across the
		// minute-bucket boundary.
		Context: map[string]string{"timestamp": "2026-08-24T12:00:00Z"},
	}
}

func TestServer_EvaluateAllowThenCacheHit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")

	resp := f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	out := decode[policy.Outcome](t, resp)
	assert.Equal(t, "allow", out.Decision)

	resp = f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	resp.Body.Close()

	assert.Equal(t, 1, f.engine.callCount())
}

func TestServer_EvaluateDenyIs403(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.engine.setOutcome(policy.Outcome{Decision: policy.DecisionDeny, Reason: "not_permitted"})
	pair := f.login(t, "alice", "s3cret")

	resp := f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), bearer(pair.AccessToken))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	out := decode[policy.Outcome](t, resp)
	assert.Equal(t, "deny", out.Decision)
	assert.Equal(t, "not_permitted", out.Reason)
}

func TestServer_CacheBypassIsAdminOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	alice := f.login(t, "alice", "s3cret")
	root := f.login(t, "root", "hunter2")

	withBypass := func(token string) map[string]string {
		h := bearer(token)
		h[headerCacheBypass] = "true"
		return h
	}

	// Warm the cache per principal.
	resp := f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), bearer(alice.AccessToken))
	resp.Body.Close()
	resp = f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), bearer(root.AccessToken))
	resp.Body.Close()
	require.Equal(t, 2, f.engine.callCount())

	// A non-admin's bypass flag is ignored: still served from cache.
	resp = f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), withBypass(alice.AccessToken))
	resp.Body.Close()
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, 2, f.engine.callCount())

	// An admin's bypass forces a fresh evaluation.
	resp = f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(), withBypass(root.AccessToken))
	resp.Body.Close()
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, 3, f.engine.callCount())
}

func TestServer_EvaluateRequiresPolicyReadScope(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	pair := f.login(t, "alice", "s3cret")
	_, plaintext := f.mintKey(t, pair.AccessToken, []string{"server:read"})

	resp := f.request(t, http.MethodPost, "/policy/evaluate", evaluateBody(),
		map[string]string{"X-API-Key": plaintext})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_PublicRateLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit.PublicPerMin = 3
	f := newFixture(t, cfg)

	var last *http.Response
	for i := 0; i < 4; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = f.request(t, http.MethodGet, "/auth/providers", nil, nil)
	}
	defer last.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "3", last.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestServer_RateLimitHeadersOnSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	resp := f.request(t, http.MethodGet, "/auth/providers", nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	resp := f.request(t, http.MethodGet, "/healthz", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MalformedBodyIs400(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/login/directory",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
