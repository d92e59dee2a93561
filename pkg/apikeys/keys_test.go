package apikeys

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *recordingSink) TryEnqueue(e *audit.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingSink) {
	t.Helper()
	db, err := OpenStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := &recordingSink{}
	svc := NewService(db, audit.NewEmitter(sink, nil, slog.Default()), slog.Default())
	return svc, sink
}

func mintRequest() MintRequest {
	return MintRequest{
		Name:             "ci-deploy",
		OwnerPrincipalID: "user-1",
		Scopes:           []string{"server:read", "server:write"},
		Environment:      EnvLive,
		RateLimitPerMin:  100,
	}
}

func TestService_MintAndValidate(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	ctx := context.Background()

	meta, plaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "sark_live_"))
	assert.GreaterOrEqual(t, len(plaintext), len("sark_live_")+32)
	assert.Equal(t, plaintext[:12], meta.KeyPrefix)
	assert.Equal(t, []string{audit.EventKindKeyIssued}, sink.kinds())

	principal, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, meta.KeyID, principal.KeyID)
	assert.Equal(t, "user-1", principal.OwnerPrincipalID)
	assert.Equal(t, []string{"server:read", "server:write"}, principal.Scopes)
	assert.Equal(t, EnvLive, principal.Environment)
	assert.Equal(t, 100, principal.RateLimitPerMin)
}

func TestService_MintValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*MintRequest)
	}{
		{"no name", func(r *MintRequest) { r.Name = " " }},
		{"no owner", func(r *MintRequest) { r.OwnerPrincipalID = "" }},
		{"bad env", func(r *MintRequest) { r.Environment = "staging" }},
		{"no scopes", func(r *MintRequest) { r.Scopes = nil }},
		{"unknown scope", func(r *MintRequest) { r.Scopes = []string{"server:yolo"} }},
		{"bad rate limit", func(r *MintRequest) { r.RateLimitPerMin = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := mintRequest()
			tc.mutate(&req)
			_, _, err := svc.Mint(ctx, req)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidInput(err))
		})
	}
}

func TestService_ValidateRejectsMalformed(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, plaintext := range []string{
		"",
		"sark",
		"sark_live",
		"sark_live_short",
		"other_live_0123456789012345678901234567890123456789",
		"sark_staging_0123456789012345678901234567890123456789",
	} {
		_, err := svc.Validate(ctx, plaintext)
		require.Error(t, err, plaintext)
		assert.True(t, errors.IsInvalidCredential(err), plaintext)
	}
}

func TestService_ValidateUnknownKeyUniformError(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)

	_, err := svc.Validate(context.Background(),
		"sark_live_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidCredential(err))
}

func TestService_PlaintextNotStored(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	_, plaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	var count int
	body := strings.SplitN(plaintext, "_", 3)[2]
	err = svc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE key_hash = ? OR key_prefix = ?`,
		body, body).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "neither hash nor prefix column may contain the secret body")
}

func TestService_ValidateUpdatesLastUsed(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	meta, plaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	_, err = svc.Validate(ctx, plaintext)
	require.NoError(t, err)

	got, err := svc.Get(ctx, meta.KeyID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, time.Now(), *got.LastUsedAt, time.Minute)
}

func TestService_RevokeIsIdempotent(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	ctx := context.Background()

	meta, plaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, meta.KeyID))
	require.NoError(t, svc.Revoke(ctx, meta.KeyID))

	_, err = svc.Validate(ctx, plaintext)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidCredential(err))

	assert.Equal(t, []string{audit.EventKindKeyIssued, audit.EventKindKeyRevoked}, sink.kinds(),
		"the second revoke emits no event")
}

func TestService_RevokeUnknownKey(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	err := svc.Revoke(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestService_ExpiredKeyRejected(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	req := mintRequest()
	req.ExpiresAt = &expires
	_, plaintext, err := svc.Mint(ctx, req)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, plaintext)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Validate(ctx, plaintext)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidCredential(err))
}

func TestService_RotateOverlapWindow(t *testing.T) {
	t.Parallel()

	svc, sink := newTestService(t)
	ctx := context.Background()

	oldMeta, oldPlaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	newMeta, newPlaintext, err := svc.Rotate(ctx, oldMeta.KeyID)
	require.NoError(t, err)
	assert.Equal(t, oldMeta.KeyID, newMeta.RotatedFrom)
	assert.Equal(t, oldMeta.Scopes, newMeta.Scopes)

	// Both keys work during the grace window.
	_, err = svc.Validate(ctx, oldPlaintext)
	require.NoError(t, err, "old key stays valid during rotation grace")
	_, err = svc.Validate(ctx, newPlaintext)
	require.NoError(t, err)

	// Grace elapses without finalize.
	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = svc.Validate(ctx, oldPlaintext)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidCredential(err))
	_, err = svc.Validate(ctx, newPlaintext)
	require.NoError(t, err, "the replacement is unaffected by the old key's deadline")

	assert.Contains(t, sink.kinds(), audit.EventKindKeyRotated)
}

func TestService_FinalizeRevokesOldImmediately(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	oldMeta, oldPlaintext, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)
	_, newPlaintext, err := svc.Rotate(ctx, oldMeta.KeyID)
	require.NoError(t, err)

	require.NoError(t, svc.Finalize(ctx, oldMeta.KeyID))

	_, err = svc.Validate(ctx, oldPlaintext)
	require.Error(t, err)
	_, err = svc.Validate(ctx, newPlaintext)
	require.NoError(t, err)
}

func TestService_FinalizeWithoutRotation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	meta, _, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)

	err = svc.Finalize(ctx, meta.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidInput(err))
}

func TestService_RotateRevokedKeyRejected(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	meta, _, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, meta.KeyID))

	_, _, err = svc.Rotate(ctx, meta.KeyID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidInput(err))
}

func TestService_List(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Mint(ctx, mintRequest())
	require.NoError(t, err)
	other := mintRequest()
	other.Name = "backup"
	other.OwnerPrincipalID = "user-2"
	_, _, err = svc.Mint(ctx, other)
	require.NoError(t, err)

	keys, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "ci-deploy", keys[0].Name)
}

func TestAPIKeyPrincipal_HasScopes(t *testing.T) {
	t.Parallel()

	p := &APIKeyPrincipal{Scopes: []string{"server:read", "policy:read"}}

	assert.NoError(t, p.HasScopes("server:read"))
	assert.NoError(t, p.HasScopes("server:read", "policy:read"))

	err := p.HasScopes("server:read", "server:write")
	require.Error(t, err)
	assert.True(t, errors.IsInsufficientScope(err))
}
