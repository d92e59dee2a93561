package apikeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/crypto"
	"github.com/sark-gateway/sark/pkg/errors"
)

const (
	// keySystemPrefix identifies keys minted by this system.
	keySystemPrefix = "sark"

	// displayPrefixLen is how much of the plaintext is kept for display.
	displayPrefixLen = 12

	// keyBodyBytes is the entropy of the secret body.
	keyBodyBytes = 32

	// DefaultRotationGrace is how long a rotated-away key stays valid
	// waiting for the caller to confirm the new one.
	DefaultRotationGrace = 24 * time.Hour
)

// Environments a key can be minted for.
const (
	EnvLive = "live"
	EnvTest = "test"
)

// Scopes is the closed vocabulary of API key scopes.
var Scopes = map[string]struct{}{
	"server:read":  {},
	"server:write": {},
	"server:admin": {},
	"policy:read":  {},
	"policy:write": {},
	"keys:manage":  {},
	"audit:read":   {},
}

// Meta is the non-secret view of a key.
type Meta struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	OwnerPrincipalID string     `json:"owner_principal_id"`
	Scopes           []string   `json:"scopes"`
	Environment      string     `json:"environment"`
	RateLimitPerMin  int        `json:"rate_limit_per_min"`
	KeyPrefix        string     `json:"key_prefix"`
	RotatedFrom      string     `json:"rotated_from,omitempty"`
	RotationDeadline *time.Time `json:"rotation_deadline,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// APIKeyPrincipal is the identity a validated key proves.
type APIKeyPrincipal struct {
	KeyID            string
	OwnerPrincipalID string
	Scopes           []string
	Environment      string
	RateLimitPerMin  int
}

// HasScopes reports whether the key carries every required scope.
func (p *APIKeyPrincipal) HasScopes(required ...string) error {
	have := make(map[string]struct{}, len(p.Scopes))
	for _, s := range p.Scopes {
		have[s] = struct{}{}
	}
	for _, req := range required {
		if _, ok := have[req]; !ok {
			return errors.NewInsufficientScopeError(
				fmt.Sprintf("missing required scope %s", req), nil)
		}
	}
	return nil
}

// MintRequest describes a key to create.
type MintRequest struct {
	Name             string
	OwnerPrincipalID string
	Scopes           []string
	Environment      string
	RateLimitPerMin  int
	ExpiresAt        *time.Time
}

// Service owns the API key lifecycle.
type Service struct {
	db      *sql.DB
	emitter *audit.Emitter
	log     *slog.Logger
	grace   time.Duration
	now     func() time.Time
}

// NewService wraps an open key database.
func NewService(db *sql.DB, emitter *audit.Emitter, log *slog.Logger) *Service {
	return &Service{
		db:      db,
		emitter: emitter,
		log:     log,
		grace:   DefaultRotationGrace,
		now:     time.Now,
	}
}

func (s *Service) validateMint(req *MintRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.NewInvalidInputError("key name is required", nil)
	}
	if req.OwnerPrincipalID == "" {
		return errors.NewInvalidInputError("owner principal is required", nil)
	}
	if req.Environment != EnvLive && req.Environment != EnvTest {
		return errors.NewInvalidInputError(
			fmt.Sprintf("environment must be %s or %s", EnvLive, EnvTest), nil)
	}
	if len(req.Scopes) == 0 {
		return errors.NewInvalidInputError("at least one scope is required", nil)
	}
	for _, scope := range req.Scopes {
		if _, ok := Scopes[scope]; !ok {
			return errors.NewInvalidInputError(fmt.Sprintf("unknown scope %s", scope), nil)
		}
	}
	if req.RateLimitPerMin <= 0 {
		return errors.NewInvalidInputError("rate limit must be positive", nil)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return errors.NewInvalidInputError("expiry must be in the future", nil)
	}
	return nil
}

// Mint creates a key and returns its metadata together with the plaintext.
// The plaintext is never reconstructable afterwards.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*Meta, string, error) {
	if err := s.validateMint(&req); err != nil {
		return nil, "", err
	}
	meta, plaintext, err := s.insert(ctx, req, "")
	if err != nil {
		return nil, "", err
	}

	s.emitter.Emit(ctx, audit.NewEvent(audit.EventKindKeyIssued, "apikeys", audit.OutcomeSuccess).
		WithPrincipal(req.OwnerPrincipalID).
		WithResource("api_key/"+meta.KeyID).
		WithAttribute("key_prefix", meta.KeyPrefix).
		WithAttribute("environment", meta.Environment).
		WithAttribute("scopes", strings.Join(meta.Scopes, ",")))
	return meta, plaintext, nil
}

func (s *Service) insert(ctx context.Context, req MintRequest, rotatedFrom string) (*Meta, string, error) {
	body, err := crypto.RandomBase62(keyBodyBytes)
	if err != nil {
		return nil, "", errors.NewInternalError("failed to generate key material", err)
	}
	plaintext := fmt.Sprintf("%s_%s_%s", keySystemPrefix, req.Environment, body)

	meta := &Meta{
		KeyID:            uuid.NewString(),
		Name:             req.Name,
		OwnerPrincipalID: req.OwnerPrincipalID,
		Scopes:           append([]string(nil), req.Scopes...),
		Environment:      req.Environment,
		RateLimitPerMin:  req.RateLimitPerMin,
		KeyPrefix:        plaintext[:displayPrefixLen],
		RotatedFrom:      rotatedFrom,
		CreatedAt:        s.now().UTC(),
		ExpiresAt:        req.ExpiresAt,
	}

	scopesJSON, err := json.Marshal(meta.Scopes)
	if err != nil {
		return nil, "", errors.NewInternalError("failed to encode scopes", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			key_id, name, owner_principal_id, scopes, environment,
			rate_limit_per_min, key_prefix, key_hash, rotated_from,
			created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.KeyID, meta.Name, meta.OwnerPrincipalID, string(scopesJSON),
		meta.Environment, meta.RateLimitPerMin, meta.KeyPrefix,
		crypto.HashSecret(body), nullString(rotatedFrom),
		formatTime(meta.CreatedAt), formatTimePtr(meta.ExpiresAt),
	)
	if err != nil {
		return nil, "", errors.NewInternalError("failed to persist key", err)
	}
	return meta, plaintext, nil
}

// Validate checks a plaintext key and returns the principal it proves.
// Failures are uniform invalid_credential errors: a revoked key and an
// unknown key are indistinguishable to the caller.
func (s *Service) Validate(ctx context.Context, plaintext string) (*APIKeyPrincipal, error) {
	prefix, env, body, ok := splitKey(plaintext)
	if !ok || prefix != keySystemPrefix || (env != EnvLive && env != EnvTest) {
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}

	hash := crypto.HashSecret(body)
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, owner_principal_id, scopes, environment,
		       rate_limit_per_min, key_hash, rotation_deadline,
		       expires_at, revoked_at
		FROM api_keys WHERE key_hash = ?`, hash)

	var (
		keyID, owner, scopesJSON, storedEnv, storedHash string
		rateLimit                                       int
		rotationDeadline, expiresAt, revokedAt          sql.NullString
	)
	err := row.Scan(&keyID, &owner, &scopesJSON, &storedEnv,
		&rateLimit, &storedHash, &rotationDeadline, &expiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to look up key", err)
	}

	if !crypto.ConstantTimeEqual(storedHash, hash) || storedEnv != env {
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}

	now := s.now().UTC()
	if t, ok := parseTime(revokedAt); ok && !t.After(now) {
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}
	if t, ok := parseTime(expiresAt); ok && !t.After(now) {
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}
	if t, ok := parseTime(rotationDeadline); ok && !t.After(now) {
		// Rotation grace elapsed without finalize; the old key is dead.
		return nil, errors.NewInvalidCredentialError("invalid API key", nil)
	}

	var scopes []string
	if err := json.Unmarshal([]byte(scopesJSON), &scopes); err != nil {
		return nil, errors.NewInternalError("stored scopes are corrupt", err)
	}

	// Best effort: a failed usage timestamp must not fail validation.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
		formatTime(now), keyID); err != nil {
		s.log.Warn("failed to update key last_used_at", "key_id", keyID, "error", err)
	}

	return &APIKeyPrincipal{
		KeyID:            keyID,
		OwnerPrincipalID: owner,
		Scopes:           scopes,
		Environment:      storedEnv,
		RateLimitPerMin:  rateLimit,
	}, nil
}

// Rotate mints a replacement key carrying the old key's attributes. The old
// key stays valid until Finalize or the grace period elapses, so callers can
// deploy the new key without downtime.
func (s *Service) Rotate(ctx context.Context, keyID string) (*Meta, string, error) {
	old, err := s.getMeta(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	if old.RevokedAt != nil {
		return nil, "", errors.NewInvalidInputError("cannot rotate a revoked key", nil)
	}

	meta, plaintext, err := s.insert(ctx, MintRequest{
		Name:             old.Name,
		OwnerPrincipalID: old.OwnerPrincipalID,
		Scopes:           old.Scopes,
		Environment:      old.Environment,
		RateLimitPerMin:  old.RateLimitPerMin,
		ExpiresAt:        old.ExpiresAt,
	}, keyID)
	if err != nil {
		return nil, "", err
	}

	deadline := s.now().UTC().Add(s.grace)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET rotation_deadline = ?
		WHERE key_id = ? AND rotation_deadline IS NULL`,
		formatTime(deadline), keyID); err != nil {
		return nil, "", errors.NewInternalError("failed to start rotation grace", err)
	}

	s.emitter.Emit(ctx, audit.NewEvent(audit.EventKindKeyRotated, "apikeys", audit.OutcomeSuccess).
		WithPrincipal(old.OwnerPrincipalID).
		WithResource("api_key/"+keyID).
		WithAttribute("replacement_key_id", meta.KeyID).
		WithAttribute("grace_deadline", deadline.Format(time.RFC3339)))
	return meta, plaintext, nil
}

// Finalize confirms a rotation: the caller has deployed the replacement, so
// the old key is revoked immediately instead of waiting out the grace.
func (s *Service) Finalize(ctx context.Context, oldKeyID string) error {
	old, err := s.getMeta(ctx, oldKeyID)
	if err != nil {
		return err
	}
	if old.RotationDeadline == nil && old.RevokedAt == nil {
		return errors.NewInvalidInputError("key is not being rotated", nil)
	}
	return s.Revoke(ctx, oldKeyID)
}

// Revoke marks a key revoked. Idempotent; revoking a revoked key is a no-op.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	old, err := s.getMeta(ctx, keyID)
	if err != nil {
		return err
	}
	if old.RevokedAt != nil {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ?
		WHERE key_id = ? AND revoked_at IS NULL`,
		formatTime(s.now().UTC()), keyID); err != nil {
		return errors.NewInternalError("failed to revoke key", err)
	}

	s.emitter.Emit(ctx, audit.NewEvent(audit.EventKindKeyRevoked, "apikeys", audit.OutcomeSuccess).
		WithPrincipal(old.OwnerPrincipalID).
		WithResource("api_key/" + keyID))
	return nil
}

// List returns all keys owned by a principal, newest first.
func (s *Service) List(ctx context.Context, ownerPrincipalID string) ([]*Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, name, owner_principal_id, scopes, environment,
		       rate_limit_per_min, key_prefix, rotated_from, rotation_deadline,
		       created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE owner_principal_id = ?
		ORDER BY created_at DESC`, ownerPrincipalID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list keys", err)
	}
	defer rows.Close()

	var out []*Meta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to list keys", err)
	}
	return out, nil
}

// Get returns one key's metadata.
func (s *Service) Get(ctx context.Context, keyID string) (*Meta, error) {
	return s.getMeta(ctx, keyID)
}

func (s *Service) getMeta(ctx context.Context, keyID string) (*Meta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, name, owner_principal_id, scopes, environment,
		       rate_limit_per_min, key_prefix, rotated_from, rotation_deadline,
		       created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE key_id = ?`, keyID)
	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("key not found", nil)
	}
	return meta, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (*Meta, error) {
	var (
		meta       Meta
		scopesJSON string
		rotated    sql.NullString
		deadline   sql.NullString
		createdAt  string
		expires    sql.NullString
		revoked    sql.NullString
		lastUsed   sql.NullString
	)
	err := row.Scan(&meta.KeyID, &meta.Name, &meta.OwnerPrincipalID, &scopesJSON,
		&meta.Environment, &meta.RateLimitPerMin, &meta.KeyPrefix,
		&rotated, &deadline, &createdAt, &expires, &revoked, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to read key row", err)
	}

	if err := json.Unmarshal([]byte(scopesJSON), &meta.Scopes); err != nil {
		return nil, errors.NewInternalError("stored scopes are corrupt", err)
	}
	meta.RotatedFrom = rotated.String
	meta.RotationDeadline = timePtr(deadline)
	meta.ExpiresAt = timePtr(expires)
	meta.RevokedAt = timePtr(revoked)
	meta.LastUsedAt = timePtr(lastUsed)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.NewInternalError("stored created_at is corrupt", err)
	}
	meta.CreatedAt = created
	return &meta, nil
}

func splitKey(plaintext string) (prefix, env, body string, ok bool) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[2] == "" || len(parts[2]) < 32 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func timePtr(v sql.NullString) *time.Time {
	if t, ok := parseTime(v); ok {
		return &t
	}
	return nil
}
