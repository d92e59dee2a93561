// Package sessions persists refresh-token-anchored sessions in Redis. The
// store owns only storage and the atomicity of refresh rotation; session
// policy (caps, idle timeout, reuse handling) lives in the authentication
// core.
package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sark-gateway/sark/pkg/errors"
)

const (
	sessionKeyPrefix   = "sark:session:"
	principalKeyPrefix = "sark:principal:"

	// rotateAttempts bounds optimistic retries when concurrent refreshes race
	// on the same session.
	rotateAttempts = 3
)

// PrincipalSnapshot freezes the identity attributes captured at login.
// Refresh re-mints access tokens from this snapshot; attribute changes at
// the identity provider take effect on the next full authentication.
type PrincipalSnapshot struct {
	Kind        string            `json:"kind,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Teams       []string          `json:"teams,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Session is one refresh-token-anchored login. The refresh token itself is
// never stored, only its hash.
type Session struct {
	ID               string            `json:"session_id"`
	PrincipalID      string            `json:"principal_id"`
	Principal        PrincipalSnapshot `json:"principal"`
	RefreshTokenHash string            `json:"refresh_token_hash"`
	IssuedAt         time.Time         `json:"issued_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	LastSeenAt       time.Time         `json:"last_seen_at"`
	SourceIP         string            `json:"source_ip,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
}

// Store is a Redis-backed session store.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewStore connects to Redis at addr.
func NewStore(addr string, log *slog.Logger) *Store {
	return NewStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), log)
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(rdb *redis.Client, log *slog.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.NewUpstreamUnavailableError("session store unreachable", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func principalKey(principalID string) string {
	return principalKeyPrefix + principalID + ":sessions"
}

// Create persists a new session keyed until its expiry and indexes it under
// its principal.
func (s *Store) Create(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.NewInternalError("failed to encode session", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return errors.NewInvalidInputError("session already expired", nil)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), raw, ttl)
	pipe.SAdd(ctx, principalKey(session.PrincipalID), session.ID)
	pipe.Expire(ctx, principalKey(session.PrincipalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewUpstreamUnavailableError("failed to persist session", err)
	}
	return nil
}

// Get returns a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("session not found", nil)
	}
	if err != nil {
		return nil, errors.NewUpstreamUnavailableError("failed to load session", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, errors.NewInternalError("failed to decode session", err)
	}
	return &session, nil
}

// Touch updates last_seen_at without changing the session's expiry.
func (s *Store) Touch(ctx context.Context, id string, seenAt time.Time) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	session.LastSeenAt = seenAt
	return s.write(ctx, session)
}

func (s *Store) write(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.NewInternalError("failed to encode session", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, session.ID, session.PrincipalID)
	}
	if err := s.rdb.Set(ctx, sessionKey(session.ID), raw, ttl).Err(); err != nil {
		return errors.NewUpstreamUnavailableError("failed to persist session", err)
	}
	return nil
}

// Rotate atomically swaps the session's refresh token hash and restarts the
// refresh window: the session's expiry becomes now+ttl, so an actively
// refreshed session stays alive as long as each refresh lands inside the
// window. It compares the presented hash under an optimistic transaction: a
// mismatch means the presented token was already rotated away, which is the
// refresh-reuse signal. The pre-rotation session is returned either way so
// the caller can revoke and audit on reuse.
func (s *Store) Rotate(ctx context.Context, id, presentedHash, newHash string, now time.Time, ttl time.Duration) (*Session, error) {
	var session *Session

	rotate := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessionKey(id)).Bytes()
		if err == redis.Nil {
			return errors.NewNotFoundError("session not found", nil)
		}
		if err != nil {
			return errors.NewUpstreamUnavailableError("failed to load session", err)
		}
		session = &Session{}
		if err := json.Unmarshal(raw, session); err != nil {
			return errors.NewInternalError("failed to decode session", err)
		}

		if session.RefreshTokenHash != presentedHash {
			return errors.NewSessionCompromisedError("refresh token reuse detected", nil)
		}

		updated := *session
		updated.RefreshTokenHash = newHash
		updated.LastSeenAt = now
		if ttl > 0 {
			updated.ExpiresAt = now.Add(ttl)
		}
		next, err := json.Marshal(&updated)
		if err != nil {
			return errors.NewInternalError("failed to encode session", err)
		}
		remaining := time.Until(updated.ExpiresAt)
		if remaining <= 0 {
			return errors.NewTokenExpiredError("session expired", nil)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), next, remaining)
			return nil
		})
		return err
	}

	for i := 0; i < rotateAttempts; i++ {
		err := s.rdb.Watch(ctx, rotate, sessionKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return session, err
		}
		session.LastSeenAt = now
		session.RefreshTokenHash = newHash
		if ttl > 0 {
			session.ExpiresAt = now.Add(ttl)
		}
		return session, nil
	}
	return session, errors.NewUpstreamUnavailableError("session rotation contended, giving up", nil)
}

// Delete removes a session and its index entry. Deleting an absent session
// is not an error.
func (s *Store) Delete(ctx context.Context, id, principalID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	if principalID != "" {
		pipe.SRem(ctx, principalKey(principalID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewUpstreamUnavailableError("failed to delete session", err)
	}
	return nil
}

// ListByPrincipal returns the principal's live sessions, pruning index
// entries whose sessions have expired out from under the index.
func (s *Store) ListByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	ids, err := s.rdb.SMembers(ctx, principalKey(principalID)).Result()
	if err != nil {
		return nil, errors.NewUpstreamUnavailableError("failed to list sessions", err)
	}

	var live []*Session
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.IsNotFound(err) {
			if remErr := s.rdb.SRem(ctx, principalKey(principalID), id).Err(); remErr != nil {
				s.log.Warn("failed to prune expired session from index",
					"session_id", id, "principal_id", principalID, "error", remErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		live = append(live, session)
	}
	return live, nil
}
