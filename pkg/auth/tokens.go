package auth

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sark-gateway/sark/pkg/auth/sessions"
	"github.com/sark-gateway/sark/pkg/crypto"
	"github.com/sark-gateway/sark/pkg/errors"
)

// refreshTokenBytes is the entropy of a refresh token secret.
const refreshTokenBytes = 32

// accessClaims is the access token payload. The subject is the principal ID
// and sid anchors the token to its session; roles and teams are snapshotted
// at issuance.
type accessClaims struct {
	SessionID   string   `json:"sid"`
	Kind        string   `json:"kind,omitempty"`
	DisplayName string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Teams       []string `json:"teams,omitempty"`
	jwt.RegisteredClaims
}

// mintAccessToken signs a short-lived HS256 access token for the session.
func (c *Core) mintAccessToken(session *sessions.Session, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(c.cfg.AccessTokenTTL)
	claims := accessClaims{
		SessionID:   session.ID,
		Kind:        session.Principal.Kind,
		DisplayName: session.Principal.DisplayName,
		Email:       session.Principal.Email,
		Roles:       session.Principal.Roles,
		Teams:       session.Principal.Teams,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   session.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.NewInternalError("failed to sign access token", err)
	}
	return signed, expiresAt, nil
}

// parseAccessToken verifies signature, issuer, and expiry statelessly.
func (c *Core) parseAccessToken(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(c.cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.NewTokenExpiredError("access token expired", nil)
		}
		return nil, errors.NewTokenInvalidError("access token rejected", err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.NewTokenInvalidError("access token missing identity claims", nil)
	}
	return claims, nil
}

// newRefreshToken mints an opaque refresh token. The session ID rides along
// in the token so refresh can locate the session without a server-side
// token index; only the secret half is ever hashed and stored.
func newRefreshToken(sessionID string) (token, secretHash string, err error) {
	secret, err := crypto.RandomBase62(refreshTokenBytes)
	if err != nil {
		return "", "", errors.NewInternalError("failed to generate refresh token", err)
	}
	return sessionID + "." + secret, crypto.HashSecret(secret), nil
}

// splitRefreshToken recovers the session ID and the hash of the presented
// secret. Malformed tokens are indistinguishable from wrong ones.
func splitRefreshToken(token string) (sessionID, secretHash string, err error) {
	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return "", "", errors.NewTokenInvalidError("refresh token rejected", nil)
	}
	return id, crypto.HashSecret(secret), nil
}
