// Package crypto provides the small set of cryptographic primitives shared by
// the token, session, and API key subsystems: random generation, base62
// encoding, one-way hashing of secrets, and constant-time comparison.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomBase62 returns a base62 string encoding n random bytes of entropy.
// Used for refresh tokens and API key bodies, where the result must be safe
// to carry in headers and shell commands.
func RandomBase62(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return EncodeBase62(b), nil
}

// EncodeBase62 encodes raw bytes as base62. Leading zero bytes are preserved
// as leading '0' characters so the encoding is injective for fixed-length
// inputs.
func EncodeBase62(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	num := new(big.Int).SetBytes(b)
	base := big.NewInt(62)
	mod := new(big.Int)

	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base62Alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, base62Alphabet[0])
	}

	// The digits come out least-significant first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// HashSecret computes the hex-encoded SHA-256 digest of a secret. The inputs
// hashed here (refresh tokens, API key bodies) carry at least 256 bits of
// entropy, so a fast one-way function is sufficient; no salt or key
// stretching is required.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings in constant time to defeat timing
// oracles. Both operands are hashed first so that length differences do not
// leak either.
func ConstantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
