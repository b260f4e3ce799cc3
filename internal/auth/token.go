package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenEntropyBytes is the raw entropy in an issued bearer token; the
// hex encoding doubles its length on the wire.
const tokenEntropyBytes = 24

// NewTokenValue returns a fresh cryptographically random bearer token.
func NewTokenValue() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// IssueJWT signs a short-lived JWT bound to an issued token row. Claims
// carry the token row id (tid) and the token value (t) so the server
// can correlate a JWT back to its credential.
func IssueJWT(secret, tokenID, tokenValue string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"tid": tokenID,
		"t":   tokenValue,
		"iat": now.Unix(),
		"exp": now.Add(24 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
