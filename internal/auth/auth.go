package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const (
	ctxBearer ctxKey = "bearer"
	ctxClaims ctxKey = "claims"
)

// Verifier validates bearer credentials. Order of checks per request:
// JWT signature (when a key is configured), then DB token lookup, then
// the static token list. A revoked DB token rejects immediately without
// falling through to the static list.
type Verifier struct {
	Secret       string
	PublicKey    *rsa.PublicKey
	StaticTokens []string
	Tokens       store.TokenStore
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key for RS256
// verification.
func ParseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM([]byte(pemStr))
}

func (v *Verifier) jwtConfigured() bool {
	return v.Secret != "" || v.PublicKey != nil
}

// VerifyJWT checks the token signature against the configured key and
// returns its claims.
func (v *Verifier) VerifyJWT(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if v.Secret == "" {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(v.Secret), nil
		case *jwt.SigningMethodRSA:
			if v.PublicKey == nil {
				return nil, jwt.ErrSignatureInvalid
			}
			return v.PublicKey, nil
		default:
			return nil, jwt.ErrSignatureInvalid
		}
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
}

// Middleware authenticates every request with a bearer token.
// Unauthenticated routes (health, config, metrics) are mounted outside
// this middleware by the router.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerFromHeader(r)
			if tok == "" {
				log.Warn().Str("path", r.URL.Path).Msg("missing bearer token")
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), ctxBearer, tok)

			if v.jwtConfigured() {
				if claims, err := v.VerifyJWT(tok); err == nil {
					ctx = context.WithValue(ctx, ctxClaims, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				// Fall through to opaque token paths; a malformed JWT
				// may simply be an opaque bearer token.
			}

			if v.Tokens != nil {
				row, err := v.Tokens.GetByValue(ctx, tok)
				switch {
				case err == nil && row.RevokedAt == nil:
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				case err == nil:
					log.Warn().Str("tokenId", row.ID).Msg("revoked token rejected")
					unauthorized(w)
					return
				case !errors.Is(err, store.ErrNotFound):
					log.Error().Err(err).Msg("token lookup failed")
				}
			}

			for _, s := range v.StaticTokens {
				if s != "" && s == tok {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			unauthorized(w)
		})
	}
}

// BearerFromHeader extracts the bearer token from the Authorization
// header, or "" when absent.
func BearerFromHeader(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}

// Bearer returns the authenticated bearer token from request context.
func Bearer(ctx context.Context) string {
	if s, ok := ctx.Value(ctxBearer).(string); ok {
		return s
	}
	return ""
}

// Claims returns the verified JWT claims, or nil when the request
// authenticated with an opaque token.
func Claims(ctx context.Context) jwt.MapClaims {
	if c, ok := ctx.Value(ctxClaims).(jwt.MapClaims); ok {
		return c
	}
	return nil
}
