package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeClaims returns the claims of a JWT without verifying its signature.
//
// SECURITY: the result is only fit for client-side bookkeeping. Signature
// trust comes from the TLS connection to the authorization server that
// issued the token; nothing here authenticates anyone.
func DecodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token claims: %w", err)
	}
	return claims, nil
}

// DecodeExpiry returns the exp claim of a JWT. It returns false if the token
// is structurally invalid or has no exp claim; callers treat that as expired,
// never as non-expiring.
func DecodeExpiry(token string) (time.Time, bool) {
	claims, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// looksLikeJWT reports whether a token has the three-segment compact shape.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
