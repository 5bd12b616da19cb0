package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry reads the exp claim of an access token without verifying the
// signature. The provider signs with its own key; only the expiry matters
// here, and a token failing upstream validation surfaces as a 401 anyway.
func tokenExpiry(tokenString string) (time.Time, bool) {
	if tokenString == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
