// Package jwtutil reads the expiration claim out of an opaque tunnel access
// token (spec.md §3: "an opaque JWT-like string with an expiration claim
// the core can parse"). The core never holds the relay's signing key, so
// parsing is deliberately unverified: the goal is only to decide whether a
// cached token is still usable before spending a connect attempt on it.
package jwtutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiration returns the token's exp claim. ok is false if the token
// cannot be parsed as a JWT at all (e.g. an opaque non-JWT token used by an
// anonymous tunnel) or carries no exp claim, in which case callers should
// treat the token as not expiring and let the relay be the final arbiter.
func Expiration(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.MapClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	expClaim, err := claims.GetExpirationTime()
	if err != nil || expClaim == nil {
		return time.Time{}, false
	}
	return expClaim.Time, true
}

// IsExpired reports whether token's exp claim is in the past, relative to
// now. A token with no parsable expiration is treated as not expired.
func IsExpired(token string, now time.Time) bool {
	exp, ok := Expiration(token)
	if !ok {
		return false
	}
	return !exp.After(now)
}
