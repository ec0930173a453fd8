// Package token owns the bearer-credential lifecycle: decoding token claims,
// deciding when a refresh is due, and driving refresh calls through the auth
// collaborator.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// assumedLifetime is the nominal token lifetime used when iat is absent.
	assumedLifetime = 15 * time.Minute

	// absoluteRefreshWindow is how soon before expiry we refresh a token whose
	// issue time is unknown.
	absoluteRefreshWindow = 5 * time.Minute
)

// State holds the decoded claims of a bearer credential.
//
// Decoding never verifies the signature. The claims are only used for client
// control flow such as proactive refresh; server-side verification remains
// the source of truth.
type State struct {
	// Token is the raw credential.
	Token string
	// ExpiresAt is the exp claim; zero when absent.
	ExpiresAt time.Time
	// IssuedAt is the iat claim; zero when absent.
	IssuedAt time.Time
}

// HasExpiry reports whether the token carries an exp claim.
func (s State) HasExpiry() bool { return !s.ExpiresAt.IsZero() }

// HasIssuedAt reports whether the token carries an iat claim.
func (s State) HasIssuedAt() bool { return !s.IssuedAt.IsZero() }

// Lifetime returns the total token lifetime. When iat is absent the assumed
// nominal lifetime is returned. The second result is false when no lifetime
// can be computed at all (exp absent, or iat ahead of exp).
func (s State) Lifetime() (time.Duration, bool) {
	if !s.HasExpiry() {
		return 0, false
	}
	if !s.HasIssuedAt() {
		return assumedLifetime, true
	}
	life := s.ExpiresAt.Sub(s.IssuedAt)
	if life <= 0 {
		return 0, false
	}
	return life, true
}

// Remaining returns the lifetime left at the given instant. Negative means
// expired.
func (s State) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Decode parses a bearer credential's claims without verifying its signature.
func Decode(raw string) (State, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return State{}, fmt.Errorf("token is empty")
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return State{}, fmt.Errorf("decode token: %w", err)
	}

	st := State{Token: raw}
	if claims.ExpiresAt != nil {
		st.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		st.IssuedAt = claims.IssuedAt.Time
	}
	return st, nil
}

// NeedsRefresh reports whether a refresh is due for the given credential at
// the given instant.
//
// Rules:
//   - a token that cannot be decoded is due immediately (operating on a broken
//     credential is worse than an extra refresh)
//   - a token without exp cannot be scheduled against and is never due
//   - a token issued in the future (clock skew) is not due
//   - with iat present, refresh is due once remaining lifetime drops to a
//     third of the total lifetime
//   - without iat, a fixed window before expiry is used against an assumed
//     nominal lifetime
//
// NeedsRefresh is a pure function of the claims and the clock; it never
// mutates state and never returns an error.
func NeedsRefresh(raw string, now time.Time) bool {
	st, err := Decode(raw)
	if err != nil {
		return true
	}
	if !st.HasExpiry() {
		return false
	}
	if st.HasIssuedAt() && st.IssuedAt.After(now) {
		// Clock skew: don't guess against an absurd lifetime.
		return false
	}

	remaining := st.Remaining(now)
	if remaining <= 0 {
		return true
	}

	if st.HasIssuedAt() {
		life, ok := st.Lifetime()
		if !ok {
			return true
		}
		return remaining <= life/3
	}
	return remaining <= absoluteRefreshWindow
}
