package oauth

import "time"

const (
	// DefaultExpiryBuffer anticipates the time a request spends in flight.
	DefaultExpiryBuffer = 60 * time.Second

	// DefaultClockSkew absorbs drift between this host and the authorization server.
	DefaultClockSkew = 30 * time.Second
)

// Clock abstracts time.Now so expiry can be tested without waiting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ExpiryPolicy decides when an access token must no longer be sent.
// A token is expired when now >= exp - Buffer - ClockSkew.
type ExpiryPolicy struct {
	Buffer    time.Duration
	ClockSkew time.Duration
	Clock     Clock
}

// DefaultExpiryPolicy returns the policy with the default margins and the wall clock.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		Buffer:    DefaultExpiryBuffer,
		ClockSkew: DefaultClockSkew,
		Clock:     SystemClock,
	}
}

// Now returns the policy clock's current time.
func (p ExpiryPolicy) Now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}

// IsExpired reports whether ts must be refreshed before use.
// A nil set, or one whose expiry cannot be established, is expired.
func (p ExpiryPolicy) IsExpired(ts *TokenSet) bool {
	exp, ok := ts.AccessTokenExpiry()
	if !ok {
		return true
	}
	return !p.Now().Before(p.deadline(exp))
}

// Remaining returns how long ts stays usable under this policy.
// It is zero or negative once the token counts as expired.
func (p ExpiryPolicy) Remaining(ts *TokenSet) time.Duration {
	exp, ok := ts.AccessTokenExpiry()
	if !ok {
		return 0
	}
	return p.deadline(exp).Sub(p.Now())
}

// SessionExpired reports whether the refresh token of ts is known to have run
// out. Unknown refresh lifetimes (offline tokens) never count as expired.
func (p ExpiryPolicy) SessionExpired(ts *TokenSet) bool {
	exp, ok := ts.RefreshTokenExpiry()
	if !ok {
		return false
	}
	return !p.Now().Before(exp)
}

func (p ExpiryPolicy) deadline(exp time.Time) time.Time {
	return exp.Add(-p.Buffer - p.ClockSkew)
}
