package mock

import (
	"testing"
	"time"

	"tokenward/pkg/oauth"
)

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if !clock.Now().Equal(fixedTime) {
		t.Errorf("Expected time %v, got %v", fixedTime, clock.Now())
	}
}

func TestMockClock_Advance(t *testing.T) {
	startTime := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(startTime)

	clock.Advance(1 * time.Hour)
	clock.Advance(30 * time.Minute)

	expectedTime := startTime.Add(90 * time.Minute)
	if !clock.Now().Equal(expectedTime) {
		t.Errorf("Expected time %v after advance, got %v", expectedTime, clock.Now())
	}
}

func TestMockClock_AdvanceReturnsNewTime(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Advance(11 * time.Minute); !got.Equal(start.Add(11 * time.Minute)) {
		t.Errorf("Advance returned %v", got)
	}
	if got := clock.Advance(-11 * time.Minute); !got.Equal(start) {
		t.Errorf("rewinding should return to %v, got %v", start, got)
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Time{})

	newTime := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	clock.Set(newTime)

	if !clock.Now().Equal(newTime) {
		t.Errorf("Expected time %v after Set, got %v", newTime, clock.Now())
	}
}

func TestMockClock_ZeroTime(t *testing.T) {
	before := time.Now()
	clock := NewMockClock(time.Time{})
	after := time.Now()

	clockTime := clock.Now()
	if clockTime.Before(before) || clockTime.After(after) {
		t.Errorf("MockClock with zero time should initialize to current time")
	}
}

func TestMockClock_DrivesExpiryPolicy(t *testing.T) {
	issuedAt := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewMockClock(issuedAt)
	policy := oauth.ExpiryPolicy{Buffer: 60 * time.Second, ClockSkew: 30 * time.Second, Clock: clock}

	ts := &oauth.TokenSet{
		AccessToken:  "opaque-access",
		RefreshToken: "opaque-refresh",
		ExpiresIn:    300,
		TokenType:    oauth.TokenTypeBearer,
		ObtainedAt:   issuedAt,
	}

	if policy.IsExpired(ts) {
		t.Fatal("token should be valid at issue time")
	}

	clock.Advance(209 * time.Second)
	if policy.IsExpired(ts) {
		t.Error("token should still be valid with 91s remaining")
	}

	clock.Advance(1 * time.Second)
	if !policy.IsExpired(ts) {
		t.Error("token should be expired with 90s remaining")
	}
}
