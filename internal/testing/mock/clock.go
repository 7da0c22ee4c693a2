package mock

import (
	"sync"
	"time"

	"tokenward/pkg/oauth"
)

var _ oauth.Clock = (*MockClock)(nil)

// MockClock is an oauth.Clock that only moves when told to. Share one
// between the mock realm and the code under test so token lifetimes,
// expiry buffers and login timeouts line up without sleeping.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock starts the clock at t, or at the wall clock when t is zero.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Now()
	}
	return &MockClock{now: t}
}

// Now implements oauth.Clock.
func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance moves the clock by d, which may be negative, and returns the new
// time.
func (m *MockClock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps to t.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
