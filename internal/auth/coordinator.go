package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tokenward/internal/metrics"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// DefaultRefreshTimeout bounds a single refresh-token grant.
const DefaultRefreshTimeout = 30 * time.Second

// refreshKey is the only singleflight key: there is one session to refresh.
const refreshKey = "refresh"

// RefreshState is the state of the refresh gate.
type RefreshState int32

const (
	// RefreshStateIdle means no refresh is in flight.
	RefreshStateIdle RefreshState = iota

	// RefreshStateRefreshing means one refresh grant is outstanding and
	// every caller that needs a token waits for it.
	RefreshStateRefreshing
)

// String returns the string representation of the refresh state.
func (s RefreshState) String() string {
	switch s {
	case RefreshStateIdle:
		return "idle"
	case RefreshStateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Refresher performs the refresh-token grant. *oauth.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenSet, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store     *TokenStore
	Refresher Refresher
	Policy    oauth.ExpiryPolicy

	// Timeout bounds each refresh grant. Defaults to DefaultRefreshTimeout.
	Timeout time.Duration
}

// Coordinator hands out valid token sets and funnels every refresh through
// one gate, so concurrent callers never present the same refresh token
// twice.
type Coordinator struct {
	store     *TokenStore
	refresher Refresher
	policy    oauth.ExpiryPolicy
	timeout   time.Duration

	group singleflight.Group
	state atomic.Int32

	// rejected is the last token set the resource server answered with
	// 401. A flight never hands it out again. A successful refresh clears it.
	mu       sync.Mutex
	rejected *oauth.TokenSet
}

// flightResult is what one refresh flight hands to everyone who joined it.
type flightResult struct {
	tokens    *oauth.TokenSet
	refreshed bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Coordinator{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		policy:    cfg.Policy,
		timeout:   timeout,
	}
}

// State reports whether a refresh is currently in flight.
func (c *Coordinator) State() RefreshState {
	return RefreshState(c.state.Load())
}

// EnsureValid returns a token set that is not expired under the policy,
// refreshing it first if needed. It fails with *oauth.AuthRequiredError
// when there is no session and with *oauth.AuthRefreshError when the
// authorization server rejects the refresh.
func (c *Coordinator) EnsureValid(ctx context.Context) (*oauth.TokenSet, error) {
	ts, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, &oauth.AuthRequiredError{Reason: "no session"}
	}
	if !c.policy.IsExpired(ts) && !c.isRejected(ts) {
		return ts, nil
	}
	res, err := c.join(ctx)
	if err != nil {
		return nil, err
	}
	return res.tokens, nil
}

// ForceRefresh replaces stale even though it may look valid locally, e.g.
// after the resource server refused it. If the store already holds a
// different usable token set, that one is returned without a network call.
// A nil stale refreshes whatever is currently stored.
func (c *Coordinator) ForceRefresh(ctx context.Context, stale *oauth.TokenSet) (*oauth.TokenSet, error) {
	current, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &oauth.AuthRequiredError{Reason: "no session"}
	}
	if stale == nil {
		stale = current
	} else if !sameTokenSet(current, stale) && !c.policy.IsExpired(current) && !c.isRejected(current) {
		return current, nil
	}
	c.markRejected(stale)

	res, err := c.join(ctx)
	if err != nil {
		return nil, err
	}
	if res.refreshed || !sameTokenSet(res.tokens, stale) {
		return res.tokens, nil
	}
	// Joined a flight that had already decided to reuse the stale set
	// before it was marked. The next flight sees the mark.
	res, err = c.join(ctx)
	if err != nil {
		return nil, err
	}
	return res.tokens, nil
}

// Invalidate forgets the session after an unrecoverable refresh failure.
// The store is only cleared while it still holds failed's refresh token,
// so a login that completed in the meantime survives.
func (c *Coordinator) Invalidate(ctx context.Context, failed *oauth.TokenSet) error {
	if failed == nil {
		return nil
	}
	cleared, err := c.store.ClearIf(context.WithoutCancel(ctx), failed.RefreshToken)
	if err != nil {
		return err
	}
	if cleared {
		metrics.ForcedLogoutTotal.Inc()
		logging.Warn("Coordinator", "Session invalidated, login required")
	}
	return nil
}

// join attaches to the in-flight refresh or starts one. The flight runs on
// a context detached from ctx; ctx only bounds how long this caller waits.
func (c *Coordinator) join(ctx context.Context) (*flightResult, error) {
	started := false
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		started = true
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.flight(flightCtx)
	})

	select {
	case res := <-ch:
		if !started {
			metrics.RefreshSharedTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*flightResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flight is the body of the single refresh. It re-reads the store, since a
// flight that finished just before this one may already have replaced the
// token.
func (c *Coordinator) flight(ctx context.Context) (*flightResult, error) {
	current, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &oauth.AuthRequiredError{Reason: "no session"}
	}
	if !c.policy.IsExpired(current) && !c.isRejected(current) {
		return &flightResult{tokens: current}, nil
	}
	if c.policy.SessionExpired(current) {
		return nil, &oauth.AuthRequiredError{Reason: "session expired"}
	}

	c.state.Store(int32(RefreshStateRefreshing))
	defer c.state.Store(int32(RefreshStateIdle))

	refreshID := uuid.NewString()
	log := logging.Logger("Coordinator").With("refresh_id", refreshID)
	log.Debug("Refreshing access token")

	start := time.Now()
	fresh, err := c.refresher.Refresh(ctx, current.RefreshToken)
	elapsed := time.Since(start)
	if err != nil {
		var refreshErr *oauth.AuthRefreshError
		switch {
		case errors.As(err, &refreshErr) && refreshErr.Revoked():
			metrics.RecordRefresh(metrics.ResultRevoked, elapsed)
		default:
			metrics.RecordRefresh(metrics.ResultFailure, elapsed)
		}
		log.Warn("Token refresh failed", "error", err, "duration", elapsed)
		return nil, err
	}

	if err := c.store.Set(ctx, fresh); err != nil {
		metrics.RecordRefresh(metrics.ResultFailure, elapsed)
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}
	c.clearRejected()
	metrics.RecordRefresh(metrics.ResultSuccess, elapsed)
	log.Info("Access token refreshed", "duration", elapsed)
	return &flightResult{tokens: fresh, refreshed: true}, nil
}

func (c *Coordinator) markRejected(ts *oauth.TokenSet) {
	c.mu.Lock()
	c.rejected = ts
	c.mu.Unlock()
}

func (c *Coordinator) clearRejected() {
	c.mu.Lock()
	c.rejected = nil
	c.mu.Unlock()
}

func (c *Coordinator) isRejected(ts *oauth.TokenSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected != nil && sameTokenSet(ts, c.rejected)
}

// sameTokenSet reports whether a and b are the same grant. Servers may hand
// out an identical access token on refresh, so the access token alone does
// not tell two grants apart.
func sameTokenSet(a, b *oauth.TokenSet) bool {
	return a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		a.ObtainedAt.Equal(b.ObtainedAt)
}
