package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State tracks the credential lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
	StateInvalid         State = "invalid"
)

// ErrGrantRejected marks a refresh rejected by the provider (invalid or
// revoked refresh token). Token sources wrap it so the manager can tell a
// dead grant from a flaky network.
var ErrGrantRejected = errors.New("session: refresh grant rejected")

// Token is the provider's response to a refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string        // empty when the provider did not rotate
	ExpiresIn    time.Duration // zero when the provider omitted it
}

// Credential is a usable access token with its known expiry.
type Credential struct {
	AccessToken string
	Expiry      time.Time
}

// AuthError is the manager's failure outcome. Terminal means the stored
// grant is dead and the account needs the user to reauthorize; retrying
// automatically would be pointless.
type AuthError struct {
	Terminal bool
	Err      error
}

func (e *AuthError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("session: %s auth failure: %v", kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenSource performs one refresh-token exchange against the provider.
type TokenSource interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Manager owns the access-token cache and the refresh loop.
type Manager struct {
	mu           sync.Mutex
	source       TokenSource
	refreshToken string
	accessToken  string
	expiry       time.Time
	state        State
	lastErr      error

	clock       Clock
	sleep       func(ctx context.Context, d time.Duration) error
	maxAttempts int
	baseDelay   time.Duration
	margin      time.Duration
	logger      *log.Logger
}

// Option configures the manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// WithMaxAttempts bounds the refresh retry loop.
func WithMaxAttempts(n int) Option { return func(m *Manager) { m.maxAttempts = n } }

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option { return func(m *Manager) { m.baseDelay = d } }

// WithExpiryMargin sets how long before expiry a token counts as expired.
func WithExpiryMargin(d time.Duration) Option { return func(m *Manager) { m.margin = d } }

// WithSleep overrides the backoff sleeper (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager constructs a manager seeded with the user's refresh token.
func NewManager(source TokenSource, refreshToken string, logger *log.Logger, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, errors.New("session: nil token source")
	}
	if refreshToken == "" {
		return nil, errors.New("session: empty refresh token")
	}
	if logger == nil {
		return nil, errors.New("session: nil logger")
	}
	m := &Manager{
		source:       source,
		refreshToken: refreshToken,
		state:        StateUnauthenticated,
		clock:        SystemClock{},
		maxAttempts:  3,
		baseDelay:    time.Second,
		margin:       60 * time.Second,
		logger:       logger,
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// EnsureValid returns a credential, refreshing it when missing or within
// the expiry margin. Transient refresh failures are retried with bounded
// exponential backoff; a rejected grant flips the manager to Invalid and
// is never retried automatically.
func (m *Manager) EnsureValid(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateInvalid {
		err := m.lastErr
		if err == nil {
			err = ErrGrantRejected
		}
		return Credential{}, &AuthError{Terminal: true, Err: err}
	}
	now := m.clock.Now()
	if m.accessToken != "" && now.Before(m.expiry.Add(-m.margin)) {
		return Credential{AccessToken: m.accessToken, Expiry: m.expiry}, nil
	}
	if m.accessToken != "" {
		m.state = StateExpired
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, backoffDelay(m.baseDelay, attempt-1)); err != nil {
				m.lastErr = err
				return Credential{}, &AuthError{Terminal: false, Err: err}
			}
		}
		tok, err := m.source.Refresh(ctx, m.refreshToken)
		if err == nil {
			m.adopt(tok)
			return Credential{AccessToken: m.accessToken, Expiry: m.expiry}, nil
		}
		lastErr = err
		m.lastErr = err
		if errors.Is(err, ErrGrantRejected) {
			m.state = StateInvalid
			m.accessToken = ""
			m.logger.Printf("session: refresh rejected, reauthorization required: %v", err)
			return Credential{}, &AuthError{Terminal: true, Err: err}
		}
		if ctx.Err() != nil {
			return Credential{}, &AuthError{Terminal: false, Err: ctx.Err()}
		}
		m.logger.Printf("session: refresh attempt %d/%d failed: %v", attempt+1, m.maxAttempts, err)
	}
	return Credential{}, &AuthError{Terminal: false, Err: lastErr}
}

// Invalidate drops the cached access token so the next EnsureValid
// refreshes. Used after the upstream rejects a request with 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateInvalid {
		return
	}
	m.accessToken = ""
	if m.state == StateAuthenticated {
		m.state = StateExpired
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent refresh error, nil after a success.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) adopt(tok Token) {
	m.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		m.refreshToken = tok.RefreshToken
	}
	switch {
	case tok.ExpiresIn > 0:
		m.expiry = m.clock.Now().Add(tok.ExpiresIn)
	default:
		if exp, ok := tokenExpiry(tok.AccessToken); ok {
			m.expiry = exp
		} else {
			m.expiry = m.clock.Now().Add(5 * time.Minute)
		}
	}
	m.state = StateAuthenticated
	m.lastErr = nil
}

// backoffDelay grows exponentially from base with ~10% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
