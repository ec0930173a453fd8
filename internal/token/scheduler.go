package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cortexchat/realtime/internal/apperrors"
	"github.com/cortexchat/realtime/pkg/logger"
)

const (
	// defaultCheckInterval is how often the scheduler re-evaluates the token.
	defaultCheckInterval = 30 * time.Second

	// defaultMaxRefreshAttempts bounds refresh retries before forcing logout.
	defaultMaxRefreshAttempts = 4

	// refreshBackoffBase is the initial delay between failed refresh attempts.
	refreshBackoffBase = 2 * time.Second
)

// AuthConfig is the auth collaborator's configuration surface.
type AuthConfig struct {
	// MaxRefreshAttempts bounds refresh retries before the scheduler forces
	// logout. Zero means the default.
	MaxRefreshAttempts int
	// CheckInterval is how often the scheduler re-evaluates the active token.
	// Zero means the default.
	CheckInterval time.Duration
}

// AuthService is the external auth collaborator.
//
// Implementations own credential storage; the scheduler only decides when to
// refresh and reacts to the outcome.
type AuthService interface {
	GetToken() (string, error)
	SetToken(token string) error
	RemoveToken() error
	RefreshToken() (string, error)
	GetAuthConfig() (AuthConfig, error)
}

// Scheduler keeps the credential fresh without a visible interruption.
//
// It polls the active token, refreshes proactively when the remaining
// lifetime crosses the threshold, retries failed refreshes with exponential
// backoff, and forces logout once the retry budget is exhausted. An
// exhausted budget is always surfaced through the session-expired callback;
// failing silently would leave the user logged out server-side while
// appearing authenticated locally.
type Scheduler struct {
	auth AuthService
	cfg  AuthConfig

	// intervalFromAuth records whether the auth config carried its own
	// check interval; if so, SetCheckInterval never overrides it.
	intervalFromAuth bool

	mu               sync.Mutex
	refreshing       bool
	onRotate         func(token string)
	onSessionExpired func(err error)

	// timeNow and newBackOff are test seams.
	timeNow    func() time.Time
	newBackOff func() backoff.BackOff
}

// NewScheduler creates a scheduler bound to the given auth collaborator.
func NewScheduler(auth AuthService) *Scheduler {
	s := &Scheduler{
		auth:    auth,
		timeNow: time.Now,
	}
	cfg, err := auth.GetAuthConfig()
	if err != nil {
		logger.Warnf("token: auth config unavailable, using defaults: %v", err)
	}
	if cfg.MaxRefreshAttempts <= 0 {
		cfg.MaxRefreshAttempts = defaultMaxRefreshAttempts
	}
	s.intervalFromAuth = cfg.CheckInterval > 0
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	s.cfg = cfg
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = refreshBackoffBase
		b.MaxElapsedTime = 0
		return b
	}
	return s
}

// SetCheckInterval sets the polling cadence used by Run. An interval supplied
// by the auth service's own config always wins; this only fills the gap when
// the auth config leaves it unset. Call before Run.
func (s *Scheduler) SetCheckInterval(d time.Duration) {
	if d <= 0 || s.intervalFromAuth {
		return
	}
	s.cfg.CheckInterval = d
}

// SetOnRotate registers the callback invoked with each rotated token.
func (s *Scheduler) SetOnRotate(fn func(token string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotate = fn
}

// SetOnSessionExpired registers the callback invoked after a forced logout.
func (s *Scheduler) SetOnSessionExpired(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionExpired = fn
}

// Run polls the active token until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce evaluates the active token and refreshes it when due.
//
// Concurrent calls are collapsed: while one refresh is in flight, further
// checks are no-ops.
func (s *Scheduler) CheckOnce(ctx context.Context) {
	tok, err := s.auth.GetToken()
	if err != nil || tok == "" {
		// Nothing to refresh; the user is not authenticated yet.
		return
	}
	if !NeedsRefresh(tok, s.timeNow()) {
		return
	}
	s.RefreshNow(ctx)
}

// RefreshNow refreshes the credential regardless of its remaining lifetime.
// It is used when the server has already rejected the current token.
func (s *Scheduler) RefreshNow(ctx context.Context) {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	// The attempt budget is enforced inside the operation: the final failed
	// attempt returns a permanent error so backoff stops immediately.
	// (backoff.WithMaxRetries treats a zero retry count as unlimited, which
	// a budget of one attempt would otherwise hit.)
	attempts := 0
	op := func() error {
		attempts++
		tok, err := s.auth.RefreshToken()
		if err == nil && tok == "" {
			err = fmt.Errorf("refresh returned empty token")
		}
		if err != nil {
			logger.Warnf("token: refresh attempt %d/%d failed: %v", attempts, s.cfg.MaxRefreshAttempts, err)
			if attempts >= s.cfg.MaxRefreshAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := s.auth.SetToken(tok); err != nil {
			return backoff.Permanent(fmt.Errorf("store refreshed token: %w", err))
		}
		s.notifyRotate(tok)
		logger.Debugf("token: refreshed after %d attempt(s)", attempts)
		return nil
	}

	policy := backoff.WithContext(s.newBackOff(), ctx)
	if err := backoff.Retry(op, policy); err == nil {
		return
	}

	// Retry budget exhausted: clear local credential state and surface the
	// failure loudly so upper layers render an explicit "session expired"
	// state instead of an ambiguous stuck spinner.
	if err := s.auth.RemoveToken(); err != nil {
		logger.Errorf("token: failed to clear credentials after refresh exhaustion: %v", err)
	}
	expired := apperrors.New(apperrors.CodeAuthSessionExpired,
		fmt.Sprintf("token refresh failed after %d attempts, session expired", attempts))
	logger.Errorf("token: %v", expired)
	s.notifySessionExpired(expired)
}

func (s *Scheduler) notifyRotate(tok string) {
	s.mu.Lock()
	fn := s.onRotate
	s.mu.Unlock()
	if fn != nil {
		fn(tok)
	}
}

func (s *Scheduler) notifySessionExpired(err error) {
	s.mu.Lock()
	fn := s.onSessionExpired
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
