// Package authsession owns the authoritative Session for the client process,
// reconciling the one-shot startup fetch, the provider's auth-change events
// and explicit user actions into a single consistent state.
package authsession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fitbuddy/client-core-go/internal/provider"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotConfirmed  = errors.New("email not confirmed: check your inbox before signing in")
	ErrNotSignedIn        = errors.New("not signed in")
)

type Config struct {
	// SessionTimeout bounds the startup session fetch. Short enough that
	// users are not blocked indefinitely, long enough for normal latency.
	SessionTimeout time.Duration
	// RecoveryTimeout bounds the one recovery refresh attempted when the
	// startup fetch times out.
	RecoveryTimeout time.Duration
	// ProfileTimeout bounds backend profile fetches during hydration.
	ProfileTimeout time.Duration
}

// ConfigFromEnv reads bootstrap timeouts from environment variables, as Go
// durations ("4s", "1500ms").
func ConfigFromEnv() Config {
	cfg := Config{
		SessionTimeout:  4 * time.Second,
		RecoveryTimeout: 4 * time.Second,
		ProfileTimeout:  5 * time.Second,
	}
	if d, err := time.ParseDuration(os.Getenv("AUTH_SESSION_TIMEOUT")); err == nil && d > 0 {
		cfg.SessionTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("AUTH_RECOVERY_TIMEOUT")); err == nil && d > 0 {
		cfg.RecoveryTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("AUTH_PROFILE_TIMEOUT")); err == nil && d > 0 {
		cfg.ProfileTimeout = d
	}
	return cfg
}

// ProfileFetcher fetches the backend-side profile for an access token. The
// backend API client is the production implementation.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (*User, error)
}

// Bootstrapper produces and maintains the Session. Create with
// NewBootstrapper, resolve once with Initialize, tear down with Close.
type Bootstrapper struct {
	cfg      Config
	provider provider.Provider
	profiles ProfileFetcher
	logger   *zap.SugaredLogger
	clock    clockwork.Clock

	mu      sync.RWMutex
	session Session

	lifecycle context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	initOnce  sync.Once
}

func NewBootstrapper(p provider.Provider, profiles ProfileFetcher, logger *zap.SugaredLogger, cfg Config, clock clockwork.Clock) *Bootstrapper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bootstrapper{
		cfg:       cfg,
		provider:  p,
		profiles:  profiles,
		logger:    logger,
		clock:     clock,
		session:   Session{Loading: true},
		lifecycle: ctx,
		cancel:    cancel,
	}
	b.wg.Add(1)
	go b.consumeAuthEvents()
	return b
}

// SetProfileFetcher late-binds the backend profile fetcher. The backend
// client needs the token coordinator, which needs this bootstrapper as its
// token source; binding the fetcher after construction breaks that cycle.
// Must be called before Initialize.
func (b *Bootstrapper) SetProfileFetcher(p ProfileFetcher) {
	b.profiles = p
}

// Session returns a copy of the current state.
func (b *Bootstrapper) Session() Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.session
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Close tears the bootstrapper down. In-flight resolution paths become
// no-ops instead of resurrecting the session.
func (b *Bootstrapper) Close() {
	b.cancel()
	b.wg.Wait()
}

// Initialize resolves the existing session once at process start. Subsequent
// calls are no-ops. On timeout of the session fetch it attempts exactly one
// recovery refresh; any other failure settles to the unauthenticated state.
func (b *Bootstrapper) Initialize(ctx context.Context) {
	b.initOnce.Do(func() { b.initialize(ctx) })
}

func (b *Bootstrapper) initialize(ctx context.Context) {
	sctx, cancel := b.withTimeout(ctx, b.cfg.SessionTimeout)
	sess, err := b.provider.GetSession(sctx)
	cancel()

	switch {
	case err == nil && sess != nil:
		b.hydrate(ctx, sess, true)
	case err == nil:
		b.settleUnauthenticated(true)
	case errors.Is(err, context.DeadlineExceeded):
		b.logger.Warnw("session fetch timed out, attempting recovery refresh",
			"timeout", b.cfg.SessionTimeout)
		b.recover(ctx)
	case cancelled(err):
		// another resolution path owns settling, or we are torn down
	default:
		b.logger.Warnw("session fetch failed", "err", err)
		b.settleUnauthenticated(true)
	}
}

// recover is the single extra attempt granted to the bootstrap path on
// timeout: ask the provider to refresh, with its own bounded timeout.
func (b *Bootstrapper) recover(ctx context.Context) {
	rctx, cancel := b.withTimeout(ctx, b.cfg.RecoveryTimeout)
	sess, err := b.provider.RefreshSession(rctx)
	cancel()

	switch {
	case err == nil && sess != nil:
		b.hydrate(ctx, sess, true)
	case cancelled(err):
	default:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warnw("recovery refresh failed", "err", err)
		}
		b.settleUnauthenticated(true)
	}
}

// hydrate resolves a raw provider session into the Session state. An
// unconfirmed identity is signed out immediately. Backend profile failures
// degrade to the provider-mapped fallback user; only cancellation leaves the
// state untouched.
func (b *Bootstrapper) hydrate(ctx context.Context, sess *provider.Session, touchLoading bool) {
	if !sess.User.Confirmed() {
		b.logger.Warnw("unconfirmed identity, forcing sign-out")
		if err := b.provider.SignOut(ctx); err != nil {
			b.logger.Debugw("sign-out of unconfirmed identity failed", "err", err)
		}
		b.settleUnauthenticated(touchLoading)
		return
	}
	if !b.resolveUser(ctx, sess) {
		return
	}
	if touchLoading {
		b.setLoading(false)
	}
}

// resolveUser fetches the backend profile for the session's token and
// updates the user. Returns false when cancelled, in which case nothing was
// mutated and the caller must not settle loading.
func (b *Bootstrapper) resolveUser(ctx context.Context, sess *provider.Session) bool {
	if b.profiles == nil {
		b.setUser(fallbackUser(sess.User), false)
		return true
	}
	pctx, cancel := b.withTimeout(ctx, b.cfg.ProfileTimeout)
	profile, err := b.profiles.FetchProfile(pctx, sess.AccessToken)
	cancel()

	if err == nil {
		b.setUser(profile, true)
		return true
	}
	if cancelled(err) {
		return false
	}
	b.logger.Warnw("backend profile fetch failed, degrading to provider identity", "err", err)
	b.setUser(fallbackUser(sess.User), false)
	return true
}

// consumeAuthEvents is the single consumer of the provider's auth-change
// notifications.
func (b *Bootstrapper) consumeAuthEvents() {
	defer b.wg.Done()
	events := b.provider.Events()
	for {
		select {
		case <-b.lifecycle.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handleAuthEvent(ev)
		}
	}
}

// handleAuthEvent branches on the typed event. An initial-session event that
// duplicates Initialize's own resolution is handled as an idempotent
// re-hydration rather than ignored. Hydration runs on its own goroutine,
// never synchronously inside event delivery, so an in-progress sign-in call
// waiting on the provider cannot deadlock against it.
func (b *Bootstrapper) handleAuthEvent(ev provider.Event) {
	if ev.Kind == provider.EventSignedOut || ev.Session == nil {
		b.settleUnauthenticated(true)
		return
	}
	sess := ev.Session
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.hydrate(b.lifecycle, sess, true)
	}()
}

// RefreshUser re-resolves identity and profile after application code
// mutates backend-visible state (e.g. completing onboarding). It follows
// hydrate's semantics but never touches the loading flag.
func (b *Bootstrapper) RefreshUser(ctx context.Context) error {
	sess, err := b.provider.GetSession(ctx)
	if err != nil {
		if cancelled(err) {
			return nil
		}
		return fmt.Errorf("refresh user: %w", err)
	}
	if sess == nil {
		return ErrNotSignedIn
	}
	b.hydrate(ctx, sess, false)
	return nil
}

// Login signs in with email and password. The backend profile is fetched
// with the token from the sign-in response itself, avoiding an extra session
// round trip. An unconfirmed identity is signed out and rejected.
func (b *Bootstrapper) Login(ctx context.Context, email, password string) (*User, error) {
	sess, err := b.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		if cancelled(err) {
			return nil, err
		}
		var perr *provider.Error
		if errors.As(err, &perr) && (perr.Status == 400 || perr.Status == 401) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("sign-in failed: %w", err)
	}
	if !sess.User.Confirmed() {
		if err := b.provider.SignOut(ctx); err != nil {
			b.logger.Debugw("sign-out of unconfirmed identity failed", "err", err)
		}
		b.settleUnauthenticated(true)
		return nil, ErrEmailNotConfirmed
	}
	if !b.resolveUser(ctx, sess) {
		return nil, context.Canceled
	}
	b.setLoading(false)

	s := b.Session()
	return s.User, nil
}

// Register signs up a new identity. The session is not touched; the user
// confirms their email first. Reports whether confirmation is pending.
func (b *Bootstrapper) Register(ctx context.Context, email, password, fullName string) (bool, error) {
	res, err := b.provider.SignUp(ctx, email, password, fullName)
	if err != nil {
		if cancelled(err) {
			return false, err
		}
		return false, fmt.Errorf("sign-up failed: %w", err)
	}
	return res.ConfirmationPending, nil
}

// Logout signs out at the provider and unconditionally resets the session,
// even when the provider call fails: a sign-out error must never leave the
// session looking authenticated.
func (b *Bootstrapper) Logout(ctx context.Context) error {
	err := b.provider.SignOut(ctx)
	b.settleUnauthenticated(true)
	if err != nil && !cancelled(err) {
		b.logger.Warnw("provider sign-out failed", "err", err)
		return fmt.Errorf("sign-out: %w", err)
	}
	return nil
}

// Token implements token.TokenSource: the current access token, or "" when
// signed out.
func (b *Bootstrapper) Token(ctx context.Context) (string, error) {
	sess, err := b.provider.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.AccessToken, nil
}

// Refresh implements token.TokenSource.
func (b *Bootstrapper) Refresh(ctx context.Context) (string, error) {
	sess, err := b.provider.RefreshSession(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// --- state mutation ---
// Mutators are no-ops after teardown so a late resolution path cannot
// resurrect the session.

func (b *Bootstrapper) tornDown() bool {
	return b.lifecycle.Err() != nil
}

func (b *Bootstrapper) setUser(u *User, viaBackend bool) {
	if b.tornDown() {
		return
	}
	b.mu.Lock()
	b.session.User = u
	b.session.AuthenticatedViaBackend = viaBackend
	b.mu.Unlock()
}

func (b *Bootstrapper) setLoading(v bool) {
	if b.tornDown() {
		return
	}
	b.mu.Lock()
	b.session.Loading = v
	b.mu.Unlock()
}

func (b *Bootstrapper) settleUnauthenticated(touchLoading bool) {
	if b.tornDown() {
		return
	}
	b.mu.Lock()
	b.session.User = nil
	b.session.AuthenticatedViaBackend = false
	if touchLoading {
		b.session.Loading = false
	}
	b.mu.Unlock()
}

// withTimeout derives a bounded context that is also cancelled by teardown.
// Timers run on the injected clock so tests never sleep.
func (b *Bootstrapper) withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := clockwork.WithTimeout(parent, b.clock, d)
	stop := context.AfterFunc(b.lifecycle, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
