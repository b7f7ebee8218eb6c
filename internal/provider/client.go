package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fitbuddy/client-core-go/pkg/database"
)

// sessionKey is where the provider session lives in the client state store.
const sessionKey = "auth.session"

// ErrNoSession is returned when an operation needs a stored session and none
// exists (e.g. refreshing while signed out).
var ErrNoSession = errors.New("no stored session")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ConfigFromEnv reads provider config from environment variables.
func ConfigFromEnv() Config {
	base := os.Getenv("AUTH_PROVIDER_URL")
	if base == "" {
		base = "http://localhost:9999"
	}
	return Config{
		BaseURL: base,
		APIKey:  os.Getenv("AUTH_PROVIDER_KEY"),
		Timeout: 10 * time.Second,
	}
}

// Client talks to the provider's REST surface and owns the locally persisted
// session. It implements Provider.
type Client struct {
	cfg    Config
	http   *http.Client
	kv     *database.KV
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	session  *Session
	restored bool

	// refresh tokens rotate on use; flight collapses concurrent exchanges
	// into one provider call so a duplicate grant cannot invalidate the
	// session
	flight singleflight.Group

	events chan Event
}

// NewClient builds a provider client. kv may be nil, in which case sessions
// live only in memory for the process lifetime.
func NewClient(cfg Config, kv *database.KV, logger *zap.SugaredLogger, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		kv:     kv,
		clock:  clock,
		logger: logger,
		events: make(chan Event, 16),
	}
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// GetSession returns the current session, restoring it from the state store
// on first call and refreshing it over the network only when expired.
// Returns (nil, nil) when signed out.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if !c.restored {
		c.restored = true
		c.session = c.loadPersisted(ctx)
		restored := cloneSession(c.session)
		c.mu.Unlock()
		c.emit(Event{Kind: EventInitialSession, Session: restored})
		c.mu.Lock()
	}
	sess := cloneSession(c.session)
	c.mu.Unlock()

	if sess == nil {
		return nil, nil
	}
	if sess.Expired(c.clock.Now()) && sess.RefreshToken != "" {
		return c.RefreshSession(ctx)
	}
	return sess, nil
}

// refreshFlight is the single-flight key for the refresh token exchange.
const refreshFlight = "session-refresh"

// RefreshSession exchanges the stored refresh token for a new session. There
// is at most one outstanding exchange at any instant; concurrent callers
// share its result. The exchange runs detached from the initiating caller's
// context so one caller's cancellation cannot fail the others, bounded by
// the HTTP client's own timeout.
func (c *Client) RefreshSession(ctx context.Context) (*Session, error) {
	ch := c.flight.DoChan(refreshFlight, func() (any, error) {
		return c.exchangeRefreshToken(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneSession(res.Val.(*Session)), nil
	}
}

func (c *Client) exchangeRefreshToken(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	var refreshToken string
	if c.session != nil {
		refreshToken = c.session.RefreshToken
	}
	c.mu.Unlock()
	if refreshToken == "" {
		return nil, ErrNoSession
	}

	var resp tokenResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		"", map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	sess := c.sessionFromResponse(resp)
	c.storeSession(ctx, sess)
	return sess, nil
}

// GetUser fetches the provider-side identity for the current access token.
func (c *Client) GetUser(ctx context.Context) (*Identity, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	var payload identityPayload
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", sess.AccessToken, nil, &payload); err != nil {
		return nil, err
	}
	id := payload.identity()
	return &id, nil
}

// SignInWithPassword performs the password grant and stores the resulting
// session. Emits a signed-in event on success.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp tokenResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password",
		"", map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return nil, err
	}
	sess := c.sessionFromResponse(resp)
	c.storeSession(ctx, sess)
	c.emit(Event{Kind: EventSignedIn, Session: cloneSession(sess)})
	return cloneSession(sess), nil
}

// SignUp registers a new identity. No session is stored; the user confirms
// their email first.
func (c *Client) SignUp(ctx context.Context, email, password, fullName string) (*SignUpResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"full_name": fullName},
	}
	var payload identityPayload
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", body, &payload); err != nil {
		return nil, err
	}
	return &SignUpResult{ConfirmationPending: payload.EmailConfirmedAt == nil}, nil
}

// SignOut revokes the session at the provider and always clears local state,
// even when the provider call fails. Emits a signed-out event.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	var token string
	if c.session != nil {
		token = c.session.AccessToken
	}
	c.mu.Unlock()

	var err error
	if token != "" {
		err = c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", token, nil, nil)
	}
	c.clearSession(ctx)
	c.emit(Event{Kind: EventSignedOut})
	return err
}

// --- wire formats ---

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	ExpiresAt    int64           `json:"expires_at"`
	User         identityPayload `json:"user"`
}

type identityPayload struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	UserMetadata     struct {
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
}

func (p identityPayload) identity() Identity {
	return Identity{
		ID:               p.ID,
		Email:            p.Email,
		FullName:         p.UserMetadata.FullName,
		EmailConfirmedAt: p.EmailConfirmedAt,
	}
}

type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (p errorPayload) message() string {
	for _, s := range []string{p.ErrorDescription, p.Msg, p.Message, p.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// sessionFromResponse derives the expiry from the response, falling back to
// the access token's exp claim when the provider omits it.
func (c *Client) sessionFromResponse(resp tokenResponse) *Session {
	sess := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         resp.User.identity(),
	}
	switch {
	case resp.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		sess.ExpiresAt = c.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		sess.ExpiresAt = tokenExpiry(resp.AccessToken)
	}
	return sess
}

// tokenExpiry reads the exp claim without verifying the signature. The
// client only needs the timestamp; validation is the backend's job.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// --- session state ---

func (c *Client) storeSession(ctx context.Context, sess *Session) {
	c.mu.Lock()
	c.session = sess
	c.restored = true
	c.mu.Unlock()
	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(sess)
	if err == nil {
		err = c.kv.Put(ctx, sessionKey, string(raw))
	}
	if err != nil {
		c.logger.Debugw("session persist failed", "err", err)
	}
}

func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.restored = true
	c.mu.Unlock()
	if c.kv == nil {
		return
	}
	if err := c.kv.Delete(ctx, sessionKey); err != nil {
		c.logger.Debugw("session clear failed", "err", err)
	}
}

func (c *Client) loadPersisted(ctx context.Context) *Session {
	if c.kv == nil {
		return nil
	}
	raw, ok, err := c.kv.Get(ctx, sessionKey)
	if err != nil || !ok {
		return nil
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	return &sess
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debugw("auth event dropped, no consumer", "kind", ev.Kind)
	}
}

// --- transport ---

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// unwrap so callers can errors.Is against context errors
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ep errorPayload
		_ = json.NewDecoder(resp.Body).Decode(&ep)
		return &Error{Status: resp.StatusCode, Message: ep.message()}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
