// Package backend is the REST client for the fitness platform backend. The
// profile fetch exists in two forms: a direct token-parameter call used by
// session hydration, and coordinator-wrapped calls for application code.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fitbuddy/client-core-go/internal/authsession"
	"github.com/fitbuddy/client-core-go/internal/token"
	"github.com/fitbuddy/client-core-go/pkg/utilities"
)

const (
	// profileCacheTTL keeps hydration cheap when the same token resolves the
	// profile more than once (e.g. a replayed initial-session event).
	profileCacheTTL  = 30 * time.Second
	profileCacheSize = 8

	// sportsCacheTTL matches the backend's own cache; sports change rarely.
	sportsCacheTTL = 5 * time.Minute
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// ConfigFromEnv reads backend config from environment variables.
func ConfigFromEnv() Config {
	base := os.Getenv("BACKEND_API_URL")
	if base == "" {
		base = "http://localhost:8000"
	}
	return Config{BaseURL: base, Timeout: 10 * time.Second}
}

// Error is a non-2xx backend response, carrying the backend's detail string.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Detail)
}

// Sport is one entry of the sports catalog.
type Sport struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Buddy is one suggested training partner with their match score.
type Buddy struct {
	User         authsession.User `json:"user"`
	Score        float64          `json:"score"`
	SharedSports []Sport          `json:"shared_sports,omitempty"`
}

// Client issues backend requests. Authenticated calls go through the token
// coordinator; FetchProfile takes its token explicitly for hydration.
type Client struct {
	cfg    Config
	http   *http.Client
	coord  *token.Coordinator
	logger *zap.SugaredLogger
	clock  clockwork.Clock

	profiles *expirable.LRU[string, *authsession.User]

	sportsMu sync.Mutex
	sports   []Sport
	sportsAt time.Time
}

func NewClient(cfg Config, coord *token.Coordinator, logger *zap.SugaredLogger, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		coord:    coord,
		logger:   logger,
		clock:    clock,
		profiles: expirable.NewLRU[string, *authsession.User](profileCacheSize, nil, profileCacheTTL),
	}
}

// FetchProfile gets /users/me with an explicit access token. Implements
// authsession.ProfileFetcher. Responses are cached per token fingerprint.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*authsession.User, error) {
	key := tokenFingerprint(accessToken)
	if u, ok := c.profiles.Get(key); ok {
		copied := *u
		return &copied, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/users/me", nil, accessToken, utilities.NewRequestID())
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, decodeError(resp)
	}
	var u authsession.User
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	c.profiles.Add(key, &u)
	copied := u
	return &copied, nil
}

// Me fetches the current profile through the coordinator, with refresh and
// retry handled transparently.
func (c *Client) Me(ctx context.Context) (*authsession.User, error) {
	requestID := utilities.NewRequestID()
	resp, err := c.coord.ExecuteAuthenticated(ctx, requestID, http.MethodGet, "/users/me",
		func(ctx context.Context, tok string) (*token.Response, error) {
			return c.do(ctx, http.MethodGet, "/users/me", nil, tok, requestID)
		})
	if err != nil {
		return nil, err
	}
	var u authsession.User
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &u, nil
}

// SuggestedBuddies lists potential training partners for the current user.
func (c *Client) SuggestedBuddies(ctx context.Context, limit, offset int, minScore float64) ([]Buddy, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("min_score", strconv.FormatFloat(minScore, 'f', -1, 64))
	path := "/buddies/suggested?" + q.Encode()

	requestID := utilities.NewRequestID()
	resp, err := c.coord.ExecuteAuthenticated(ctx, requestID, http.MethodGet, "/buddies/suggested",
		func(ctx context.Context, tok string) (*token.Response, error) {
			return c.do(ctx, http.MethodGet, path, nil, tok, requestID)
		})
	if err != nil {
		return nil, err
	}
	var buddies []Buddy
	if err := json.Unmarshal(resp.Body, &buddies); err != nil {
		return nil, fmt.Errorf("decode buddies: %w", err)
	}
	return buddies, nil
}

// Sports lists the sports catalog. Public endpoint; cached for five minutes
// and served stale when the backend is unreachable.
func (c *Client) Sports(ctx context.Context) ([]Sport, error) {
	c.sportsMu.Lock()
	defer c.sportsMu.Unlock()

	now := c.clock.Now()
	if c.sports != nil && now.Sub(c.sportsAt) < sportsCacheTTL {
		return append([]Sport(nil), c.sports...), nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/sports", nil, "", utilities.NewRequestID())
	if err == nil && resp.Status >= 200 && resp.Status <= 299 {
		var sports []Sport
		if jerr := json.Unmarshal(resp.Body, &sports); jerr == nil {
			c.sports = sports
			c.sportsAt = now
			return append([]Sport(nil), sports...), nil
		}
		err = fmt.Errorf("decode sports: invalid payload")
	} else if err == nil {
		err = decodeError(resp)
	}

	if c.sports != nil {
		c.logger.Warnw("sports fetch failed, serving stale cache", "err", err)
		return append([]Sport(nil), c.sports...), nil
	}
	return nil, err
}

// do issues one HTTP request and returns the slimmed response the
// coordinator reasons about.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, bearer, requestID string) (*token.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	return &token.Response{Status: resp.StatusCode, Body: raw}, nil
}

func decodeError(resp *token.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(resp.Body, &payload)
	return &Error{Status: resp.Status, Detail: payload.Detail}
}

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
