// Package token wraps outbound authenticated requests, recovering from
// expired tokens via a single-flight refresh with exactly one retry.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/fitbuddy/client-core-go/internal/diag"
	"github.com/fitbuddy/client-core-go/internal/failure"
)

// TokenSource hands out the current access token and knows how to obtain a
// fresh one. The session bootstrapper is the production implementation.
type TokenSource interface {
	// Token returns the current access token, or "" when signed out.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new access token from the provider.
	Refresh(ctx context.Context) (string, error)
}

// Response is the slice of an HTTP result the coordinator reasons about.
type Response struct {
	Status int
	Body   []byte
}

// OK reports whether the response status is a success.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// PerformFunc issues the protected request with the given access token.
type PerformFunc func(ctx context.Context, accessToken string) (*Response, error)

// Error is the typed failure surfaced to callers. Callers pattern-match on
// Reason; raw transport errors never cross this boundary.
type Error struct {
	Reason      failure.Reason
	RequestID   string
	Status      int
	RetryStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("authenticated request failed: %s (request_id=%s status=%d retry_status=%d)",
		e.Reason, e.RequestID, e.Status, e.RetryStatus)
}

// refreshKey collapses all concurrent refreshes into one provider call.
const refreshKey = "session-refresh"

// Coordinator executes authenticated requests with transparent refresh.
type Coordinator struct {
	source   TokenSource
	group    singleflight.Group
	emitter  *diag.Emitter
	detector *failure.Detector
	clock    clockwork.Clock
}

func NewCoordinator(source TokenSource, emitter *diag.Emitter, detector *failure.Detector, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{source: source, emitter: emitter, detector: detector, clock: clock}
}

// ExecuteAuthenticated runs perform with the current token, refreshing and
// retrying exactly once on 401. Cancellation unwinds silently: the context
// error is returned and no failure is recorded.
func (c *Coordinator) ExecuteAuthenticated(ctx context.Context, requestID, method, path string, perform PerformFunc) (*Response, error) {
	tok, err := c.source.Token(ctx)
	if err != nil {
		if cancelled(err) {
			return nil, err
		}
		// a broken token source is indistinguishable from having no token
		tok = ""
	}
	if tok == "" {
		c.emitter.Emit(diag.SeverityDebug, "auth request without token", diag.Context{
			Method: method, Path: path, RequestID: requestID,
		})
		return c.fail(ctx, call{requestID, method, path, false, 0, 0, false, false, ""})
	}

	resp, err := perform(ctx, tok)
	if err != nil {
		if cancelled(err) {
			return nil, err
		}
		return c.fail(ctx, call{requestID, method, path, true, 0, 0, false, false, err.Error()})
	}
	if resp.Status != 401 {
		if !resp.OK() {
			return c.fail(ctx, call{requestID, method, path, true, resp.Status, 0, false, false, ""})
		}
		return resp, nil
	}

	c.emitter.Emit(diag.SeverityDebug, "auth request got 401, refreshing", diag.Context{
		Method: method, Path: path, RequestID: requestID, Status: resp.Status,
	})

	// the refresh outlives any single caller: waiters sharing the flight
	// must not observe the winner's cancellation, and each waiter stops
	// waiting on its own context only
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		c.emitter.Emit(diag.SeverityDebug, "session refresh started", diag.Context{
			Method: method, Path: path, RequestID: requestID,
		})
		return c.source.Refresh(context.WithoutCancel(ctx))
	})

	var fresh any
	var refreshErr error
	select {
	case <-ctx.Done():
		if cancelled(ctx.Err()) {
			return nil, ctx.Err()
		}
		return c.fail(ctx, call{requestID, method, path, true, resp.Status, 0, true, false, ctx.Err().Error()})
	case res := <-ch:
		fresh, refreshErr = res.Val, res.Err
		if res.Shared {
			c.emitter.Emit(diag.SeverityDebug, "session refresh reused", diag.Context{
				Method: method, Path: path, RequestID: requestID,
			})
		}
	}
	if cancelled(refreshErr) {
		return nil, refreshErr
	}
	newTok, _ := fresh.(string)
	if refreshErr != nil || newTok == "" {
		detail := ""
		if refreshErr != nil {
			detail = refreshErr.Error()
		}
		return c.fail(ctx, call{requestID, method, path, true, resp.Status, 0, true, false, detail})
	}
	c.emitter.Emit(diag.SeverityDebug, "session refresh done, retrying", diag.Context{
		Method: method, Path: path, RequestID: requestID,
	})

	retry, err := perform(ctx, newTok)
	if err != nil {
		if cancelled(err) {
			return nil, err
		}
		return c.fail(ctx, call{requestID, method, path, true, resp.Status, 0, true, true, err.Error()})
	}
	if !retry.OK() {
		// never refresh again here, whatever the retry status was
		return c.fail(ctx, call{requestID, method, path, true, resp.Status, retry.Status, true, true, ""})
	}
	return retry, nil
}

type call struct {
	requestID        string
	method           string
	path             string
	hasToken         bool
	status           int
	retryStatus      int
	refreshAttempted bool
	refreshSucceeded bool
	detail           string
}

func (c *Coordinator) fail(ctx context.Context, f call) (*Response, error) {
	reason := failure.Classify(f.hasToken, f.status, f.retryStatus, f.refreshAttempted, f.refreshSucceeded)
	var succeeded *bool
	if f.refreshAttempted {
		s := f.refreshSucceeded
		succeeded = &s
	}
	c.detector.RecordFailure(ctx, failure.Record{
		Timestamp:        c.clock.Now(),
		Reason:           reason,
		RequestID:        f.requestID,
		Method:           f.method,
		Path:             f.path,
		Status:           f.status,
		RetryStatus:      f.retryStatus,
		RefreshAttempted: f.refreshAttempted,
		RefreshSucceeded: succeeded,
		Detail:           f.detail,
	})
	return nil, &Error{
		Reason:      reason,
		RequestID:   f.requestID,
		Status:      f.status,
		RetryStatus: f.retryStatus,
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
