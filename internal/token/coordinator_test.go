package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fitbuddy/client-core-go/internal/diag"
	"github.com/fitbuddy/client-core-go/internal/failure"
)

type fakeSource struct {
	mu           sync.Mutex
	token        string
	refreshToken string
	refreshErrs  []error
	refreshCalls int32
	tokenErr     error
	beforeReturn func() // runs inside Refresh before returning
}

func (f *fakeSource) Token(_ context.Context) (string, error) {
	return f.token, f.tokenErr
}

func (f *fakeSource) Refresh(_ context.Context) (string, error) {
	n := atomic.AddInt32(&f.refreshCalls, 1)
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(n) <= len(f.refreshErrs) && f.refreshErrs[n-1] != nil {
		return "", f.refreshErrs[n-1]
	}
	return f.refreshToken, nil
}

func newTestCoordinator(t *testing.T, src TokenSource) (*Coordinator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	em := diag.NewEmitter(zap.New(core).Sugar())
	det := failure.NewDetector(failure.NewMemoryStore(), em, clockwork.NewFakeClock())
	return NewCoordinator(src, em, det, clockwork.NewFakeClock()), logs
}

func respondingWith(status int) PerformFunc {
	return func(_ context.Context, _ string) (*Response, error) {
		return &Response{Status: status}, nil
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	const n = 8

	release := make(chan struct{})
	src := &fakeSource{
		token:        "stale",
		refreshToken: "fresh",
		beforeReturn: func() { <-release },
	}
	coord, _ := newTestCoordinator(t, src)

	var barrier sync.WaitGroup
	barrier.Add(n)
	var performed int32
	perform := func(_ context.Context, tok string) (*Response, error) {
		if tok == "fresh" {
			return &Response{Status: 200, Body: []byte(`{}`)}, nil
		}
		// hold every caller at the initial 401 until all have arrived, so
		// they all need the refresh concurrently
		if atomic.AddInt32(&performed, 1) <= n {
			barrier.Done()
			barrier.Wait()
		}
		return &Response{Status: 401}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.ExecuteAuthenticated(context.Background(), "req", "GET", "/users/me", perform)
		}(i)
	}

	barrier.Wait()
	// give every caller time to join the in-flight refresh
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&src.refreshCalls), "provider refresh must be invoked exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, 200, results[i].Status)
	}
}

func TestWinnerCancellationDoesNotFailWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{
		token:        "stale",
		refreshToken: "fresh",
		beforeReturn: func() { close(started); <-release },
	}
	coord, _ := newTestCoordinator(t, src)

	perform := func(_ context.Context, tok string) (*Response, error) {
		if tok == "fresh" {
			return &Response{Status: 200}, nil
		}
		return &Response{Status: 401}, nil
	}

	winnerCtx, cancel := context.WithCancel(context.Background())
	winnerErr := make(chan error, 1)
	go func() {
		_, err := coord.ExecuteAuthenticated(winnerCtx, "req-winner", "GET", "/users/me", perform)
		winnerErr <- err
	}()
	<-started

	waiterDone := make(chan struct{})
	var waiterResp *Response
	var waiterErr error
	go func() {
		defer close(waiterDone)
		waiterResp, waiterErr = coord.ExecuteAuthenticated(context.Background(), "req-waiter", "GET", "/users/me", perform)
	}()
	// give the waiter time to join the in-flight refresh
	time.Sleep(100 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-winnerErr, context.Canceled)

	close(release)
	<-waiterDone
	require.NoError(t, waiterErr)
	require.NotNil(t, waiterResp)
	assert.Equal(t, 200, waiterResp.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.refreshCalls), "the shared refresh must keep running after the winner leaves")
}

func TestBoundedRetry(t *testing.T) {
	src := &fakeSource{token: "stale", refreshToken: "fresh"}
	coord, _ := newTestCoordinator(t, src)

	var performs int32
	perform := func(_ context.Context, _ string) (*Response, error) {
		atomic.AddInt32(&performs, 1)
		return &Response{Status: 401}, nil
	}

	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "GET", "/users/me", perform)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, failure.ReasonRetry401AfterRefresh, authErr.Reason)
	assert.Equal(t, 401, authErr.Status)
	assert.Equal(t, 401, authErr.RetryStatus)
	assert.Equal(t, int32(2), performs, "exactly one retry")
	assert.Equal(t, int32(1), src.refreshCalls, "second 401 must not trigger another refresh")
}

func TestRefreshLockClearsAfterFailure(t *testing.T) {
	src := &fakeSource{
		token:        "stale",
		refreshToken: "fresh",
		refreshErrs:  []error{errors.New("refresh endpoint down")},
	}
	coord, _ := newTestCoordinator(t, src)

	perform := func(_ context.Context, tok string) (*Response, error) {
		if tok == "fresh" {
			return &Response{Status: 200}, nil
		}
		return &Response{Status: 401}, nil
	}

	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "GET", "/users/me", perform)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, failure.ReasonRefreshFailed, authErr.Reason)

	// a subsequent call starts a brand-new refresh
	resp, err := coord.ExecuteAuthenticated(context.Background(), "req-2", "GET", "/users/me", perform)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(2), src.refreshCalls)
}

func TestMissingTokenFailsWithoutRequest(t *testing.T) {
	src := &fakeSource{token: ""}
	coord, _ := newTestCoordinator(t, src)

	var performs int32
	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "GET", "/users/me",
		func(_ context.Context, _ string) (*Response, error) {
			atomic.AddInt32(&performs, 1)
			return &Response{Status: 200}, nil
		})

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, failure.ReasonMissingToken, authErr.Reason)
	assert.Equal(t, int32(0), performs)
}

func TestForbiddenDoesNotRefresh(t *testing.T) {
	src := &fakeSource{token: "tok", refreshToken: "fresh"}
	coord, _ := newTestCoordinator(t, src)

	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "DELETE", "/events/9", respondingWith(403))
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, failure.ReasonForbidden, authErr.Reason)
	assert.Equal(t, int32(0), src.refreshCalls)
}

func TestCancellationIsSilent(t *testing.T) {
	src := &fakeSource{tokenErr: context.Canceled}
	coord, logs := newTestCoordinator(t, src)

	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "GET", "/users/me", respondingWith(200))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, logs.FilterMessage("auth failure").All(), "cancellation must not be recorded as a failure")
}

func TestTransportErrorClassifiedAsOther(t *testing.T) {
	src := &fakeSource{token: "tok"}
	coord, _ := newTestCoordinator(t, src)

	_, err := coord.ExecuteAuthenticated(context.Background(), "req-1", "GET", "/sports",
		func(_ context.Context, _ string) (*Response, error) {
			return nil, errors.New("connection refused")
		})

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, failure.ReasonOther, authErr.Reason)
}
