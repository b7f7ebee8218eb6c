package failure

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fitbuddy/client-core-go/internal/diag"
)

const (
	// Window is how long a retry-after-refresh 401 stays relevant; it also
	// serves as the alert cool-down.
	Window = 5 * time.Minute
	// Threshold is how many such failures within the window trigger an alert.
	Threshold = 3
)

// Detector watches classified failures for repeated post-refresh 401s, the
// signature of the backend and the auth provider disagreeing about token
// validity. It is a local best-effort heuristic, not a security control.
type Detector struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	store   Store
	emitter *diag.Emitter

	loaded     bool
	timestamps []time.Time
	alertedAt  *time.Time
}

func NewDetector(store Store, emitter *diag.Emitter, clock clockwork.Clock) *Detector {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{clock: clock, store: store, emitter: emitter}
}

// RecordFailure feeds one classified failure into the detector. Only
// retry_401_after_refresh events touch the window; everything else is logged
// at warning severity and forgotten.
func (d *Detector) RecordFailure(ctx context.Context, rec Record) {
	if rec.Reason != ReasonRetry401AfterRefresh {
		d.emitter.Emit(diag.SeverityWarn, "auth failure", failureContext(rec))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.loadLocked(ctx)
	d.timestamps = append(d.timestamps, now)
	d.pruneLocked(now)
	d.saveLocked(ctx)

	d.emitter.Emit(diag.SeverityWarn, "auth failure", failureContext(rec))

	if len(d.timestamps) < Threshold {
		return
	}
	if d.alertedAt != nil && now.Sub(*d.alertedAt) <= Window {
		return
	}

	d.emitter.Emit(diag.SeverityError, "suspected auth misconfiguration", diag.Context{
		RequestID: rec.RequestID,
		Reason:    string(ReasonRetry401AfterRefresh),
		Detail:    "repeated 401 responses after successful token refresh; backend and auth provider may disagree about token validity",
	})
	alerted := now
	d.alertedAt = &alerted
	d.saveLocked(ctx)
}

func failureContext(rec Record) diag.Context {
	return diag.Context{
		Method:           rec.Method,
		Path:             rec.Path,
		RequestID:        rec.RequestID,
		Status:           rec.Status,
		RetryStatus:      rec.RetryStatus,
		RefreshAttempted: rec.RefreshAttempted,
		RefreshSucceeded: rec.RefreshSucceeded,
		Reason:           string(rec.Reason),
		Detail:           rec.Detail,
	}
}

// loadLocked hydrates the window from the store once per process.
func (d *Detector) loadLocked(ctx context.Context) {
	if d.loaded {
		return
	}
	d.loaded = true
	state := d.store.Load(ctx)
	for _, ms := range state.Retry401AfterRefreshTimestamps {
		d.timestamps = append(d.timestamps, time.UnixMilli(ms))
	}
	if state.MisconfigAlertedAt != nil {
		at := time.UnixMilli(*state.MisconfigAlertedAt)
		d.alertedAt = &at
	}
}

func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-Window)
	kept := d.timestamps[:0]
	for _, ts := range d.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.timestamps = kept
}

func (d *Detector) saveLocked(ctx context.Context) {
	state := WindowState{
		Retry401AfterRefreshTimestamps: make([]int64, 0, len(d.timestamps)),
	}
	for _, ts := range d.timestamps {
		state.Retry401AfterRefreshTimestamps = append(state.Retry401AfterRefreshTimestamps, ts.UnixMilli())
	}
	if d.alertedAt != nil {
		ms := d.alertedAt.UnixMilli()
		state.MisconfigAlertedAt = &ms
	}
	if err := d.store.Save(ctx, state); err != nil {
		// persistence is best-effort; detection keeps working in-process
		d.emitter.Emit(diag.SeverityDebug, "anomaly window persist failed", diag.Context{Detail: err.Error()})
	}
}
