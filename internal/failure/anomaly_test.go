package failure

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fitbuddy/client-core-go/internal/diag"
	"github.com/fitbuddy/client-core-go/pkg/database"
)

func newTestDetector(t *testing.T, store Store, clock clockwork.Clock) (*Detector, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	em := diag.NewEmitter(zap.New(core).Sugar())
	return NewDetector(store, em, clock), logs
}

func retryRecord(id string) Record {
	ok := true
	return Record{
		Reason:           ReasonRetry401AfterRefresh,
		RequestID:        id,
		Status:           401,
		RetryStatus:      401,
		RefreshAttempted: true,
		RefreshSucceeded: &ok,
	}
}

func alertCount(logs *observer.ObservedLogs) int {
	return len(logs.FilterMessage("suspected auth misconfiguration").All())
}

func TestThresholdFiresExactlyOneAlert(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, logs := newTestDetector(t, nil, clock)
	ctx := context.Background()

	d.RecordFailure(ctx, retryRecord("r1"))
	clock.Advance(30 * time.Second)
	d.RecordFailure(ctx, retryRecord("r2"))
	assert.Equal(t, 0, alertCount(logs))

	clock.Advance(30 * time.Second)
	d.RecordFailure(ctx, retryRecord("r3"))
	assert.Equal(t, 1, alertCount(logs))

	// fourth failure inside the window, already alerted: no second alert
	clock.Advance(time.Minute)
	d.RecordFailure(ctx, retryRecord("r4"))
	assert.Equal(t, 1, alertCount(logs))
}

func TestAlertAgainAfterCoolDownOnceCountRebuilds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, logs := newTestDetector(t, nil, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.RecordFailure(ctx, retryRecord("a"))
	}
	require.Equal(t, 1, alertCount(logs))

	// past the cool-down the old timestamps have aged out too; a single
	// failure is not enough
	clock.Advance(6 * time.Minute)
	d.RecordFailure(ctx, retryRecord("b"))
	assert.Equal(t, 1, alertCount(logs))

	d.RecordFailure(ctx, retryRecord("c"))
	d.RecordFailure(ctx, retryRecord("d"))
	assert.Equal(t, 2, alertCount(logs))
}

func TestOtherReasonsDoNotTouchWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore()
	d, logs := newTestDetector(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.RecordFailure(ctx, Record{Reason: ReasonUnauthorized, RequestID: "x", Status: 401})
	}
	assert.Equal(t, 0, alertCount(logs))
	assert.Empty(t, store.Load(ctx).Retry401AfterRefreshTimestamps)
	// still logged as warnings
	assert.Len(t, logs.FilterMessage("auth failure").All(), 5)
}

func TestWindowPersistsAcrossDetectors(t *testing.T) {
	cfg := database.ConfigFromEnv()
	cfg.Path = filepath.Join(t.TempDir(), "state.db")
	db, err := database.Connect(cfg)
	require.NoError(t, err)
	defer db.Close()
	store := NewKVStore(database.NewKV(db))

	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	d1, logs1 := newTestDetector(t, store, clock)
	d1.RecordFailure(ctx, retryRecord("r1"))
	d1.RecordFailure(ctx, retryRecord("r2"))
	require.Equal(t, 0, alertCount(logs1))

	// a fresh detector (same process restart semantics) reloads the window
	// and the third failure crosses the threshold
	d2, logs2 := newTestDetector(t, store, clock)
	d2.RecordFailure(ctx, retryRecord("r3"))
	assert.Equal(t, 1, alertCount(logs2))
}

func TestExpiredTimestampsAgeOutOfPersistedWindow(t *testing.T) {
	store := NewMemoryStore()
	clock := clockwork.NewFakeClock()
	d, _ := newTestDetector(t, store, clock)
	ctx := context.Background()

	d.RecordFailure(ctx, retryRecord("old"))
	clock.Advance(6 * time.Minute)
	d.RecordFailure(ctx, retryRecord("new"))

	state := store.Load(ctx)
	assert.Len(t, state.Retry401AfterRefreshTimestamps, 1)
	assert.Equal(t, clock.Now().UnixMilli(), state.Retry401AfterRefreshTimestamps[0])
}

func TestCorruptPersistedWindowLoadsAsEmpty(t *testing.T) {
	cfg := database.ConfigFromEnv()
	cfg.Path = filepath.Join(t.TempDir(), "state.db")
	db, err := database.Connect(cfg)
	require.NoError(t, err)
	defer db.Close()

	kv := database.NewKV(db)
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, "auth.anomaly_window", "{not json"))

	store := NewKVStore(kv)
	assert.Equal(t, WindowState{}, store.Load(ctx))
}
