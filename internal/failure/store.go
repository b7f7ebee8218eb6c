package failure

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fitbuddy/client-core-go/pkg/database"
)

// stateKey is where the anomaly window lives in the client state store.
const stateKey = "auth.anomaly_window"

// WindowState is the persisted shape of the anomaly window. Timestamps are
// unix milliseconds.
type WindowState struct {
	Retry401AfterRefreshTimestamps []int64 `json:"retry401AfterRefreshTimestamps"`
	MisconfigAlertedAt             *int64  `json:"misconfigAlertedAt,omitempty"`
}

// Store persists the anomaly window across process restarts. Corrupt or
// missing data loads as an empty window, never an error the detector has to
// care about.
type Store interface {
	Load(ctx context.Context) WindowState
	Save(ctx context.Context, state WindowState) error
}

// MemoryStore keeps the window in-process only, for consumers without a
// writable state file and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	state WindowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) WindowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MemoryStore) Save(_ context.Context, state WindowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// KVStore persists the window as JSON in the embedded client state store.
type KVStore struct {
	kv *database.KV
}

func NewKVStore(kv *database.KV) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Load(ctx context.Context) WindowState {
	raw, ok, err := s.kv.Get(ctx, stateKey)
	if err != nil || !ok {
		return WindowState{}
	}
	var state WindowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// corrupt rows are treated as an empty window
		return WindowState{}
	}
	return state
}

func (s *KVStore) Save(ctx context.Context, state WindowState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, stateKey, string(raw))
}
