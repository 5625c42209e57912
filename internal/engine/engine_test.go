package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testDevice = "device-a"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	store  *state.State
	tr     *MockTransport
	clock  *fakeClock
	events []Event
}

func newHarness(t *testing.T, cfgs ...func(*Config)) *harness {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store: store,
		tr:    NewMockTransport(gomock.NewController(t)),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	cfg := Config{
		DeviceID:      testDevice,
		BootstrapPull: true,
		OnEvent:       func(ev Event) { h.events = append(h.events, ev) },
	}
	for _, fn := range cfgs {
		fn(&cfg)
	}

	h.engine = New(store, h.tr, quietLogger, cfg, WithClock(h.clock))

	return h
}

func (h *harness) record(t *testing.T, et models.EntityType, payload string) models.ID {
	t.Helper()
	id, _, err := h.engine.Save(context.Background(), et, json.RawMessage(payload))
	require.NoError(t, err)
	return id
}

func (h *harness) queue(t *testing.T) []models.PendingOperation {
	t.Helper()
	ops, err := h.store.PeekBatch(1000)
	require.NoError(t, err)
	return ops
}

func (h *harness) conflicts(t *testing.T) []models.ConflictRecord {
	t.Helper()
	cs, err := h.store.Conflicts()
	require.NoError(t, err)
	return cs
}

func (h *harness) seed(t *testing.T, rec models.LocalRecord) {
	t.Helper()
	require.NoError(t, h.store.Upsert(rec))
}

func serverRecord(id string, version int64, payload string, created time.Time) models.LocalRecord {
	return models.LocalRecord{
		ID:          models.ServerID(id),
		EntityType:  models.EntityFieldNote,
		Payload:     json.RawMessage(payload),
		SyncVersion: version,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}
