package syncserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := t0
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	return s
}

func createOp(opID string, local uint64, payload string) models.PendingOperation {
	return models.PendingOperation{
		OpID:       opID,
		ID:         models.TemporaryID(local),
		Kind:       models.OpCreate,
		EntityType: models.EntityFieldNote,
		Payload:    json.RawMessage(payload),
		Version:    1,
		CreatedAt:  t0.Add(-time.Hour),
	}
}

func apply(t *testing.T, s *Store, device string, lastSync time.Time, ops ...models.PendingOperation) *transport.Response {
	t.Helper()

	resp, err := s.Apply(context.Background(), device, transport.Request{DeviceID: device, LastSync: lastSync, Operations: ops})
	require.NoError(t, err)

	return resp
}

func TestApply_CreateAssignsServerID(t *testing.T) {
	s := testStore(t)

	resp := apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"T"}`))
	require.Len(t, resp.ProcessedAcks, 1)

	ack := resp.ProcessedAcks[0]
	assert.Equal(t, "op-1", ack.OpID)
	assert.Equal(t, models.TemporaryID(1), ack.LocalID)
	assert.Equal(t, models.ServerID("1"), ack.ServerID)
	assert.Equal(t, int64(1), ack.Version)
	assert.Empty(t, resp.Rejected)
	assert.Empty(t, resp.ServerChanges, "own writes are not echoed")

	rec, err := s.Record(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, t0.Add(-time.Hour), rec.CreatedAt, "creation time comes from the operation")
	assert.JSONEq(t, `{"title":"T"}`, string(rec.Payload))
}

func TestApply_ResubmittedOperationIsIdempotent(t *testing.T) {
	s := testStore(t)
	op := createOp("op-1", 1, `{"title":"T"}`)

	first := apply(t, s, "a", time.Time{}, op)
	second := apply(t, s, "a", time.Time{}, op)

	assert.Equal(t, first.ProcessedAcks[0].ServerID, second.ProcessedAcks[0].ServerID)

	feed := apply(t, s, "b", time.Time{})
	assert.Len(t, feed.ServerChanges, 1, "no duplicate row")
}

func TestApply_SameLocalIDDifferentOpIsIdempotent(t *testing.T) {
	s := testStore(t)

	first := apply(t, s, "a", time.Time{}, createOp("op-1", 7, `{"title":"T"}`))
	second := apply(t, s, "a", time.Time{}, createOp("op-2", 7, `{"title":"T"}`))

	assert.Equal(t, first.ProcessedAcks[0].ServerID, second.ProcessedAcks[0].ServerID)

	// Another device may reuse the same local counter value.
	other := apply(t, s, "b", time.Time{}, createOp("op-3", 7, `{"title":"U"}`))
	assert.NotEqual(t, first.ProcessedAcks[0].ServerID, other.ProcessedAcks[0].ServerID)
}

func TestApply_LaterOpsInBatchFollowLocalID(t *testing.T) {
	s := testStore(t)

	update := models.PendingOperation{
		OpID: "op-2", ID: models.TemporaryID(1), Kind: models.OpUpdate,
		EntityType: models.EntityFieldNote, Payload: json.RawMessage(`{"title":"B"}`), Version: 2,
	}

	resp := apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"A"}`), update)
	require.Len(t, resp.ProcessedAcks, 2)
	assert.Equal(t, models.ServerID("1"), resp.ProcessedAcks[1].ServerID)
	assert.Equal(t, int64(2), resp.ProcessedAcks[1].Version)

	rec, err := s.Record(context.Background(), 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"B"}`, string(rec.Payload))
}

func TestApply_StaleUpdateConflicts(t *testing.T) {
	s := testStore(t)
	apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"A"}`))

	stale := models.PendingOperation{
		OpID: "op-2", ID: models.ServerID("1"), Kind: models.OpUpdate,
		EntityType: models.EntityFieldNote, Payload: json.RawMessage(`{"title":"B"}`), Version: 1,
	}

	resp := apply(t, s, "b", time.Time{}, stale)
	require.Len(t, resp.Rejected, 1)

	rej := resp.Rejected[0]
	assert.Equal(t, transport.RejectConflict, rej.Kind)
	require.NotNil(t, rej.ServerRecord)
	assert.Equal(t, int64(1), rej.ServerRecord.SyncVersion)

	// A rejected op can be resubmitted with the same op id.
	stale.Version = 2
	resp = apply(t, s, "b", time.Time{}, stale)
	require.Len(t, resp.ProcessedAcks, 1)
	assert.Equal(t, int64(2), resp.ProcessedAcks[0].Version)
}

func TestApply_ValidationRejections(t *testing.T) {
	s := testStore(t)

	badType := createOp("op-1", 1, `{}`)
	badType.EntityType = "spreadsheet"

	badPayload := createOp("op-2", 2, `[1,2]`)

	unknownLocal := models.PendingOperation{
		OpID: "op-3", ID: models.TemporaryID(99), Kind: models.OpUpdate,
		EntityType: models.EntityMemo, Payload: json.RawMessage(`{}`), Version: 2,
	}

	badID := models.PendingOperation{OpID: "op-4", ID: models.ServerID("abc"), Kind: models.OpDelete}

	noOpID := createOp("", 5, `{}`)

	resp := apply(t, s, "a", time.Time{}, badType, badPayload, unknownLocal, badID, noOpID)
	assert.Empty(t, resp.ProcessedAcks)
	require.Len(t, resp.Rejected, 5)

	for _, rej := range resp.Rejected {
		assert.Equal(t, transport.RejectValidation, rej.Kind, rej.Message)
	}
}

func TestApply_UpdateMissingRecordConflictsWithoutCopy(t *testing.T) {
	s := testStore(t)

	resp := apply(t, s, "a", time.Time{}, models.PendingOperation{
		OpID: "op-1", ID: models.ServerID("50"), Kind: models.OpUpdate,
		EntityType: models.EntityMemo, Payload: json.RawMessage(`{}`), Version: 2,
	})
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, transport.RejectConflict, resp.Rejected[0].Kind)
	assert.Nil(t, resp.Rejected[0].ServerRecord)
}

func TestApply_DeleteTombstonesAndFeeds(t *testing.T) {
	s := testStore(t)
	apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"A"}`))

	del := models.PendingOperation{OpID: "op-2", ID: models.ServerID("1"), Kind: models.OpDelete, EntityType: models.EntityFieldNote, Version: 2}
	resp := apply(t, s, "a", time.Time{}, del)
	require.Len(t, resp.ProcessedAcks, 1)

	feed := apply(t, s, "b", time.Time{})
	require.Len(t, feed.ServerChanges, 1)
	assert.True(t, feed.ServerChanges[0].Deleted)
	assert.Equal(t, int64(2), feed.ServerChanges[0].SyncVersion)

	// Deleting again, or deleting something absent, is acknowledged.
	again := del
	again.OpID = "op-3"
	again.Version = 3
	missing := models.PendingOperation{OpID: "op-4", ID: models.ServerID("77"), Kind: models.OpDelete, Version: 1}

	resp = apply(t, s, "a", time.Time{}, again, missing)
	assert.Len(t, resp.ProcessedAcks, 2)
	assert.Equal(t, int64(2), resp.ProcessedAcks[0].Version)
}

func TestApply_ChangeFeedHonoursWatermark(t *testing.T) {
	s := testStore(t)
	apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"A"}`))

	first := apply(t, s, "b", time.Time{})
	require.Len(t, first.ServerChanges, 1)

	empty := apply(t, s, "b", first.SyncTimestamp)
	assert.Empty(t, empty.ServerChanges)
	assert.True(t, empty.SyncTimestamp.After(first.SyncTimestamp))

	apply(t, s, "a", time.Time{}, createOp("op-2", 2, `{"title":"B"}`))

	next := apply(t, s, "b", empty.SyncTimestamp)
	require.Len(t, next.ServerChanges, 1)
	assert.Equal(t, models.ServerID("2"), next.ServerChanges[0].ID)
}

func TestStamps_StrictlyIncreaseWithFrozenClock(t *testing.T) {
	s := testStore(t)
	s.now = func() time.Time { return t0 }

	a := apply(t, s, "a", time.Time{})
	b := apply(t, s, "a", time.Time{})
	assert.True(t, b.SyncTimestamp.After(a.SyncTimestamp))
}

func TestOpen_ResumesStampsAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")

	s, err := Open(context.Background(), path)
	require.NoError(t, err)

	future := time.Now().Add(24 * time.Hour)
	s.now = func() time.Time { return future }

	first := apply(t, s, "a", time.Time{}, createOp("op-1", 1, `{"title":"A"}`))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	second := apply(t, s, "a", time.Time{})
	assert.True(t, second.SyncTimestamp.After(first.SyncTimestamp))
}

func TestResponseStatus(t *testing.T) {
	assert.Equal(t, 200, responseStatus(&transport.Response{}))
	assert.Equal(t, 422, responseStatus(&transport.Response{Rejected: []transport.Rejection{{Kind: transport.RejectValidation}}}))
	assert.Equal(t, 409, responseStatus(&transport.Response{Rejected: []transport.Rejection{
		{Kind: transport.RejectValidation},
		{Kind: transport.RejectConflict},
	}}))
}
