package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_CreateAssignsTemporaryID(t *testing.T) {
	h := newHarness(t)

	opID, err := h.engine.Record(context.Background(), models.EntityFieldNote, json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, opID)

	ops := h.queue(t)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, opID, op.OpID)
	assert.True(t, op.ID.IsTemporary())
	assert.Equal(t, models.OpCreate, op.Kind)
	assert.Equal(t, int64(1), op.Version)
	assert.JSONEq(t, `{"title":"A"}`, string(op.Payload))

	rec, err := h.engine.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SyncVersion)
	assert.True(t, rec.CreatedAt.Equal(h.clock.Now()))
}

func TestRecord_KicksTrigger(t *testing.T) {
	h := newHarness(t)
	h.record(t, models.EntityMemo, `{"title":"x"}`)
	h.record(t, models.EntityMemo, `{"title":"y"}`)

	select {
	case <-h.engine.Triggers():
	default:
		t.Fatal("expected a sync trigger")
	}

	select {
	case <-h.engine.Triggers():
		t.Fatal("kicks should coalesce")
	default:
	}
}

func TestRecord_UpdateExistingRecord(t *testing.T) {
	h := newHarness(t)
	h.seed(t, serverRecord("42", 3, `{"title":"old"}`, h.clock.Now()))

	id := h.record(t, models.EntityFieldNote, `{"id":"42","title":"new"}`)
	assert.Equal(t, models.ServerID("42"), id)

	ops := h.queue(t)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpUpdate, ops[0].Kind)
	assert.Equal(t, int64(4), ops[0].Version)
	assert.JSONEq(t, `{"title":"new"}`, string(ops[0].Payload), "id is carried by the operation, not the payload")

	rec, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.SyncVersion)
}

func TestRecord_SuccessiveUpdatesProposeIncreasingVersions(t *testing.T) {
	h := newHarness(t)
	id := h.record(t, models.EntityFieldNote, `{"title":"A"}`)
	h.record(t, models.EntityFieldNote, `{"id":"`+id.String()+`","title":"B"}`)
	h.record(t, models.EntityFieldNote, `{"id":"`+id.String()+`","title":"C"}`)

	ops := h.queue(t)
	require.Len(t, ops, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{ops[0].Version, ops[1].Version, ops[2].Version})
	for _, op := range ops {
		assert.Equal(t, id, op.ID)
	}
}

func TestRecord_UnknownServerIDIsCreate(t *testing.T) {
	h := newHarness(t)
	id := h.record(t, models.EntityReference, `{"id":"ext-9","title":"Imported"}`)
	assert.Equal(t, models.ServerID("ext-9"), id)

	ops := h.queue(t)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreate, ops[0].Kind)
}

func TestRecord_InvalidEntityType(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Record(context.Background(), "spreadsheet", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, syncerr.ErrInvalidEntityType)
	assert.Empty(t, h.queue(t))
}

func TestRecord_PayloadMustBeObject(t *testing.T) {
	h := newHarness(t)
	for _, p := range []string{`[1,2]`, `"text"`, `{bad`} {
		_, err := h.engine.Record(context.Background(), models.EntityMemo, json.RawMessage(p))
		assert.ErrorIs(t, err, syncerr.ErrInvalidPayload, p)
	}
	assert.Empty(t, h.queue(t))
}

func TestRecord_EntityTypeMismatch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, serverRecord("42", 1, `{"title":"A"}`, h.clock.Now()))

	_, err := h.engine.Record(context.Background(), models.EntityMemo, json.RawMessage(`{"id":"42"}`))
	assert.ErrorIs(t, err, syncerr.ErrInvalidEntityType)
}

func TestDelete_TombstonesAndQueues(t *testing.T) {
	h := newHarness(t)
	h.seed(t, serverRecord("42", 2, `{"title":"A"}`, h.clock.Now()))

	_, err := h.engine.Delete(context.Background(), models.ServerID("42"))
	require.NoError(t, err)

	ops := h.queue(t)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpDelete, ops[0].Kind)
	assert.Equal(t, int64(3), ops[0].Version)

	_, err = h.engine.Get(context.Background(), models.ServerID("42"))
	assert.ErrorIs(t, err, syncerr.ErrRecordNotFound)

	recs, err := h.engine.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDelete_Missing(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Delete(context.Background(), models.ServerID("nope"))
	assert.ErrorIs(t, err, syncerr.ErrRecordNotFound)

	h.seed(t, models.LocalRecord{ID: models.ServerID("gone"), Payload: json.RawMessage(`{}`), Deleted: true})
	_, err = h.engine.Delete(context.Background(), models.ServerID("gone"))
	assert.ErrorIs(t, err, syncerr.ErrRecordNotFound)
}

func TestPending_ListsRecordsWithQueuedOps(t *testing.T) {
	h := newHarness(t)
	h.seed(t, serverRecord("1", 1, `{"title":"synced"}`, h.clock.Now()))
	id := h.record(t, models.EntityFieldNote, `{"title":"offline"}`)

	recs, err := h.engine.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
}

func TestSaveWith_HookCommitsWithMutation(t *testing.T) {
	h := newHarness(t)

	var seen models.ID
	id, _, err := h.engine.SaveWith(context.Background(), models.EntityMemo, json.RawMessage(`{"title":"A"}`),
		func(tx *state.Tx, id models.ID) error {
			seen = id
			return tx.SetInboxEntry("a.md", id)
		})
	require.NoError(t, err)
	assert.Equal(t, id, seen)

	require.NoError(t, h.store.View(func(tx *state.Tx) error {
		assert.Equal(t, id, tx.InboxEntry("a.md"))
		return nil
	}))
}

func TestSaveWith_HookErrorRollsBack(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.engine.SaveWith(context.Background(), models.EntityMemo, json.RawMessage(`{"title":"A"}`),
		func(*state.Tx, models.ID) error { return errors.New("disk full") })
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrStorage)

	assert.Empty(t, h.queue(t))
	recs, err := h.engine.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDeleteWith_HookErrorKeepsRecord(t *testing.T) {
	h := newHarness(t)
	id := h.record(t, models.EntityMemo, `{"title":"A"}`)

	_, err := h.engine.DeleteWith(context.Background(), id,
		func(*state.Tx, models.ID) error { return errors.New("disk full") })
	require.Error(t, err)

	rec, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.Len(t, h.queue(t), 1)
}
