package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/transport"
)

// SyncOnce runs a single attempt: one batch out, server changes in. It
// returns ErrSyncInProgress without touching the queue when another
// attempt holds the guard. A transport failure leaves the queue and the
// watermark as they were.
func (e *Engine) SyncOnce(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}, syncerr.ErrSyncInProgress
	}

	defer func() {
		e.setPhase(PhaseIdle)
		e.syncing.Store(false)
	}()

	return e.attempt(ctx)
}

// SyncAll repeats attempts until the queue is empty, an attempt fails or
// an attempt makes no progress. One trigger thereby flushes a long
// offline backlog in bounded batches.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	total := Result{NoOp: true}

	for {
		res, err := e.SyncOnce(ctx)
		total.add(res)

		if err != nil {
			return total, err
		}

		if res.NoOp || res.Synced+res.Conflicted+res.Dropped == 0 {
			return total, nil
		}

		remaining, err := e.store.QueueLen()
		if err != nil {
			return total, storageErr(err)
		}

		if remaining == 0 {
			return total, nil
		}

		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (e *Engine) attempt(ctx context.Context) (Result, error) {
	e.setPhase(PhaseCollecting)

	started := e.clock.Now()

	wm, err := e.store.Watermark(e.cfg.DeviceID)
	if err != nil {
		return Result{}, e.fail(started, storageErr(err))
	}

	batch, err := e.store.PeekBatch(e.cfg.BatchSize)
	if err != nil {
		return Result{}, e.fail(started, storageErr(err))
	}

	if len(batch) == 0 && wm.LastSyncTimestamp.IsZero() && !e.cfg.BootstrapPull {
		return Result{NoOp: true}, nil
	}

	if e.transport == nil {
		return Result{}, e.fail(started, fmt.Errorf("%w: no sync server configured", syncerr.ErrTransport))
	}

	e.setPhase(PhaseSending)

	e.logger.Debug("sending batch",
		slog.Int("operations", len(batch)),
		slog.Time("last_sync", wm.LastSyncTimestamp),
	)

	resp, err := e.transport.Send(ctx, transport.Request{
		DeviceID:   e.cfg.DeviceID,
		LastSync:   wm.LastSyncTimestamp,
		Operations: batch,
	})
	if err != nil {
		if transport.IsTransient(err) {
			e.logger.Warn("sync attempt failed, will retry", slog.String("error", err.Error()))
		} else {
			e.logger.Error("sync attempt rejected by server", slog.String("error", err.Error()))
		}

		return Result{}, e.fail(started, err)
	}

	e.setPhase(PhaseApplying)

	var res Result

	err = e.store.Update(func(tx *state.Tx) error {
		var err error
		res, err = e.apply(tx, batch, resp)

		return err
	})
	if err != nil {
		return Result{}, e.fail(started, storageErr(err))
	}

	e.recordAttempt(started, nil)

	e.logger.Info("sync complete",
		slog.Int("synced", res.Synced),
		slog.Int("received", res.Received),
		slog.Int("conflicted", res.Conflicted),
		slog.Int("dropped", res.Dropped),
		slog.Int("deduplicated", res.Deduplicated),
	)

	e.emit(Event{Kind: EventSynced, Result: res, At: started})

	return res, nil
}

func (e *Engine) fail(at time.Time, err error) error {
	e.recordAttempt(at, err)
	e.emit(Event{Kind: EventSyncError, Err: err, At: at})

	return err
}

// apply folds one response into local state. It runs inside a single
// write transaction: acks, rejections, server changes, dedup and the
// watermark either all land or none do.
func (e *Engine) apply(tx *state.Tx, batch []models.PendingOperation, resp *transport.Response) (Result, error) {
	var res Result

	now := e.clock.Now().UTC()
	m := newBatchIndex(batch)

	// acked remembers the version each record reached through this
	// batch so that the server echoing our own write back in
	// serverChanges is not mistaken for a concurrent edit.
	acked := make(map[models.ID]int64)

	for _, ack := range resp.ProcessedAcks {
		op, ok := m.take(ack.OpID, ack.LocalID)
		if !ok {
			e.logger.Warn("ack for unknown operation", slog.String("op", ack.OpID), slog.String("id", ack.LocalID.String()))
			continue
		}

		id, err := e.applyAck(tx, op, ack)
		if err != nil {
			return res, err
		}

		acked[id] = ack.Version
		res.Synced++
	}

	for _, rej := range resp.Rejected {
		op, ok := m.take(rej.OpID, rej.LocalID)
		if !ok {
			e.logger.Warn("rejection for unknown operation", slog.String("op", rej.OpID))
			continue
		}

		conflicted, err := e.applyRejection(tx, op, rej.Err(), now)
		if err != nil {
			return res, err
		}

		if conflicted {
			res.Conflicted++
		} else {
			res.Dropped++
		}
	}

	if left := m.remaining(); left > 0 {
		e.logger.Warn("server left operations unanswered, they stay queued", slog.Int("count", left))
	}

	var arrived []models.ID

	for _, change := range resp.ServerChanges {
		if v, ok := acked[change.ID]; ok && change.SyncVersion <= v {
			continue
		}

		n, stored, err := e.applyServerChange(tx, change, now)
		if err != nil {
			return res, err
		}

		if stored {
			arrived = append(arrived, change.ID)
		}

		res.Received++
		res.Conflicted += n
	}

	n, err := e.dedup(tx, arrived)
	if err != nil {
		return res, err
	}

	res.Deduplicated = n

	wm, err := tx.AdvanceWatermark(e.cfg.DeviceID, resp.SyncTimestamp)
	if err != nil {
		return res, err
	}

	res.Watermark = wm.LastSyncTimestamp

	return res, nil
}

// applyAck removes an acknowledged operation and moves the record to its
// server id when the server assigned one. Returns the id the record now
// lives under.
func (e *Engine) applyAck(tx *state.Tx, op models.PendingOperation, ack transport.Ack) (models.ID, error) {
	if _, err := tx.RemoveOps(op.OpID); err != nil {
		return models.ID{}, err
	}

	id := op.ID

	if op.ID.IsTemporary() {
		switch {
		case !ack.ServerID.IsZero() && !ack.ServerID.IsTemporary() && ack.ServerID != op.ID:
			if err := e.reconcileTx(tx, op.ID, ack.ServerID, ack.Version); err != nil {
				return models.ID{}, err
			}

			id = ack.ServerID
		case !tx.Alias(op.ID).IsZero():
			// The create was reconciled earlier in this transaction.
			id = tx.Alias(op.ID)
		}
	}

	rec, err := tx.Record(id)
	if err != nil || rec == nil {
		return id, err
	}

	if rec.Deleted && op.Kind == models.OpDelete {
		queued, err := tx.QueuedFor(rec.ID)
		if err != nil {
			return id, err
		}

		if len(queued) == 0 {
			return rec.ID, tx.DeleteRecord(rec.ID)
		}

		return rec.ID, nil
	}

	if ack.Version > rec.SyncVersion {
		rec.SyncVersion = ack.Version
		return rec.ID, tx.PutRecord(*rec)
	}

	return rec.ID, nil
}

// applyRejection removes a rejected operation. Conflicts are kept as a
// ConflictRecord; validation failures are dropped. Reports whether a
// conflict was recorded.
func (e *Engine) applyRejection(tx *state.Tx, op models.PendingOperation, rej *transport.OperationError, now time.Time) (bool, error) {
	if _, err := tx.RemoveOps(op.OpID); err != nil {
		return false, err
	}

	if op.ID.IsTemporary() {
		if alias := tx.Alias(op.ID); !alias.IsZero() {
			op.ID = alias
		}
	}

	if rej.Kind != transport.RejectConflict {
		e.logger.Warn("operation rejected as invalid, dropping",
			slog.String("op", op.OpID),
			slog.String("id", op.ID.String()),
			slog.String("reason", rej.Message),
		)

		return false, nil
	}

	c := models.ConflictRecord{
		Operation:   op,
		ServerError: models.ServerError{Message: rej.Message, Record: rej.ServerRecord},
		DetectedAt:  now,
	}
	if rej.ServerRecord != nil {
		c.ServerVersion = rej.ServerRecord.SyncVersion
	}

	c, err := tx.AddConflict(c)
	if err != nil {
		return false, err
	}

	e.logger.Warn("operation conflicts with server",
		slog.String("op", op.OpID),
		slog.String("id", op.ID.String()),
		slog.Uint64("conflict", c.ID),
		slog.Int64("server_version", c.ServerVersion),
	)

	return true, nil
}

// applyServerChange incorporates one record from the server. A record
// with queued local operations is not overwritten: each of those
// operations becomes a ConflictRecord instead. A record with an open
// conflict gets the conflict's server copy refreshed. Returns the number
// of conflicts created and whether the record itself was stored.
func (e *Engine) applyServerChange(tx *state.Tx, change models.LocalRecord, now time.Time) (int, bool, error) {
	if change.ID.IsZero() || change.ID.IsTemporary() {
		e.logger.Warn("ignoring server change without a server id", slog.String("id", change.ID.String()))
		return 0, false, nil
	}

	queued, err := tx.QueuedFor(change.ID)
	if err != nil {
		return 0, false, err
	}

	if len(queued) > 0 {
		opIDs := make([]string, 0, len(queued))

		for _, op := range queued {
			server := change
			c := models.ConflictRecord{
				Operation: op,
				ServerError: models.ServerError{
					Message: "record changed on the server while a local edit was pending",
					Record:  &server,
				},
				ServerVersion: change.SyncVersion,
				DetectedAt:    now,
			}

			if _, err := tx.AddConflict(c); err != nil {
				return 0, false, err
			}

			opIDs = append(opIDs, op.OpID)
		}

		if _, err := tx.RemoveOps(opIDs...); err != nil {
			return 0, false, err
		}

		e.logger.Warn("server change collides with pending edits",
			slog.String("id", change.ID.String()),
			slog.Int("operations", len(queued)),
		)

		return len(queued), false, nil
	}

	open, err := tx.ConflictsFor(change.ID)
	if err != nil {
		return 0, false, err
	}

	if len(open) > 0 {
		for _, c := range open {
			server := change
			c.ServerError.Record = &server
			c.ServerVersion = change.SyncVersion

			if err := tx.PutConflict(c); err != nil {
				return 0, false, err
			}
		}

		return 0, false, nil
	}

	if err := tx.PutRecord(change); err != nil {
		return 0, false, err
	}

	return 0, true, nil
}

// batchIndex matches acks and rejections to the operations of the batch
// that was sent. Matching is by op id, falling back to the record id for
// servers that only echo the record.
type batchIndex struct {
	ops  []models.PendingOperation
	used []bool
}

func newBatchIndex(batch []models.PendingOperation) *batchIndex {
	return &batchIndex{ops: batch, used: make([]bool, len(batch))}
}

func (b *batchIndex) take(opID string, localID models.ID) (models.PendingOperation, bool) {
	if opID != "" {
		for i, op := range b.ops {
			if !b.used[i] && op.OpID == opID {
				b.used[i] = true
				return op, true
			}
		}
	}

	if localID.IsZero() {
		return models.PendingOperation{}, false
	}

	for i, op := range b.ops {
		if !b.used[i] && op.ID == localID {
			b.used[i] = true
			return op, true
		}
	}

	return models.PendingOperation{}, false
}

func (b *batchIndex) remaining() int {
	n := 0

	for _, u := range b.used {
		if !u {
			n++
		}
	}

	return n
}
