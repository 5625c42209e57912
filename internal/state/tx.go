package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// queueFirstKey is the key of the first operation enqueued into an empty
// queue. Starting in the middle of the key space leaves room for
// RequeueFront to insert ahead of the head.
const queueFirstKey = uint64(1) << 63

// Tx is a transaction over the state database. Obtain one through
// State.View or State.Update; it must not be used after fn returns.
type Tx struct {
	tx *bolt.Tx
}

// --- Records ---

// Record returns the local record for id, following the temporary id
// alias when the record has been reconciled. Returns nil if not found.
func (tx *Tx) Record(id models.ID) (*models.LocalRecord, error) {
	b := tx.tx.Bucket(recordsBucket)

	v := b.Get([]byte(id.String()))
	if v == nil && id.IsTemporary() {
		if alias := tx.tx.Bucket(aliasBucket).Get([]byte(id.String())); alias != nil {
			v = b.Get(alias)
		}
	}

	if v == nil {
		return nil, nil
	}

	rec := &models.LocalRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}

	return rec, nil
}

// PutRecord inserts or replaces a local record.
func (tx *Tx) PutRecord(rec models.LocalRecord) error {
	if rec.ID.IsZero() {
		return fmt.Errorf("record has no id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return tx.tx.Bucket(recordsBucket).Put([]byte(rec.ID.String()), data)
}

// DeleteRecord removes a local record. Missing records are not an error.
func (tx *Tx) DeleteRecord(id models.ID) error {
	return tx.tx.Bucket(recordsBucket).Delete([]byte(id.String()))
}

// Records returns every local record, tombstones included.
func (tx *Tx) Records() ([]models.LocalRecord, error) {
	var out []models.LocalRecord

	err := tx.tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
		var rec models.LocalRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", k, err)
		}

		out = append(out, rec)

		return nil
	})

	return out, err
}

// SetAlias records that a temporary id now refers to a server id.
func (tx *Tx) SetAlias(temp, server models.ID) error {
	return tx.tx.Bucket(aliasBucket).Put([]byte(temp.String()), []byte(server.String()))
}

// Alias returns the server id a temporary id was reconciled to, or the
// zero id.
func (tx *Tx) Alias(temp models.ID) models.ID {
	v := tx.tx.Bucket(aliasBucket).Get([]byte(temp.String()))
	if v == nil {
		return models.ID{}
	}

	return models.ParseID(string(v))
}

// AliasTargets returns every server id some temporary id was reconciled
// to.
func (tx *Tx) AliasTargets() (map[models.ID]bool, error) {
	out := make(map[models.ID]bool)

	err := tx.tx.Bucket(aliasBucket).ForEach(func(_, v []byte) error {
		out[models.ParseID(string(v))] = true
		return nil
	})

	return out, err
}

// --- Queue ---

type queuedOp struct {
	key uint64
	op  models.PendingOperation
}

func (tx *Tx) queued() ([]queuedOp, error) {
	var out []queuedOp

	err := tx.tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
		var op models.PendingOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("decoding queued operation: %w", err)
		}

		out = append(out, queuedOp{key: binary.BigEndian.Uint64(k), op: op})

		return nil
	})

	return out, err
}

func (tx *Tx) putQueued(key uint64, op models.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}

	return tx.tx.Bucket(queueBucket).Put(u64Key(key), data)
}

// Enqueue appends an operation to the tail of the queue.
func (tx *Tx) Enqueue(op models.PendingOperation) error {
	key := queueFirstKey

	if k, _ := tx.tx.Bucket(queueBucket).Cursor().Last(); k != nil {
		key = binary.BigEndian.Uint64(k) + 1
	}

	return tx.putQueued(key, op)
}

// RequeueFront places ops ahead of every queued operation, keeping their
// relative order.
func (tx *Tx) RequeueFront(ops []models.PendingOperation) error {
	if len(ops) == 0 {
		return nil
	}

	k, _ := tx.tx.Bucket(queueBucket).Cursor().First()
	if k == nil {
		for _, op := range ops {
			if err := tx.Enqueue(op); err != nil {
				return err
			}
		}

		return nil
	}

	start := binary.BigEndian.Uint64(k) - uint64(len(ops))
	for i, op := range ops {
		if err := tx.putQueued(start+uint64(i), op); err != nil {
			return err
		}
	}

	return nil
}

// Peek returns up to n operations from the head of the queue. The slice
// is a copy; later queue writes do not affect it.
func (tx *Tx) Peek(n int) ([]models.PendingOperation, error) {
	var out []models.PendingOperation

	c := tx.tx.Bucket(queueBucket).Cursor()
	for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
		var op models.PendingOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return nil, fmt.Errorf("decoding queued operation: %w", err)
		}

		out = append(out, op)
	}

	return out, nil
}

// RemoveOps deletes the queued operations with the given op ids and
// returns how many were removed.
func (tx *Tx) RemoveOps(opIDs ...string) (int, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}

	want := make(map[string]struct{}, len(opIDs))
	for _, id := range opIDs {
		want[id] = struct{}{}
	}

	all, err := tx.queued()
	if err != nil {
		return 0, err
	}

	removed := 0
	b := tx.tx.Bucket(queueBucket)

	for _, q := range all {
		if _, ok := want[q.op.OpID]; !ok {
			continue
		}

		if err := b.Delete(u64Key(q.key)); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

// QueuedFor returns the queued operations targeting id, in queue order.
func (tx *Tx) QueuedFor(id models.ID) ([]models.PendingOperation, error) {
	all, err := tx.queued()
	if err != nil {
		return nil, err
	}

	var out []models.PendingOperation

	for _, q := range all {
		if q.op.ID == id {
			out = append(out, q.op)
		}
	}

	return out, nil
}

// RewriteQueued retargets every queued operation from one record id to
// another and returns how many were rewritten.
func (tx *Tx) RewriteQueued(from, to models.ID) (int, error) {
	all, err := tx.queued()
	if err != nil {
		return 0, err
	}

	n := 0

	for _, q := range all {
		if q.op.ID != from {
			continue
		}

		q.op.ID = to
		if err := tx.putQueued(q.key, q.op); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// QueueLen returns the number of queued operations.
func (tx *Tx) QueueLen() int {
	return countKeys(tx.tx.Bucket(queueBucket))
}

// --- Conflicts ---

// AddConflict persists a new conflict and returns it with its id set.
func (tx *Tx) AddConflict(c models.ConflictRecord) (models.ConflictRecord, error) {
	b := tx.tx.Bucket(conflictsBucket)

	seq, err := b.NextSequence()
	if err != nil {
		return c, err
	}

	c.ID = seq

	return c, tx.PutConflict(c)
}

// PutConflict replaces an existing conflict.
func (tx *Tx) PutConflict(c models.ConflictRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return tx.tx.Bucket(conflictsBucket).Put(u64Key(c.ID), data)
}

// Conflict returns the conflict with the given id, or nil.
func (tx *Tx) Conflict(id uint64) (*models.ConflictRecord, error) {
	v := tx.tx.Bucket(conflictsBucket).Get(u64Key(id))
	if v == nil {
		return nil, nil
	}

	c := &models.ConflictRecord{}
	if err := json.Unmarshal(v, c); err != nil {
		return nil, fmt.Errorf("decoding conflict %d: %w", id, err)
	}

	return c, nil
}

// DeleteConflict removes a conflict.
func (tx *Tx) DeleteConflict(id uint64) error {
	return tx.tx.Bucket(conflictsBucket).Delete(u64Key(id))
}

// Conflicts returns all open conflicts, oldest first.
func (tx *Tx) Conflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord

	err := tx.tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
		var c models.ConflictRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("decoding conflict: %w", err)
		}

		out = append(out, c)

		return nil
	})

	return out, err
}

// ConflictsFor returns the open conflicts whose operation targets id.
func (tx *Tx) ConflictsFor(id models.ID) ([]models.ConflictRecord, error) {
	all, err := tx.Conflicts()
	if err != nil {
		return nil, err
	}

	var out []models.ConflictRecord

	for _, c := range all {
		if c.Operation.ID == id {
			out = append(out, c)
		}
	}

	return out, nil
}

// RewriteConflicts retargets the operation of every open conflict from
// one record id to another and returns how many were rewritten.
func (tx *Tx) RewriteConflicts(from, to models.ID) (int, error) {
	all, err := tx.Conflicts()
	if err != nil {
		return 0, err
	}

	n := 0

	for _, c := range all {
		if c.Operation.ID != from {
			continue
		}

		c.Operation.ID = to
		if err := tx.PutConflict(c); err != nil {
			return n, err
		}

		n++
	}

	return n, nil
}

// ConflictCount returns the number of open conflicts.
func (tx *Tx) ConflictCount() int {
	return countKeys(tx.tx.Bucket(conflictsBucket))
}

// countKeys walks the bucket with a cursor. Bucket.Stats only sees
// committed pages, so it undercounts inside a write transaction.
func countKeys(b *bolt.Bucket) int {
	n := 0

	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}

	return n
}

// --- Watermarks ---

// Watermark returns the sync watermark for a device. A device that has
// never synced gets the zero timestamp.
func (tx *Tx) Watermark(deviceID string) (models.SyncWatermark, error) {
	wm := models.SyncWatermark{DeviceID: deviceID}

	v := tx.tx.Bucket(watermarkBucket).Get([]byte(deviceID))
	if v == nil {
		return wm, nil
	}

	if err := json.Unmarshal(v, &wm); err != nil {
		return wm, fmt.Errorf("decoding watermark: %w", err)
	}

	return wm, nil
}

// AdvanceWatermark moves the device watermark forward to ts. A ts older
// than the stored watermark leaves it unchanged. Returns the watermark
// now in effect.
func (tx *Tx) AdvanceWatermark(deviceID string, ts time.Time) (models.SyncWatermark, error) {
	wm, err := tx.Watermark(deviceID)
	if err != nil {
		return wm, err
	}

	if !ts.After(wm.LastSyncTimestamp) {
		return wm, nil
	}

	wm.LastSyncTimestamp = ts.UTC()

	data, err := json.Marshal(wm)
	if err != nil {
		return wm, err
	}

	return wm, tx.tx.Bucket(watermarkBucket).Put([]byte(deviceID), data)
}

// --- Inbox ---

// InboxEntry returns the record id an inbox file was imported as.
func (tx *Tx) InboxEntry(path string) models.ID {
	v := tx.tx.Bucket(inboxBucket).Get([]byte(path))
	if v == nil {
		return models.ID{}
	}

	return models.ParseID(string(v))
}

// SetInboxEntry remembers which record an inbox file was imported as.
func (tx *Tx) SetInboxEntry(path string, id models.ID) error {
	return tx.tx.Bucket(inboxBucket).Put([]byte(path), []byte(id.String()))
}

// DeleteInboxEntry forgets an inbox file.
func (tx *Tx) DeleteInboxEntry(path string) error {
	return tx.tx.Bucket(inboxBucket).Delete([]byte(path))
}

// InboxFiles lists every inbox file with a recorded import.
func (tx *Tx) InboxFiles() ([]string, error) {
	var names []string

	err := tx.tx.Bucket(inboxBucket).ForEach(func(k, _ []byte) error {
		names = append(names, string(k))
		return nil
	})

	return names, err
}
