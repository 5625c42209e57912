package state

import (
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
)

// The methods below are single-transaction conveniences over Tx. They
// form the local store and queue surface used by callers that do not
// need to combine several writes atomically.

// Get returns the local record for id, or nil if not found.
func (s *State) Get(id models.ID) (*models.LocalRecord, error) {
	var rec *models.LocalRecord

	err := s.View(func(tx *Tx) error {
		var err error
		rec, err = tx.Record(id)

		return err
	})

	return rec, err
}

// Upsert inserts or replaces a local record.
func (s *State) Upsert(rec models.LocalRecord) error {
	return s.Update(func(tx *Tx) error {
		return tx.PutRecord(rec)
	})
}

// Delete removes a local record.
func (s *State) Delete(id models.ID) error {
	return s.Update(func(tx *Tx) error {
		return tx.DeleteRecord(id)
	})
}

// List returns every local record that is not a tombstone.
func (s *State) List() ([]models.LocalRecord, error) {
	var out []models.LocalRecord

	err := s.View(func(tx *Tx) error {
		all, err := tx.Records()
		if err != nil {
			return err
		}

		for _, rec := range all {
			if !rec.Deleted {
				out = append(out, rec)
			}
		}

		return nil
	})

	return out, err
}

// ListPending returns the local records that have queued operations.
func (s *State) ListPending() ([]models.LocalRecord, error) {
	var out []models.LocalRecord

	err := s.View(func(tx *Tx) error {
		ops, err := tx.queued()
		if err != nil {
			return err
		}

		seen := make(map[models.ID]struct{})

		for _, q := range ops {
			if _, dup := seen[q.op.ID]; dup {
				continue
			}

			seen[q.op.ID] = struct{}{}

			rec, err := tx.Record(q.op.ID)
			if err != nil {
				return err
			}

			if rec != nil {
				out = append(out, *rec)
			}
		}

		return nil
	})

	return out, err
}

// Enqueue appends an operation to the queue.
func (s *State) Enqueue(op models.PendingOperation) error {
	return s.Update(func(tx *Tx) error {
		return tx.Enqueue(op)
	})
}

// PeekBatch returns up to n operations from the head of the queue.
func (s *State) PeekBatch(n int) ([]models.PendingOperation, error) {
	var ops []models.PendingOperation

	err := s.View(func(tx *Tx) error {
		var err error
		ops, err = tx.Peek(n)

		return err
	})

	return ops, err
}

// Remove deletes queued operations by op id.
func (s *State) Remove(opIDs ...string) error {
	return s.Update(func(tx *Tx) error {
		_, err := tx.RemoveOps(opIDs...)
		return err
	})
}

// RequeueFront places ops at the head of the queue in their given order.
func (s *State) RequeueFront(ops []models.PendingOperation) error {
	return s.Update(func(tx *Tx) error {
		return tx.RequeueFront(ops)
	})
}

// QueueLen returns the number of queued operations.
func (s *State) QueueLen() (int, error) {
	n := 0
	err := s.View(func(tx *Tx) error {
		n = tx.QueueLen()
		return nil
	})

	return n, err
}

// Watermark returns the sync watermark for a device.
func (s *State) Watermark(deviceID string) (models.SyncWatermark, error) {
	var wm models.SyncWatermark

	err := s.View(func(tx *Tx) error {
		var err error
		wm, err = tx.Watermark(deviceID)

		return err
	})

	return wm, err
}

// AdvanceWatermark moves the device watermark forward, never back.
func (s *State) AdvanceWatermark(deviceID string, ts time.Time) (models.SyncWatermark, error) {
	var wm models.SyncWatermark

	err := s.Update(func(tx *Tx) error {
		var err error
		wm, err = tx.AdvanceWatermark(deviceID, ts)

		return err
	})

	return wm, err
}

// Conflicts returns all open conflicts.
func (s *State) Conflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord

	err := s.View(func(tx *Tx) error {
		var err error
		out, err = tx.Conflicts()

		return err
	})

	return out, err
}

// ConflictCount returns the number of open conflicts.
func (s *State) ConflictCount() (int, error) {
	n := 0
	err := s.View(func(tx *Tx) error {
		n = tx.ConflictCount()
		return nil
	})

	return n, err
}
