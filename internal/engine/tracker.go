package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Record applies a create or update locally and queues it for the
// server. The payload must be a JSON object. When it has no "id" field a
// temporary id is assigned and the operation is a create; otherwise the
// operation updates the record with that id. The local write and the
// enqueue happen in one transaction. Returns the operation id.
func (e *Engine) Record(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (string, error) {
	op, err := e.track(ctx, entityType, payload, nil)
	if err != nil {
		return "", err
	}

	return op.OpID, nil
}

// Save is Record returning the id the record is stored under.
func (e *Engine) Save(ctx context.Context, entityType models.EntityType, payload json.RawMessage) (models.ID, string, error) {
	return e.SaveWith(ctx, entityType, payload, nil)
}

// TxHook runs inside the transaction that records a mutation, after the
// record and its operation are written. An error aborts the mutation.
type TxHook func(tx *state.Tx, id models.ID) error

// SaveWith is Save with a hook that commits together with the mutation.
func (e *Engine) SaveWith(ctx context.Context, entityType models.EntityType, payload json.RawMessage, hook TxHook) (models.ID, string, error) {
	op, err := e.track(ctx, entityType, payload, hook)
	if err != nil {
		return models.ID{}, "", err
	}

	return op.ID, op.OpID, nil
}

func (e *Engine) track(_ context.Context, entityType models.EntityType, payload json.RawMessage, hook TxHook) (models.PendingOperation, error) {
	if !entityType.Valid() {
		return models.PendingOperation{}, fmt.Errorf("%w: %q", syncerr.ErrInvalidEntityType, entityType)
	}

	fields, err := decodeObject(payload)
	if err != nil {
		return models.PendingOperation{}, err
	}

	var id models.ID
	if v := gjson.GetBytes(payload, "id"); v.Exists() {
		id = models.ParseID(v.String())
		delete(fields, "id")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return models.PendingOperation{}, fmt.Errorf("encoding payload: %w", err)
	}

	now := e.clock.Now().UTC()
	op := models.PendingOperation{
		OpID:       uuid.NewString(),
		EntityType: entityType,
		Payload:    body,
		CreatedAt:  now,
	}

	err = e.store.Update(func(tx *state.Tx) error {
		var existing *models.LocalRecord

		if !id.IsZero() {
			if existing, err = tx.Record(id); err != nil {
				return err
			}
		}

		rec := models.LocalRecord{
			EntityType: entityType,
			Payload:    body,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		switch {
		case existing != nil && existing.Deleted:
			return fmt.Errorf("%w: %s was deleted", syncerr.ErrRecordNotFound, id)
		case existing != nil:
			if existing.EntityType != entityType {
				return fmt.Errorf("%w: %s is a %s", syncerr.ErrInvalidEntityType, existing.ID, existing.EntityType)
			}

			op.Kind = models.OpUpdate
			op.ID = existing.ID
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			rec.SyncVersion = existing.SyncVersion + 1
		default:
			if id.IsZero() {
				if id, err = tx.NextTemporaryID(now); err != nil {
					return err
				}
			}

			op.Kind = models.OpCreate
			op.ID = id
			rec.ID = id
			rec.SyncVersion = 1
		}

		op.Version = rec.SyncVersion

		if err := tx.PutRecord(rec); err != nil {
			return err
		}

		if err := tx.Enqueue(op); err != nil {
			return err
		}

		if hook != nil {
			return hook(tx, op.ID)
		}

		return nil
	})
	if err != nil {
		return models.PendingOperation{}, storageErr(err)
	}

	e.logger.Debug("mutation tracked",
		slog.String("op", op.OpID),
		slog.String("id", op.ID.String()),
		slog.String("kind", string(op.Kind)),
	)

	e.kick()

	return op, nil
}

// Delete tombstones a local record and queues the delete for the
// server.
func (e *Engine) Delete(ctx context.Context, id models.ID) (string, error) {
	return e.DeleteWith(ctx, id, nil)
}

// DeleteWith is Delete with a hook that commits together with the
// tombstone.
func (e *Engine) DeleteWith(_ context.Context, id models.ID, hook TxHook) (string, error) {
	now := e.clock.Now().UTC()
	op := models.PendingOperation{
		OpID:      uuid.NewString(),
		Kind:      models.OpDelete,
		CreatedAt: now,
	}

	err := e.store.Update(func(tx *state.Tx) error {
		rec, err := tx.Record(id)
		if err != nil {
			return err
		}

		if rec == nil || rec.Deleted {
			return fmt.Errorf("%w: %s", syncerr.ErrRecordNotFound, id)
		}

		rec.Deleted = true
		rec.SyncVersion++
		rec.UpdatedAt = now

		op.ID = rec.ID
		op.EntityType = rec.EntityType
		op.Version = rec.SyncVersion

		if err := tx.PutRecord(*rec); err != nil {
			return err
		}

		if err := tx.Enqueue(op); err != nil {
			return err
		}

		if hook != nil {
			return hook(tx, op.ID)
		}

		return nil
	})
	if err != nil {
		return "", storageErr(err)
	}

	e.logger.Debug("deletion tracked", slog.String("op", op.OpID), slog.String("id", op.ID.String()))

	e.kick()

	return op.OpID, nil
}

// Get returns the local record for id, following reconciled temporary
// ids. Tombstoned records are reported as not found.
func (e *Engine) Get(_ context.Context, id models.ID) (*models.LocalRecord, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, storageErr(err)
	}

	if rec == nil || rec.Deleted {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrRecordNotFound, id)
	}

	return rec, nil
}

// List returns all live local records.
func (e *Engine) List(_ context.Context) ([]models.LocalRecord, error) {
	recs, err := e.store.List()
	if err != nil {
		return nil, storageErr(err)
	}

	return recs, nil
}

// Pending returns the local records that have unsent operations.
func (e *Engine) Pending(_ context.Context) ([]models.LocalRecord, error) {
	recs, err := e.store.ListPending()
	if err != nil {
		return nil, storageErr(err)
	}

	return recs, nil
}

func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, error) {
	if len(payload) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, fmt.Errorf("%w: payload must be a JSON object", syncerr.ErrInvalidPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidPayload, err)
	}

	return fields, nil
}
