package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ResolveOptions tunes a resolution.
type ResolveOptions struct {
	// Version replaces the operation's proposed version for keep_local.
	// Callers pass a version above the server's to make the retry win.
	Version int64
}

// Conflicts returns the open conflicts, oldest first.
func (e *Engine) Conflicts(_ context.Context) ([]models.ConflictRecord, error) {
	out, err := e.store.Conflicts()
	if err != nil {
		return nil, storageErr(err)
	}

	return out, nil
}

// Resolve settles one conflict with the given strategy. The conflict is
// removed in the same transaction that writes the queue and the local
// record, so exactly one ConflictRecord disappears per call.
func (e *Engine) Resolve(_ context.Context, conflictID uint64, strategy models.Strategy, opts ResolveOptions) error {
	if !strategy.Valid() {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownStrategy, strategy)
	}

	now := e.clock.Now().UTC()

	err := e.store.Update(func(tx *state.Tx) error {
		c, err := tx.Conflict(conflictID)
		if err != nil {
			return err
		}

		if c == nil {
			return fmt.Errorf("%w: %d", syncerr.ErrConflictNotFound, conflictID)
		}

		op := c.Operation
		if op.ID.IsTemporary() {
			if alias := tx.Alias(op.ID); !alias.IsZero() {
				op.ID = alias
			}
		}

		switch strategy {
		case models.StrategyKeepLocal:
			err = keepLocal(tx, op, opts)
		case models.StrategyUseServer:
			err = useServer(tx, op, c.ServerError.Record)
		case models.StrategyMerge:
			err = merge(tx, op, c, now)
		}

		if err != nil {
			return err
		}

		return tx.DeleteConflict(conflictID)
	})
	if err != nil {
		return storageErr(err)
	}

	e.logger.Info("conflict resolved",
		slog.Uint64("conflict", conflictID),
		slog.String("strategy", string(strategy)),
	)

	if strategy != models.StrategyUseServer {
		e.kick()
	}

	return nil
}

func keepLocal(tx *state.Tx, op models.PendingOperation, opts ResolveOptions) error {
	if opts.Version > 0 {
		op.Version = opts.Version
	}

	if err := bumpLocalVersion(tx, op.ID, op.Version); err != nil {
		return err
	}

	return tx.RequeueFront([]models.PendingOperation{op})
}

func useServer(tx *state.Tx, op models.PendingOperation, server *models.LocalRecord) error {
	if server == nil {
		// The server has no copy: the record is gone there.
		return tx.DeleteRecord(op.ID)
	}

	rec := *server
	rec.ID = op.ID

	return tx.PutRecord(rec)
}

// merge writes {...server, ...local} with a version above both sides and
// queues it at the head of the queue. A delete stays a delete, retried
// with the higher version.
func merge(tx *state.Tx, op models.PendingOperation, c *models.ConflictRecord, now time.Time) error {
	version := max(op.Version, c.ServerVersion)

	rec, err := tx.Record(op.ID)
	if err != nil {
		return err
	}

	if rec != nil {
		version = max(version, rec.SyncVersion)
	}

	version++

	merged := models.PendingOperation{
		OpID:       uuid.NewString(),
		ID:         op.ID,
		Kind:       op.Kind,
		EntityType: op.EntityType,
		Version:    version,
		CreatedAt:  now,
	}

	server := c.ServerError.Record

	if op.Kind != models.OpDelete {
		var serverPayload json.RawMessage
		if server != nil {
			serverPayload = server.Payload
		}

		payload, err := mergePayloads(serverPayload, op.Payload)
		if err != nil {
			return err
		}

		merged.Payload = payload

		if server != nil {
			merged.Kind = models.OpUpdate
		}

		if rec == nil {
			rec = &models.LocalRecord{ID: op.ID, EntityType: op.EntityType, CreatedAt: now}
			if server != nil {
				rec.CreatedAt = server.CreatedAt
			}
		}

		rec.Payload = payload
		rec.Deleted = false
	}

	if rec != nil {
		rec.SyncVersion = version
		rec.UpdatedAt = now

		if err := tx.PutRecord(*rec); err != nil {
			return err
		}
	}

	return tx.RequeueFront([]models.PendingOperation{merged})
}

func bumpLocalVersion(tx *state.Tx, id models.ID, version int64) error {
	rec, err := tx.Record(id)
	if err != nil || rec == nil {
		return err
	}

	if version <= rec.SyncVersion {
		return nil
	}

	rec.SyncVersion = version

	return tx.PutRecord(*rec)
}

// mergePayloads performs a shallow JSON key merge. Local keys overwrite
// server keys; server-only keys are preserved.
func mergePayloads(server, local json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)

	for _, src := range []json.RawMessage{server, local} {
		if len(src) == 0 {
			continue
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(src, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidPayload, err)
		}

		for k, v := range obj {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}

// Diff renders a line diff of the server payload against the local one
// for display. Removed server lines start with "-", added local lines
// with "+".
func (e *Engine) Diff(_ context.Context, conflictID uint64) (string, error) {
	var c *models.ConflictRecord

	err := e.store.View(func(tx *state.Tx) error {
		var err error
		c, err = tx.Conflict(conflictID)

		return err
	})
	if err != nil {
		return "", storageErr(err)
	}

	if c == nil {
		return "", fmt.Errorf("%w: %d", syncerr.ErrConflictNotFound, conflictID)
	}

	var server json.RawMessage
	if c.ServerError.Record != nil {
		server = c.ServerError.Record.Payload
	}

	return lineDiff(indent(server), indent(c.Operation.Payload)), nil
}

func indent(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}

	// Round-trip through a map so keys come out sorted on both sides.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil {
		if sorted, err := json.Marshal(obj); err == nil {
			payload = sorted
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload) + "\n"
	}

	buf.WriteByte('\n')

	return buf.String()
}

func lineDiff(a, b string) string {
	dmp := diffmatchpatch.New()

	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			out.WriteString(prefix)
			out.WriteString(line)
		}
	}

	return out.String()
}
