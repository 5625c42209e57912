package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Reconcile moves the record known locally by a temporary id to the id
// the server assigned. In one transaction it rekeys the local record,
// retargets every queued operation and open conflict, and remembers the
// mapping so lookups by the temporary id keep working. Afterwards no
// queued operation references the temporary id.
func (e *Engine) Reconcile(_ context.Context, temp, server models.ID, version int64) error {
	err := e.store.Update(func(tx *state.Tx) error {
		return e.reconcileTx(tx, temp, server, version)
	})

	return storageErr(err)
}

func (e *Engine) reconcileTx(tx *state.Tx, temp, server models.ID, version int64) error {
	if !temp.IsTemporary() {
		return fmt.Errorf("reconciling %s: not a temporary id", temp)
	}

	if server.IsZero() || server.IsTemporary() {
		return fmt.Errorf("reconciling %s: %q is not a server id", temp, server)
	}

	rec, err := tx.Record(temp)
	if err != nil {
		return err
	}

	// Record follows the alias, so a record already moved comes back
	// under its server id and needs no rekeying.
	if rec != nil && rec.ID == temp {
		if err := tx.DeleteRecord(temp); err != nil {
			return err
		}

		rec.ID = server
		if version > rec.SyncVersion {
			rec.SyncVersion = version
		}

		if err := tx.PutRecord(*rec); err != nil {
			return err
		}
	}

	ops, err := tx.RewriteQueued(temp, server)
	if err != nil {
		return err
	}

	conflicts, err := tx.RewriteConflicts(temp, server)
	if err != nil {
		return err
	}

	if err := tx.SetAlias(temp, server); err != nil {
		return err
	}

	e.logger.Debug("reconciled temporary id",
		slog.String("temporary", temp.String()),
		slog.String("server", server.String()),
		slog.Int("queued", ops),
		slog.Int("conflicts", conflicts),
	)

	return nil
}

type naturalKey struct {
	entityType  models.EntityType
	fingerprint [blake2b.Size256]byte
}

// fingerprint hashes the title and content fields of a payload after
// NFC normalization and trimming. Payloads with neither field have no
// fingerprint and never deduplicate.
func fingerprint(payload []byte) ([blake2b.Size256]byte, bool) {
	title := strings.TrimSpace(norm.NFC.String(gjson.GetBytes(payload, "title").String()))
	content := strings.TrimSpace(norm.NFC.String(gjson.GetBytes(payload, "content").String()))

	if title == "" && content == "" {
		return [blake2b.Size256]byte{}, false
	}

	return blake2b.Sum256([]byte(title + "\x00" + content)), true
}

// dedup collapses temporary records that have a server twin among the
// records this response just stored: same entity type, same fingerprint
// and creation times within the dedup window. Records this device created
// itself, reachable through an alias, never count as twins. The server
// copy is kept. Queued creates for the temporary record are dropped since
// the server already has it, other queued operations and conflicts move
// to the server id. Returns the number of records collapsed.
func (e *Engine) dedup(tx *state.Tx, arrived []models.ID) (int, error) {
	if len(arrived) == 0 {
		return 0, nil
	}

	own, err := tx.AliasTargets()
	if err != nil {
		return 0, err
	}

	servers := make(map[naturalKey][]models.LocalRecord)

	for _, id := range arrived {
		if own[id] {
			continue
		}

		rec, err := tx.Record(id)
		if err != nil {
			return 0, err
		}

		if rec == nil || rec.Deleted || rec.ID.IsTemporary() {
			continue
		}

		if fp, ok := fingerprint(rec.Payload); ok {
			k := naturalKey{rec.EntityType, fp}
			servers[k] = append(servers[k], *rec)
		}
	}

	if len(servers) == 0 {
		return 0, nil
	}

	all, err := tx.Records()
	if err != nil {
		return 0, err
	}

	collapsed := 0
	claimed := make(map[models.ID]bool)

	for _, temp := range all {
		if temp.Deleted || !temp.ID.IsTemporary() {
			continue
		}

		fp, ok := fingerprint(temp.Payload)
		if !ok {
			continue
		}

		twin, ok := e.findTwin(temp, servers[naturalKey{temp.EntityType, fp}], claimed)
		if !ok {
			continue
		}

		if err := e.collapse(tx, temp, twin); err != nil {
			return collapsed, err
		}

		claimed[twin.ID] = true
		collapsed++
	}

	return collapsed, nil
}

func (e *Engine) findTwin(temp models.LocalRecord, candidates []models.LocalRecord, claimed map[models.ID]bool) (models.LocalRecord, bool) {
	for _, c := range candidates {
		if claimed[c.ID] {
			continue
		}

		if absDuration(temp.CreatedAt.Sub(c.CreatedAt)) <= e.cfg.DedupWindow {
			return c, true
		}
	}

	return models.LocalRecord{}, false
}

func (e *Engine) collapse(tx *state.Tx, temp, server models.LocalRecord) error {
	queued, err := tx.QueuedFor(temp.ID)
	if err != nil {
		return err
	}

	var creates []string

	for _, op := range queued {
		if op.Kind == models.OpCreate {
			creates = append(creates, op.OpID)
		}
	}

	if _, err := tx.RemoveOps(creates...); err != nil {
		return err
	}

	if _, err := tx.RewriteQueued(temp.ID, server.ID); err != nil {
		return err
	}

	if _, err := tx.RewriteConflicts(temp.ID, server.ID); err != nil {
		return err
	}

	if err := tx.DeleteRecord(temp.ID); err != nil {
		return err
	}

	e.logger.Info("collapsed duplicate record",
		slog.String("temporary", temp.ID.String()),
		slog.String("server", server.ID.String()),
		slog.Int("dropped_creates", len(creates)),
	)

	return tx.SetAlias(temp.ID, server.ID)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
