package syncserver

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/transport"
	"github.com/pressly/goose/v3"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is the server's authoritative record store.
type Store struct {
	db  *sql.DB
	now func() time.Time

	// mu serializes batches. lastStamp is the newest updated_at handed
	// out; every batch gets a strictly later one so change-feed
	// watermarks never skip a write.
	mu        sync.Mutex
	lastStamp time.Time
}

// Open opens (creating if needed) the SQLite database at path and runs
// pending migrations. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One writer at a time; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM records`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading latest write time: %w", err)
	}

	if last.Valid {
		s.lastStamp = time.Unix(0, last.Int64).UTC()
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nextStamp returns a write time strictly after every earlier one.
// Callers hold s.mu.
func (s *Store) nextStamp() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}

	s.lastStamp = now

	return now
}

// Apply runs one sync request from deviceID in a single transaction.
// Operations are applied in order; each is acknowledged or rejected.
// The response also carries every record written by other devices
// after req.LastSync, and the timestamp to use as the next watermark.
func (s *Store) Apply(ctx context.Context, deviceID string, req transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.nextStamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	resp := &transport.Response{
		ProcessedAcks: []transport.Ack{},
		ServerChanges: []models.LocalRecord{},
		Rejected:      []transport.Rejection{},
		SyncTimestamp: stamp,
	}

	a := applier{tx: tx, device: deviceID, stamp: stamp}

	for _, op := range req.Operations {
		ack, rej, err := a.apply(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("applying operation %s: %w", op.OpID, err)
		}

		if rej != nil {
			resp.Rejected = append(resp.Rejected, *rej)
			continue
		}

		resp.ProcessedAcks = append(resp.ProcessedAcks, *ack)
	}

	resp.ServerChanges, err = changesSince(ctx, tx, deviceID, req.LastSync, stamp)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	return resp, nil
}

// Record returns the server copy of a record, or nil.
func (s *Store) Record(ctx context.Context, id int64) (*models.LocalRecord, error) {
	return getRecord(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type applier struct {
	tx     *sql.Tx
	device string
	stamp  time.Time
}

func (a applier) apply(ctx context.Context, op models.PendingOperation) (*transport.Ack, *transport.Rejection, error) {
	ack := func(id, version int64) (*transport.Ack, *transport.Rejection, error) {
		return &transport.Ack{
			OpID:     op.OpID,
			LocalID:  op.ID,
			ServerID: serverID(id),
			Version:  version,
		}, nil, nil
	}

	reject := func(kind transport.RejectionKind, rec *models.LocalRecord, format string, args ...any) (*transport.Ack, *transport.Rejection, error) {
		return nil, &transport.Rejection{
			OpID:         op.OpID,
			LocalID:      op.ID,
			Kind:         kind,
			Message:      fmt.Sprintf(format, args...),
			ServerRecord: rec,
		}, nil
	}

	if op.OpID == "" {
		return reject(transport.RejectValidation, nil, "missing opId")
	}

	// Resubmission of an operation already applied.
	var doneID, doneVersion int64

	err := a.tx.QueryRowContext(ctx,
		`SELECT record_id, version FROM applied_ops WHERE op_id = ?`, op.OpID,
	).Scan(&doneID, &doneVersion)
	if err == nil {
		return ack(doneID, doneVersion)
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("checking applied operation: %w", err)
	}

	if msg := validate(op); msg != "" {
		return reject(transport.RejectValidation, nil, "%s", msg)
	}

	var (
		id     int64
		mapped bool
	)

	switch {
	case op.ID.IsZero():
		return reject(transport.RejectValidation, nil, "missing id")

	case op.ID.IsTemporary():
		err := a.tx.QueryRowContext(ctx,
			`SELECT record_id FROM local_ids WHERE device_id = ? AND local_id = ?`, a.device, op.ID.String(),
		).Scan(&id)

		switch {
		case err == nil:
			mapped = true
		case !errors.Is(err, sql.ErrNoRows):
			return nil, nil, fmt.Errorf("resolving local id: %w", err)
		case op.Kind != models.OpCreate:
			return reject(transport.RejectValidation, nil, "unknown local id %s", op.ID)
		}

	default:
		n, err := strconv.ParseInt(op.ID.Server(), 10, 64)
		if err != nil || n <= 0 {
			return reject(transport.RejectValidation, nil, "malformed id %q", op.ID)
		}

		id = n
	}

	var cur *models.LocalRecord
	if id != 0 {
		if cur, err = getRecord(ctx, a.tx, id); err != nil {
			return nil, nil, err
		}
	}

	version := max(op.Version, 1)

	switch op.Kind {
	case models.OpCreate:
		switch {
		case mapped:
			// Same device, same local id: the create already happened
			// under a different opId.
			if cur == nil {
				return nil, nil, fmt.Errorf("local id %s maps to missing record %d", op.ID, id)
			}

			version = cur.SyncVersion
		case cur != nil:
			return reject(transport.RejectConflict, cur, "record %d already exists", id)
		default:
			if id, err = a.insert(ctx, id, op, version); err != nil {
				return nil, nil, err
			}

			if op.ID.IsTemporary() {
				if _, err := a.tx.ExecContext(ctx,
					`INSERT INTO local_ids (device_id, local_id, record_id) VALUES (?, ?, ?)`,
					a.device, op.ID.String(), id,
				); err != nil {
					return nil, nil, fmt.Errorf("mapping local id: %w", err)
				}
			}
		}

	case models.OpUpdate:
		switch {
		case cur == nil:
			return reject(transport.RejectConflict, nil, "record %d does not exist", id)
		case cur.Deleted:
			return reject(transport.RejectConflict, cur, "record %d was deleted", id)
		case cur.EntityType != op.EntityType:
			return reject(transport.RejectValidation, nil, "record %d is a %s, not a %s", id, cur.EntityType, op.EntityType)
		case op.Version <= cur.SyncVersion:
			return reject(transport.RejectConflict, cur, "version %d is not newer than server version %d", op.Version, cur.SyncVersion)
		}

		if _, err := a.tx.ExecContext(ctx,
			`UPDATE records SET payload = ?, version = ?, updated_at = ?, updated_by = ? WHERE id = ?`,
			string(op.Payload), version, a.stamp.UnixNano(), a.device, id,
		); err != nil {
			return nil, nil, fmt.Errorf("updating record: %w", err)
		}

	case models.OpDelete:
		switch {
		case cur == nil:
			// Nothing to delete; the client's intent already holds.
		case cur.Deleted:
			version = cur.SyncVersion
		case op.Version <= cur.SyncVersion:
			return reject(transport.RejectConflict, cur, "version %d is not newer than server version %d", op.Version, cur.SyncVersion)
		default:
			if _, err := a.tx.ExecContext(ctx,
				`UPDATE records SET deleted = 1, version = ?, updated_at = ?, updated_by = ? WHERE id = ?`,
				version, a.stamp.UnixNano(), a.device, id,
			); err != nil {
				return nil, nil, fmt.Errorf("deleting record: %w", err)
			}
		}
	}

	if _, err := a.tx.ExecContext(ctx,
		`INSERT INTO applied_ops (op_id, device_id, record_id, version, applied_at) VALUES (?, ?, ?, ?, ?)`,
		op.OpID, a.device, id, version, a.stamp.UnixNano(),
	); err != nil {
		return nil, nil, fmt.Errorf("recording operation: %w", err)
	}

	return ack(id, version)
}

// insert creates a record. id 0 lets SQLite assign one.
func (a applier) insert(ctx context.Context, id int64, op models.PendingOperation, version int64) (int64, error) {
	created := op.CreatedAt
	if created.IsZero() {
		created = a.stamp
	}

	var idArg any
	if id != 0 {
		idArg = id
	}

	res, err := a.tx.ExecContext(ctx,
		`INSERT INTO records (id, entity_type, payload, version, deleted, created_at, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		idArg, string(op.EntityType), string(op.Payload), version,
		created.UTC().UnixNano(), a.stamp.UnixNano(), a.device,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}

	return res.LastInsertId()
}

// validate returns a reason the operation can never be applied, or "".
func validate(op models.PendingOperation) string {
	if !op.Kind.Valid() {
		return fmt.Sprintf("unknown operation kind %q", op.Kind)
	}

	if op.Kind == models.OpDelete {
		return ""
	}

	if !op.EntityType.Valid() {
		return fmt.Sprintf("unknown entity type %q", op.EntityType)
	}

	if len(op.Payload) == 0 || !gjson.ValidBytes(op.Payload) || !gjson.ParseBytes(op.Payload).IsObject() {
		return "payload must be a JSON object"
	}

	return ""
}

const recordColumns = `id, entity_type, payload, version, deleted, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.LocalRecord, error) {
	var (
		rec              models.LocalRecord
		id               int64
		entityType       string
		payload          string
		deleted          int
		created, updated int64
	)

	if err := row.Scan(&id, &entityType, &payload, &rec.SyncVersion, &deleted, &created, &updated); err != nil {
		return rec, err
	}

	rec.ID = serverID(id)
	rec.EntityType = models.EntityType(entityType)
	rec.Payload = []byte(payload)
	rec.Deleted = deleted != 0
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	return rec, nil
}

func getRecord(ctx context.Context, q queryer, id int64) (*models.LocalRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading record %d: %w", id, err)
	}

	return &rec, nil
}

// changesSince returns records written after since by devices other
// than deviceID, oldest first.
func changesSince(ctx context.Context, tx *sql.Tx, deviceID string, since, until time.Time) ([]models.LocalRecord, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE updated_at > ? AND updated_at <= ? AND updated_by <> ?
		 ORDER BY updated_at, id`,
		from, until.UnixNano(), deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	changes := []models.LocalRecord{}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}

		changes = append(changes, rec)
	}

	return changes, rows.Err()
}

func serverID(id int64) models.ID {
	return models.ServerID(strconv.FormatInt(id, 10))
}
