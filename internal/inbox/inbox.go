// Package inbox turns markdown files dropped into a directory into
// tracked record mutations. A new file becomes a create, an edit becomes
// an update of the record the file was imported as, and removing the
// file deletes that record.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/engine"
	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/fsnotify/fsnotify"
)

const (
	// dirPerm is the permission mode for the inbox directory when it
	// does not exist yet.
	dirPerm = fs.FileMode(0o755)

	// debounceInterval is how often pending filesystem events are
	// checked, batching rapid writes into one import per file.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long a file must be quiet before it is imported.
	settleTime = 300 * time.Millisecond

	noteExt = ".md"
)

// Tracker records local mutations. *engine.Engine satisfies this
// interface.
type Tracker interface {
	SaveWith(ctx context.Context, entityType models.EntityType, payload json.RawMessage, hook engine.TxHook) (models.ID, string, error)
	DeleteWith(ctx context.Context, id models.ID, hook engine.TxHook) (string, error)
}

// Inbox watches one directory for notes.
type Inbox struct {
	dir     string
	tracker Tracker
	store   *state.State
	logger  *slog.Logger
}

// New creates an Inbox over dir. store remembers which record each file
// was imported as.
func New(dir string, tracker Tracker, store *state.State, logger *slog.Logger) *Inbox {
	return &Inbox{dir: dir, tracker: tracker, store: store, logger: logger}
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Scan imports every note that has not been imported yet and deletes
// the records of imported notes that no longer exist. It covers changes
// made while the watcher was not running; edits to already imported
// files made in that time are picked up on their next write. Returns
// the number of files imported or removed.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	if err := os.MkdirAll(in.dir, dirPerm); err != nil {
		return 0, fmt.Errorf("creating inbox dir: %w", err)
	}

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox dir: %w", err)
	}

	present := make(map[string]bool, len(entries))
	changed := 0

	for _, e := range entries {
		if e.IsDir() || in.shouldIgnore(e.Name()) {
			continue
		}

		present[e.Name()] = true

		if !in.entry(e.Name()).IsZero() {
			continue
		}

		if err := in.importFile(ctx, e.Name()); err != nil {
			in.logger.Warn("inbox import failed", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}

		changed++
	}

	known, err := in.knownFiles()
	if err != nil {
		return changed, err
	}

	for _, name := range known {
		if present[name] {
			continue
		}

		if err := in.removeFile(ctx, name); err != nil {
			in.logger.Warn("inbox removal failed", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}

		changed++
	}

	return changed, nil
}

// Watch imports notes as they are written and removed. It blocks until
// ctx is cancelled.
func (in *Inbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(in.dir, dirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	in.logger.Info("inbox watcher started", slog.String("dir", in.dir))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			name := filepath.Base(event.Name)
			if in.shouldIgnore(name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// For rename, fsnotify fires Rename on the old path and
				// Create on the new one.
				delete(pending, name)

				if err := in.removeFile(ctx, name); err != nil {
					in.logger.Warn("inbox removal failed", slog.String("file", name), slog.String("error", err.Error()))
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			in.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for name, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, name)

				if err := in.importFile(ctx, name); err != nil {
					in.logger.Warn("inbox import failed", slog.String("file", name), slog.String("error", err.Error()))
				}
			}
		}
	}
}

// importFile creates or updates the record for one note.
func (in *Inbox) importFile(ctx context.Context, name string) error {
	content, err := os.ReadFile(filepath.Join(in.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("reading note: %w", err)
	}

	n, err := parseNote(content)
	if err != nil {
		return err
	}

	payload := n.payload

	prev := in.entry(name)
	if !prev.IsZero() {
		payload, err = withID(n.payload, prev)
		if err != nil {
			return err
		}
	}

	// The file index commits with the record so a crash cannot leave a
	// record the next scan would import again.
	remember := func(tx *state.Tx, id models.ID) error {
		return tx.SetInboxEntry(name, id)
	}

	id, opID, err := in.tracker.SaveWith(ctx, n.entityType, payload, remember)
	if errors.Is(err, syncerr.ErrRecordNotFound) && !prev.IsZero() {
		// The record was deleted elsewhere; the file starts a new one.
		id, opID, err = in.tracker.SaveWith(ctx, n.entityType, n.payload, remember)
	}

	if err != nil {
		return err
	}

	in.logger.Info("inbox note imported",
		slog.String("file", name),
		slog.String("id", id.String()),
		slog.String("op", opID),
	)

	return nil
}

// removeFile deletes the record a removed note was imported as.
func (in *Inbox) removeFile(ctx context.Context, name string) error {
	id := in.entry(name)
	if id.IsZero() {
		return nil
	}

	// A quick delete-and-recreate by an editor looks like a removal.
	if _, err := os.Stat(filepath.Join(in.dir, name)); err == nil {
		return nil
	}

	forget := func(tx *state.Tx, _ models.ID) error {
		return tx.DeleteInboxEntry(name)
	}

	_, err := in.tracker.DeleteWith(ctx, id, forget)

	switch {
	case errors.Is(err, syncerr.ErrRecordNotFound):
		// Already gone locally; only the index entry is left.
		if err := in.store.Update(func(tx *state.Tx) error {
			return forget(tx, id)
		}); err != nil {
			return fmt.Errorf("forgetting inbox entry: %w", err)
		}
	case err != nil:
		return err
	}

	in.logger.Info("inbox note removed", slog.String("file", name), slog.String("id", id.String()))

	return nil
}

func (in *Inbox) entry(name string) models.ID {
	var id models.ID

	_ = in.store.View(func(tx *state.Tx) error {
		id = tx.InboxEntry(name)
		return nil
	})

	return id
}

func (in *Inbox) knownFiles() ([]string, error) {
	var names []string

	err := in.store.View(func(tx *state.Tx) error {
		var err error
		names, err = tx.InboxFiles()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing inbox entries: %w", err)
	}

	return names, nil
}

// shouldIgnore returns true for files that are not notes.
func (in *Inbox) shouldIgnore(name string) bool {
	// Hidden files and editor temp files.
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") {
		return true
	}

	return !strings.EqualFold(filepath.Ext(name), noteExt)
}

func withID(payload json.RawMessage, id models.ID) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding note payload: %w", err)
	}

	raw, err := json.Marshal(id.String())
	if err != nil {
		return nil, err
	}

	fields["id"] = raw

	return json.Marshal(fields)
}
