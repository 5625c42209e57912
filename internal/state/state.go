package state

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.fieldsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// tempIDRandomBits is the width of the random suffix mixed into
	// temporary ids below the millisecond clock.
	tempIDRandomBits = 12
)

var (
	appBucket       = []byte("app")
	recordsBucket   = []byte("records")
	aliasBucket     = []byte("aliases")
	queueBucket     = []byte("queue")
	conflictsBucket = []byte("conflicts")
	watermarkBucket = []byte("watermarks")
	inboxBucket     = []byte("inbox")

	deviceIDKey   = []byte("device_id")
	lastTempIDKey = []byte("last_temp_id")
	allBuckets    = [][]byte{appBucket, recordsBucket, aliasBucket, queueBucket, conflictsBucket, watermarkBucket, inboxBucket}
)

// State wraps a bbolt database holding the local records and all sync
// engine bookkeeping: the operation queue, watermarks, open conflicts
// and temporary id aliases.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.fieldsync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// DefaultPath returns ~/.fieldsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".fieldsync", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *State) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Update runs fn in a read-write transaction. Either every write made by
// fn is committed or none is.
func (s *State) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// DeviceID returns the persisted device identifier, generating one on
// first use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})

	return id, err
}

// SetDeviceID overrides the persisted device identifier.
func (s *State) SetDeviceID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceIDKey, []byte(id))
	})
}

// NextTemporaryID issues a temporary record id that is unique within
// this database. The id is the millisecond clock shifted left with a
// random suffix, bumped past the last issued id so rapid successive calls
// (or a clock that moved backwards) never collide.
func (tx *Tx) NextTemporaryID(now time.Time) (models.ID, error) {
	b := tx.tx.Bucket(appBucket)

	var last uint64
	if v := b.Get(lastTempIDKey); len(v) == 8 {
		last = binary.BigEndian.Uint64(v)
	}

	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return models.ID{}, fmt.Errorf("reading random suffix: %w", err)
	}

	candidate := uint64(now.UnixMilli())<<tempIDRandomBits | uint64(binary.BigEndian.Uint16(suffix[:]))&(1<<tempIDRandomBits-1)
	if candidate <= last {
		candidate = last + 1
	}

	if err := b.Put(lastTempIDKey, u64Key(candidate)); err != nil {
		return models.ID{}, err
	}

	return models.TemporaryID(candidate), nil
}

// NextTemporaryID is the single-call form of Tx.NextTemporaryID.
func (s *State) NextTemporaryID(now time.Time) (models.ID, error) {
	var id models.ID

	err := s.Update(func(tx *Tx) error {
		var err error
		id, err = tx.NextTemporaryID(now)

		return err
	})

	return id, err
}

func u64Key(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)

	return k
}
