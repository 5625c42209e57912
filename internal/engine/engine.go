// Package engine implements the offline-first sync engine: the mutation
// tracker, the sync orchestrator, the conflict resolver and the id
// reconciler, all operating on one local state database.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/transport"
)

const (
	// DefaultBatchSize bounds how many operations one request carries.
	DefaultBatchSize = 10

	// DefaultDedupWindow is how far apart the creation times of a
	// temporary record and a server record may be for them to count as
	// the same logical entity.
	DefaultDedupWindow = 2 * time.Minute
)

//go:generate mockgen -destination=mock_transport_test.go -package=engine github.com/alexjbarnes/fieldsync/internal/engine Transport

// Transport sends one batch to the sync server. *transport.Client
// satisfies this interface.
type Transport interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds engine settings.
type Config struct {
	DeviceID    string
	BatchSize   int
	DedupWindow time.Duration

	// BootstrapPull makes an attempt with an empty queue and no
	// watermark still ask the server for changes. Without it such an
	// attempt is a no-op.
	BootstrapPull bool

	// OnEvent is called after every attempt that reached the server or
	// failed trying. It runs on the syncing goroutine and must not block.
	OnEvent func(Event)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine is the sync engine. Create one per process with New and share
// it by pointer.
type Engine struct {
	store     *state.State
	transport Transport
	clock     Clock
	logger    *slog.Logger
	cfg       Config

	// syncing is the process-wide guard. It is taken with a
	// compare-and-swap before the queue is read and released on every
	// exit path of the attempt.
	syncing atomic.Bool
	phase   atomic.Int32
	online  atomic.Bool

	// trigger receives a value whenever a local mutation would like a
	// sync to happen soon. Buffered with capacity one so kicks coalesce.
	trigger chan struct{}

	mu          sync.Mutex
	lastAttempt time.Time
	lastError   string
}

// New creates an Engine. cfg.DeviceID must be set; zero batch size and
// dedup window fall back to the defaults.
func New(store *state.State, tr Transport, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}

	e := &Engine{
		store:     store,
		transport: tr,
		clock:     systemClock{},
		logger:    logger,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// DeviceID returns the identifier this engine syncs as.
func (e *Engine) DeviceID() string {
	return e.cfg.DeviceID
}

// Triggers delivers a value after local mutations. The run loop selects
// on it to start a sync soon after the user changes something.
func (e *Engine) Triggers() <-chan struct{} {
	return e.trigger
}

// kick requests a sync without blocking.
func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records the connectivity state reported in Status.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}
