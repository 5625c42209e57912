// Package connectivity decides when the sync engine should run. It
// watches server reachability, fires a periodic timer, relays local
// mutation kicks and, when enabled, keeps a websocket open to the server
// for presence and change nudges. Every trigger funnels into the same
// SyncAll call.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/engine"
	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/transport"
)

const (
	// DefaultSyncInterval is the periodic retry interval.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultProbeInterval is how often reachability is checked when no
	// push connection reports it.
	DefaultProbeInterval = 30 * time.Second

	// probeTimeout bounds a single reachability probe.
	probeTimeout = 10 * time.Second

	// signalChanSize buffers presence transitions and nudges from the
	// push connection to the event loop.
	signalChanSize = 8
)

// Syncer is the part of the engine the monitor drives.
type Syncer interface {
	SyncAll(ctx context.Context) (engine.Result, error)
	SetOnline(online bool)
	Triggers() <-chan struct{}
}

// Prober checks whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds monitor settings.
type Config struct {
	SyncInterval  time.Duration
	ProbeInterval time.Duration

	// Push enables the websocket presence connection.
	Push *PushConfig

	// OnChange is called on every online/offline edge.
	OnChange func(online bool)
}

// Monitor is the connectivity event loop.
type Monitor struct {
	syncer Syncer
	prober Prober
	logger *slog.Logger
	cfg    Config

	online bool

	// presence carries online/offline transitions from the push
	// connection; nudges carries its change notifications.
	presence chan bool
	nudges   chan struct{}
}

// NewMonitor creates a Monitor. prober may be nil when only the push
// connection reports reachability.
func NewMonitor(syncer Syncer, prober Prober, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	return &Monitor{
		syncer:   syncer,
		prober:   prober,
		logger:   logger,
		cfg:      cfg,
		presence: make(chan bool, signalChanSize),
		nudges:   make(chan struct{}, signalChanSize),
	}
}

// Run is the event loop. It probes once immediately, then reacts to
// timer ticks, local kicks, reachability edges and push nudges until ctx
// is cancelled. Sync attempts run on this goroutine, one at a time.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Push != nil {
		push := newPushClient(*m.cfg.Push, m.logger, m.presence, m.nudges)
		go push.run(ctx)
	}

	probe := time.NewTicker(m.cfg.ProbeInterval)
	defer probe.Stop()

	periodic := time.NewTicker(m.cfg.SyncInterval)
	defer periodic.Stop()

	if m.prober == nil && m.cfg.Push == nil {
		m.setOnline(ctx, true, "assumed")
	}

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-probe.C:
			m.probe(ctx)

		case up := <-m.presence:
			m.setOnline(ctx, up, "push")

		case <-periodic.C:
			m.sync(ctx, "timer")

		case <-m.syncer.Triggers():
			m.sync(ctx, "mutation")

		case <-m.nudges:
			m.sync(ctx, "server change")
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	if m.prober == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.prober.Probe(pctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Debug("server unreachable", slog.String("error", err.Error()))
	}

	m.setOnline(ctx, err == nil, "probe")
}

// setOnline records reachability. A rising edge starts a sync straight
// away so a backlog built offline is flushed on reconnect.
func (m *Monitor) setOnline(ctx context.Context, up bool, source string) {
	if up == m.online {
		return
	}

	m.online = up
	m.syncer.SetOnline(up)

	if up {
		m.logger.Info("server reachable", slog.String("source", source))
	} else {
		m.logger.Warn("server unreachable, working offline", slog.String("source", source))
	}

	if m.cfg.OnChange != nil {
		m.cfg.OnChange(up)
	}

	if up {
		m.sync(ctx, "online")
	}
}

// sync runs SyncAll unless the server is known to be unreachable.
// Failures are logged and left for the next tick or online edge.
func (m *Monitor) sync(ctx context.Context, reason string) {
	if !m.online {
		m.logger.Debug("offline, sync deferred", slog.String("reason", reason))
		return
	}

	res, err := m.syncer.SyncAll(ctx)

	switch {
	case errors.Is(err, syncerr.ErrSyncInProgress):
		m.logger.Debug("sync already running", slog.String("reason", reason))
	case err != nil:
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("sync failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		// Only a request that got no response means the server is gone.
		// A server that answers with an error stays online and is
		// retried on the periodic timer.
		if transport.IsUnreachable(err) {
			m.setOnline(ctx, false, "sync")
		}
	case !res.NoOp:
		m.logger.Debug("sync finished",
			slog.String("reason", reason),
			slog.Int("synced", res.Synced),
			slog.Int("received", res.Received),
		)
	}
}
