package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/engine"
	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/transport"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSyncer struct {
	mu      sync.Mutex
	syncs   int
	online  []bool
	err     error
	trigger chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{trigger: make(chan struct{}, 1)}
}

func (f *fakeSyncer) SyncAll(context.Context) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return engine.Result{}, f.err
}

func (f *fakeSyncer) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
}

func (f *fakeSyncer) Triggers() <-chan struct{} { return f.trigger }

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func (f *fakeSyncer) edges() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.online...)
}

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

var errDown = errors.New("connection refused")

// startMonitor runs m until the test bubble ends. The returned stop
// function cancels Run and waits for it to return.
func startMonitor(t *testing.T, m *Monitor) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	return func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}
}

func testConfig() Config {
	return Config{SyncInterval: time.Hour, ProbeInterval: time.Minute}
}

func TestMonitor_ReachableAtStartSyncsOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		m := NewMonitor(s, &fakeProber{}, quietLogger(), testConfig())
		stop := startMonitor(t, m)

		synctest.Wait()
		assert.Equal(t, 1, s.count())
		assert.Equal(t, []bool{true}, s.edges())

		// Steady probes do not resync.
		time.Sleep(3*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, 1, s.count())

		stop()
	})
}

func TestMonitor_OfflineDefersUntilReachable(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		p := &fakeProber{err: errDown}
		m := NewMonitor(s, p, quietLogger(), testConfig())
		stop := startMonitor(t, m)

		synctest.Wait()
		assert.Equal(t, 0, s.count())
		assert.Empty(t, s.edges(), "starting offline is not an edge")

		s.trigger <- struct{}{}
		synctest.Wait()
		assert.Equal(t, 0, s.count(), "kicks are deferred while offline")

		p.set(nil)
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, 1, s.count(), "rising edge flushes the backlog")
		assert.Equal(t, []bool{true}, s.edges())

		stop()
	})
}

func TestMonitor_PeriodicTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		m := NewMonitor(s, &fakeProber{}, quietLogger(), Config{SyncInterval: 5 * time.Minute, ProbeInterval: time.Hour})
		stop := startMonitor(t, m)

		synctest.Wait()
		assert.Equal(t, 1, s.count())

		time.Sleep(5*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, 2, s.count())

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 3, s.count())

		stop()
	})
}

func TestMonitor_MutationKick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		m := NewMonitor(s, &fakeProber{}, quietLogger(), testConfig())
		stop := startMonitor(t, m)
		synctest.Wait()

		s.trigger <- struct{}{}
		synctest.Wait()
		assert.Equal(t, 2, s.count())

		stop()
	})
}

func TestMonitor_TransientFailureGoesOffline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		s.setErr(&transport.TransportError{Err: errDown})

		var changes []bool
		cfg := testConfig()
		cfg.OnChange = func(up bool) { changes = append(changes, up) }

		m := NewMonitor(s, &fakeProber{}, quietLogger(), cfg)
		stop := startMonitor(t, m)

		synctest.Wait()
		assert.Equal(t, []bool{true, false}, s.edges())

		s.trigger <- struct{}{}
		synctest.Wait()
		assert.Equal(t, 1, s.count(), "no attempts until the next probe")

		s.setErr(nil)
		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, 2, s.count())
		assert.Equal(t, []bool{true, false, true}, s.edges())

		stop()
		assert.Equal(t, []bool{true, false, true}, changes)
	})
}

// A server that answers with 503 is reachable: retries wait for the
// periodic timer instead of following every passing health check.
func TestMonitor_ServerErrorWaitsForTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		s.setErr(&transport.TransportError{StatusCode: 503, Err: errors.New("unavailable")})

		m := NewMonitor(s, &fakeProber{}, quietLogger(), Config{})
		stop := startMonitor(t, m)
		synctest.Wait()
		assert.Equal(t, 1, s.count())

		time.Sleep(DefaultSyncInterval - time.Second)
		synctest.Wait()
		assert.Equal(t, 1, s.count(), "passing health checks do not retry")
		assert.Equal(t, []bool{true}, s.edges())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.Equal(t, 2, s.count())

		stop()
	})
}

func TestMonitor_PermanentFailureStaysOnline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		s.setErr(&transport.TransportError{StatusCode: 401, Err: errors.New("unauthorized")})

		m := NewMonitor(s, &fakeProber{}, quietLogger(), testConfig())
		stop := startMonitor(t, m)
		synctest.Wait()

		assert.Equal(t, []bool{true}, s.edges())

		s.trigger <- struct{}{}
		synctest.Wait()
		assert.Equal(t, 2, s.count())

		stop()
	})
}

func TestMonitor_SyncInProgressIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		s.setErr(syncerr.ErrSyncInProgress)

		m := NewMonitor(s, &fakeProber{}, quietLogger(), testConfig())
		stop := startMonitor(t, m)
		synctest.Wait()

		assert.Equal(t, []bool{true}, s.edges())
		stop()
	})
}

func TestMonitor_NoProberAssumesOnline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newFakeSyncer()
		m := NewMonitor(s, nil, quietLogger(), testConfig())
		stop := startMonitor(t, m)
		synctest.Wait()

		assert.Equal(t, 1, s.count())
		assert.Equal(t, []bool{true}, s.edges())
		stop()
	})
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(newFakeSyncer(), nil, quietLogger(), Config{})
	assert.Equal(t, DefaultSyncInterval, m.cfg.SyncInterval)
	assert.Equal(t, DefaultProbeInterval, m.cfg.ProbeInterval)
}
