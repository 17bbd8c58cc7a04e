// Package sync implements the periodic state broadcaster and staleness
// detector layered above the session's send primitive. Correctness
// never depends on any individual broadcast arriving: remote liveness
// is inferred purely from inter-arrival gaps, because the transport's
// own close signaling can be delayed or absent on abrupt network loss.
package sync

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/protocol"
)

// Source produces one producer's field snapshot per broadcast tick.
type Source interface {
	Snapshot() map[string]any
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() map[string]any

func (f SourceFunc) Snapshot() map[string]any { return f() }

// System broadcasts the registered producers' snapshots on an interval
// and tracks freshness of the remote side's broadcasts.
type System struct {
	send       func(any) error
	interval   time.Duration
	staleAfter time.Duration
	bus        *core.Bus

	mu       sync.Mutex
	sources  map[string]Source
	remote   map[string]map[string]any
	lastSeen time.Time
	gotAny   bool
	stale    bool // last edge-triggered state

	stopOnce sync.Once
	stopped  chan struct{}
	started  bool
}

func New(send func(any) error, interval, staleAfter time.Duration, bus *core.Bus) *System {
	return &System{
		send:       send,
		interval:   interval,
		staleAfter: staleAfter,
		bus:        bus,
		sources:    make(map[string]Source),
		stale:      true, // stale until the first update arrives
		stopped:    make(chan struct{}),
	}
}

// Register attaches a named producer. Multiple independent producers
// may be registered under distinct keys; re-registering a key replaces
// its source.
func (s *System) Register(id string, src Source) {
	s.mu.Lock()
	s.sources[id] = src
	s.mu.Unlock()
}

// Start broadcasts once immediately, then on every interval tick, and
// runs the staleness watcher. Safe to call once per System.
func (s *System) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.broadcast()
	go s.broadcastLoop()
	go s.watchLoop()
}

func (s *System) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *System) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

// broadcast re-reads every producer and transmits the full snapshot.
// Send failures are logged and ignored; the next tick heals them.
func (s *System) broadcast() {
	s.mu.Lock()
	data := make(map[string]map[string]any, len(s.sources))
	for id, src := range s.sources {
		data[id] = src.Snapshot()
	}
	s.mu.Unlock()

	msg := protocol.SyncUpdate{
		Type:      protocol.TypeSyncUpdate,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.send(msg); err != nil {
		log.Debug().Err(err).Str("module", "sync").Msg("broadcast dropped")
	}
}

// HandleUpdate replaces the remote snapshot wholesale (no field-level
// merge, no sequence ordering) and stamps the local receipt time.
func (s *System) HandleUpdate(u protocol.SyncUpdate) {
	s.mu.Lock()
	s.remote = u.Data
	s.lastSeen = time.Now()
	s.gotAny = true
	s.mu.Unlock()
}

// Remote returns the last received snapshot and its receipt time.
func (s *System) Remote() (map[string]map[string]any, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.lastSeen
}

// RemoteStale reports whether no update arrived within the stale
// threshold. True before any update has been received at all.
func (s *System) RemoteStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStaleLocked(time.Now())
}

func (s *System) remoteStaleLocked(now time.Time) bool {
	if !s.gotAny {
		return true
	}
	return now.Sub(s.lastSeen) > s.staleAfter
}

// watchLoop fires syncStale/syncFresh exactly once per transition, not
// on every poll.
func (s *System) watchLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			s.checkTransition()
		}
	}
}

func (s *System) checkTransition() {
	s.mu.Lock()
	cur := s.remoteStaleLocked(time.Now())
	changed := cur != s.stale
	s.stale = cur
	s.mu.Unlock()

	if !changed {
		return
	}
	if cur {
		log.Warn().Str("module", "sync").Msg("remote went stale")
		s.bus.Emit(core.EventSyncStale, nil)
	} else {
		log.Info().Str("module", "sync").Msg("remote fresh")
		s.bus.Emit(core.EventSyncFresh, nil)
	}
}
