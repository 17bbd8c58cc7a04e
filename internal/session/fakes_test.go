package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Netplay/internal/config"
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

func testConfig(username string) *config.Config {
	return &config.Config{
		GameID:             "tictactoe",
		Username:           username,
		MaxPlayers:         2,
		BroadcastInterval:  20 * time.Millisecond,
		StaleThreshold:     200 * time.Millisecond,
		RoomStatusInterval: 50 * time.Millisecond,
		RoomStaleThreshold: 300 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog records which events fired, in order.
type eventLog struct {
	mu    sync.Mutex
	order []core.Event
}

func recordEvents(bus *core.Bus, events ...core.Event) *eventLog {
	l := &eventLog{}
	for _, ev := range events {
		ev := ev
		bus.Subscribe(ev, func(any) {
			l.mu.Lock()
			l.order = append(l.order, ev)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) count(ev core.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.order {
		if e == ev {
			n++
		}
	}
	return n
}

func (l *eventLog) seen(ev core.Event) bool { return l.count(ev) > 0 }

// indexOf returns the position of the first occurrence, or -1.
func (l *eventLog) indexOf(ev core.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.order {
		if e == ev {
			return i
		}
	}
	return -1
}

// pipeConn is an in-memory core.SignalConn. Frames sent on one end are
// delivered, in order, to the handler registered on the other end by a
// pump goroutine, mirroring how relayed frames arrive off the read
// loop of a real tracker socket.
type pipeConn struct {
	peer  *pipeConn
	inbox chan core.Frame

	mu      sync.Mutex
	handler func(core.Frame)

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := &pipeConn{inbox: make(chan core.Frame, 64), done: make(chan struct{})}
	b := &pipeConn{inbox: make(chan core.Frame, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) TrySend(f core.Frame) error {
	select {
	case <-p.done:
		return errors.New("pipe closed")
	default:
	}
	select {
	case p.peer.inbox <- f:
		return nil
	default:
		return errors.New("pipe full")
	}
}

// OnMessage starts the pump on first registration so frames sent before
// the handler existed are still delivered.
func (p *pipeConn) OnMessage(fn func(core.Frame)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
	p.startOnce.Do(func() { go p.pump() })
}

func (p *pipeConn) pump() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.inbox:
			p.mu.Lock()
			fn := p.handler
			p.mu.Unlock()
			if fn != nil {
				fn(f)
			}
		}
	}
}

func (p *pipeConn) Close() {
	p.stopOnce.Do(func() { close(p.done) })
}

// fakeDiscovery satisfies core.Discovery without any tracker. Tests
// drive peer arrival by calling Manager.handlePeerConnected directly.
type fakeDiscovery struct {
	onPeer func(domain.PeerID, core.SignalConn)
	onLost func(domain.PeerID)
}

func (d *fakeDiscovery) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *fakeDiscovery) OnPeer(fn func(domain.PeerID, core.SignalConn)) { d.onPeer = fn }
func (d *fakeDiscovery) OnPeerLost(fn func(domain.PeerID))              { d.onLost = fn }
func (d *fakeDiscovery) OnReady(fn func())                              {}
func (d *fakeDiscovery) OnError(fn func(error))                         {}
func (d *fakeDiscovery) Close()                                         {}

// fakeWorld pairs the two ends of a negotiated transport in memory:
// when the offering side applies the answer, every channel it created
// materializes on the answering side and both ends open (or fail, when
// failChannels is set).
type transportEdge struct {
	self, peer domain.PeerID
}

type fakeWorld struct {
	mu           sync.Mutex
	failChannels bool
	answerDelay  time.Duration
	transports   map[transportEdge]*fakeTransport
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{transports: make(map[transportEdge]*fakeTransport)}
}

func (w *fakeWorld) transport(self, peer domain.PeerID) *fakeTransport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transports[transportEdge{self, peer}]
}

func (w *fakeWorld) connect(offerer *fakeTransport) {
	w.mu.Lock()
	answerer := w.transports[transportEdge{offerer.peer, offerer.self}]
	fail := w.failChannels
	w.mu.Unlock()
	if answerer == nil {
		return
	}

	offerer.mu.Lock()
	channels := append([]*fakeChannel(nil), offerer.channels...)
	offerer.mu.Unlock()

	for _, ch := range channels {
		remote := &fakeChannel{label: ch.label}
		ch.linkPeer(remote)
		remote.linkPeer(ch)

		answerer.mu.Lock()
		onChannel := answerer.onChannel
		answerer.mu.Unlock()
		if onChannel != nil {
			onChannel(remote)
		}

		if fail {
			ch.fail(errors.New("negotiation failed"))
			remote.fail(errors.New("negotiation failed"))
		} else {
			ch.open()
			remote.open()
		}
	}
}

type fakeFactory struct {
	world *fakeWorld
	self  domain.PeerID
	err   error // injected NewTransport failure
}

func (f *fakeFactory) NewTransport(peer domain.PeerID) (core.GameTransport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{world: f.world, self: f.self, peer: peer}
	f.world.mu.Lock()
	f.world.transports[transportEdge{f.self, peer}] = t
	f.world.mu.Unlock()
	return t, nil
}

type fakeTransport struct {
	world      *fakeWorld
	self, peer domain.PeerID

	mu          sync.Mutex
	onCandidate func(core.Candidate)
	onChannel   func(core.GameChannel)
	channels    []*fakeChannel
	applied     []core.Candidate
	closed      bool
}

func (t *fakeTransport) CreateChannel(label string) (core.GameChannel, error) {
	ch := &fakeChannel{label: label}
	t.mu.Lock()
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) OnChannel(fn func(core.GameChannel)) {
	t.mu.Lock()
	t.onChannel = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnCandidate(fn func(core.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) AddCandidate(c core.Candidate) error {
	t.mu.Lock()
	t.applied = append(t.applied, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) appliedCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.applied)
}

// emitCandidate mimics trickle gathering: one local candidate surfaces
// while the description is being built.
func (t *fakeTransport) emitCandidate() {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(core.Candidate{Candidate: "candidate:1 1 udp 2113937151 10.0.0.1 50000 typ host"})
	}
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	t.emitCandidate()
	return "offer:" + string(t.self), nil
}

func (t *fakeTransport) ApplyOfferCreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	t.world.mu.Lock()
	delay := t.world.answerDelay
	t.world.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	t.emitCandidate()
	return "answer:" + string(t.self), nil
}

// ApplyAnswer on the offering side completes the fake negotiation.
func (t *fakeTransport) ApplyAnswer(sdp string) error {
	t.world.connect(t)
	return nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	peer      *fakeChannel
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(core.Frame)
	opened    bool
	closed    bool
}

func (c *fakeChannel) linkPeer(p *fakeChannel) {
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.opened = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// OnOpen fires immediately when the channel already opened, since the
// session may register after negotiation raced ahead.
func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	opened := c.opened
	c.mu.Unlock()
	if opened && fn != nil {
		fn()
	}
}

func (c *fakeChannel) OnClose(fn func())      { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *fakeChannel) OnError(fn func(error)) { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }
func (c *fakeChannel) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) TrySend(f core.Frame) error {
	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()
	if closed || peer == nil {
		return errors.New("channel closed")
	}
	peer.mu.Lock()
	fn := peer.onMessage
	peer.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// newTestManager builds a Manager named after its user, with the peer
// id equal to the username for readable assertions.
func newTestManager(t *testing.T, world *fakeWorld, username string) *Manager {
	t.Helper()
	cfg := testConfig(username)
	id := domain.PeerID(username)
	m := NewManager(cfg, core.NewBus(), id, &fakeDiscovery{}, &fakeFactory{world: world, self: id})
	t.Cleanup(m.Close)
	return m
}

// linkManagers wires a signaling pipe between two managers as if
// discovery introduced them to each other.
func linkManagers(a, b *Manager) {
	ca, cb := newPipePair()
	a.handlePeerConnected(b.selfID, ca)
	b.handlePeerConnected(a.selfID, cb)
}
