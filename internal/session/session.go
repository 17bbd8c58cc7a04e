// Package session owns one record per known peer and drives the room
// lifecycle: discovery handshakes, room advertisement, the four-phase
// join negotiation for the game transport, the host-authoritative
// roster and teardown. One Manager per logical game session; there is
// no process-wide state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/config"
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

var (
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotInRoom     = errors.New("not in a room")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrNoGameChannel = errors.New("no open game channel")
)

type sessionState int

const (
	stateNotHosting sessionState = iota
	stateHosting
	stateGuestInRoom
)

// Manager drives the session. All mutable state is behind mu; events
// are emitted outside the lock.
type Manager struct {
	cfg     *config.Config
	bus     *core.Bus
	disc    core.Discovery
	factory core.TransportFactory

	selfID   domain.PeerID
	username string

	mu    sync.Mutex
	peers map[domain.PeerID]*peerRecord
	rooms map[domain.PeerID]*domain.RoomStatus

	state         sessionState
	hostID        domain.PeerID // set while GUEST_IN_ROOM
	users         []domain.User
	rosterVersion uint64

	handlers map[string]func(domain.PeerID, json.RawMessage)
	join     *pendingJoin

	hostCancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager builds a session around the given discovery collaborator
// and transport factory. selfID must match the id the discovery layer
// announces, since remote peers key their records by it.
func NewManager(cfg *config.Config, bus *core.Bus, selfID domain.PeerID, disc core.Discovery, factory core.TransportFactory) *Manager {
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		disc:     disc,
		factory:  factory,
		selfID:   selfID,
		username: cfg.Username,
		peers:    make(map[domain.PeerID]*peerRecord),
		rooms:    make(map[domain.PeerID]*domain.RoomStatus),
		handlers: make(map[string]func(domain.PeerID, json.RawMessage)),
		closed:   make(chan struct{}),
	}
	return m
}

func (m *Manager) SelfID() domain.PeerID { return m.selfID }
func (m *Manager) Bus() *core.Bus        { return m.bus }

func (m *Manager) Username() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username
}

// SetUsername renames the local user. While hosting, the roster entry
// is updated and rebroadcast.
func (m *Manager) SetUsername(name string) error {
	if err := domain.ValidateUsername(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.username = name
	if m.state == stateHosting {
		for i := range m.users {
			if m.users[i].ID == m.selfID {
				m.users[i].Username = name
				m.users[i].DisplayName = name
			}
		}
		m.broadcastUserListLocked()
	}
	m.mu.Unlock()
	m.bus.Emit(core.EventUsernameChanged, name)
	return nil
}

// Start wires discovery callbacks and runs the announce loop until ctx
// is cancelled. A stale-room prune loop runs for the lifetime of the
// session so discovered rooms age out whether or not we host.
func (m *Manager) Start(ctx context.Context) error {
	m.disc.OnReady(func() {
		m.bus.Emit(core.EventConnected, nil)
	})
	m.disc.OnError(func(err error) {
		// Non-fatal: the discovery collaborator retries on its own
		// backoff policy.
		m.bus.Emit(core.EventError, err)
	})
	m.disc.OnPeer(m.handlePeerConnected)
	m.disc.OnPeerLost(m.handlePeerLost)

	go m.pruneLoop(ctx)

	return m.disc.Start(ctx)
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	m.mu.Lock()
	if m.hostCancel != nil {
		m.hostCancel()
		m.hostCancel = nil
	}
	for _, rec := range m.peers {
		rec.teardownTransport()
		rec.closeSignal()
	}
	m.peers = make(map[domain.PeerID]*peerRecord)
	m.mu.Unlock()
	m.disc.Close()
	m.bus.Emit(core.EventDisconnected, nil)
}

// handlePeerConnected creates the peer record (idempotent: duplicate
// discovery events for the same id are ignored) and immediately sends
// the handshake, plus a roomStatus advertisement while hosting.
func (m *Manager) handlePeerConnected(id domain.PeerID, conn core.SignalConn) {
	m.mu.Lock()
	if _, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return
	}
	rec := newPeerRecord(id, conn)
	m.peers[id] = rec
	hosting := m.state == stateHosting
	m.mu.Unlock()

	conn.OnMessage(func(f core.Frame) {
		m.dispatch(id, f)
	})

	log.Info().Str("module", "session").Str("peer", string(id)).Msg("peer connected")

	m.sendTo(rec, protocol.Handshake{
		Type:     protocol.TypeHandshake,
		PeerID:   m.selfID,
		GameID:   m.cfg.GameID,
		Username: m.Username(),
	})
	if hosting {
		m.sendTo(rec, m.roomStatusMessage())
	}
}

// dispatch routes one signaling frame. Malformed payloads and unknown
// types are logged and dropped; the loop must never be interrupted.
func (m *Manager) dispatch(from domain.PeerID, data core.Frame) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(from)).Msg("malformed signaling payload")
		return
	}

	switch msgType {
	case protocol.TypeHandshake:
		m.handleHandshake(from, data)
	case protocol.TypeRoomStatus:
		m.handleRoomStatus(from, data)
	case protocol.TypeJoinRequest:
		m.handleJoinRequest(from, data)
	case protocol.TypeJoinAccepted:
		m.handleJoinAccepted(from, data)
	case protocol.TypeJoinRejected:
		m.handleJoinRejected(from, data)
	case protocol.TypeOffer:
		m.handleOffer(from, data)
	case protocol.TypeAnswer:
		m.handleAnswer(from, data)
	case protocol.TypeICECandidate:
		m.handleCandidate(from, data)
	case protocol.TypeUserList:
		m.handleUserList(from, data)
	case protocol.TypeHostLeft:
		m.handleHostLeft(from)
	case protocol.TypeGuestLeft:
		m.handleGuestLeft(from)
	default:
		log.Warn().Str("module", "session").Str("type", msgType).Msg("unknown signaling message")
	}
}

func (m *Manager) handleHandshake(from domain.PeerID, data core.Frame) {
	var p protocol.Handshake
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad handshake payload")
		return
	}
	m.mu.Lock()
	rec, ok := m.peers[from]
	if ok {
		rec.username = p.Username
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "session").Str("peer", string(from)).Str("username", p.Username).Msg("peer handshook")
	m.bus.Emit(core.EventPeerHandshook, p)
}

// sendTo marshals and transmits over the peer's signaling channel.
// Delivery is best effort: the protocol self-heals by redundancy.
func (m *Manager) sendTo(rec *peerRecord, v any) {
	b, err := protocol.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("encode signaling message")
		return
	}
	if err := rec.signal.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("signaling send failed")
	}
}

// Handle registers an application handler for a game-channel message
// type. The syncUpdate type is reserved for the sync system.
func (m *Manager) Handle(msgType string, fn func(domain.PeerID, json.RawMessage)) {
	m.mu.Lock()
	m.handlers[msgType] = fn
	m.mu.Unlock()
}

// Send broadcasts v over every open game channel. As guest there is
// exactly one (the host's); as host one per connected guest.
func (m *Manager) Send(v any) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	targets := make([]*peerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		if rec.state == transportConnected && rec.channel != nil {
			targets = append(targets, rec)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return ErrNoGameChannel
	}
	for _, rec := range targets {
		if err := rec.channel.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("game send failed")
		}
	}
	return nil
}

// handleGameMessage routes inbound game-channel traffic by type to the
// registered application handlers.
func (m *Manager) handleGameMessage(from domain.PeerID, data core.Frame) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(from)).Msg("malformed game payload")
		return
	}
	m.mu.Lock()
	fn := m.handlers[msgType]
	m.mu.Unlock()
	if fn == nil {
		log.Debug().Str("module", "session").Str("type", msgType).Msg("unhandled game message")
		return
	}
	fn(from, json.RawMessage(data))
}

// Users returns the current roster snapshot.
func (m *Manager) Users() []domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.User, len(m.users))
	copy(out, m.users)
	return out
}

// Hosting reports whether the local session is the room host.
func (m *Manager) Hosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateHosting
}

// InRoom reports whether the local session occupies any room.
func (m *Manager) InRoom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != stateNotHosting
}

func (m *Manager) now() time.Time { return time.Now() }
