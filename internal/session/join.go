package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

// Per-phase budgets. The offer phase additionally bounds candidate
// gathering inside the transport (complete-or-3s).
const (
	offerPhaseTimeout  = 10 * time.Second
	acceptPhaseTimeout = 10 * time.Second
	openPhaseTimeout   = 15 * time.Second
)

var (
	ErrJoinInProgress = errors.New("join already in progress")
	ErrJoinRejected   = errors.New("join rejected")
)

// pendingJoin carries the wait points between dispatcher callbacks and
// the blocked join phases. Channels are buffered so the dispatcher
// never blocks on a slow or abandoned join.
type pendingJoin struct {
	host     domain.PeerID
	accepted chan protocol.JoinAccepted
	rejected chan protocol.JoinRejected
	opened   chan struct{}
	chanErr  chan error

	// The host broadcasts the post-admission roster the moment the
	// guest's channel opens, which can race the final join phase. A
	// snapshot arriving early is parked here (guarded by Manager.mu)
	// and wins over the acceptance-time roster, which predates our own
	// admission.
	users   []domain.User
	version uint64
}

func newPendingJoin(host domain.PeerID) *pendingJoin {
	return &pendingJoin{
		host:     host,
		accepted: make(chan protocol.JoinAccepted, 1),
		rejected: make(chan protocol.JoinRejected, 1),
		opened:   make(chan struct{}),
		chanErr:  make(chan error, 1),
	}
}

// JoinRoom executes the four join phases in order. Any failure rolls
// the peer record back to signaling-only so a retry is always safe.
// ctx aborts the join before negotiation starts; once the offer is out,
// the phases rely on their own timeouts.
func (m *Manager) JoinRoom(ctx context.Context, host domain.PeerID) error {
	if err := m.InitiateConnection(ctx, host); err != nil {
		return m.failJoin(host, err)
	}
	if err := m.SendOffer(ctx); err != nil {
		return m.failJoin(host, err)
	}
	users, err := m.WaitForAcceptance(ctx)
	if err != nil {
		return m.failJoin(host, err)
	}
	if err := m.OpenGameChannel(ctx); err != nil {
		return m.failJoin(host, err)
	}

	m.mu.Lock()
	m.state = stateGuestInRoom
	m.hostID = host
	roster := users
	if m.join != nil && m.join.users != nil {
		roster = m.join.users
		m.rosterVersion = m.join.version
	}
	m.users = roster
	m.join = nil
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("host", string(host)).Msg("joined room")
	m.bus.Emit(core.EventJoinedRoom, roster)
	m.bus.Emit(core.EventUserList, roster)
	return nil
}

// InitiateConnection is phase one: create the game transport, wire the
// local-candidate relay through the signaling channel and send the
// join request.
func (m *Manager) InitiateConnection(ctx context.Context, host domain.PeerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != stateNotHosting {
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}
	if m.join != nil {
		m.mu.Unlock()
		return ErrJoinInProgress
	}
	rec, ok := m.peers[host]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPeer
	}

	transport, err := m.factory.NewTransport(host)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create game transport: %w", err)
	}
	rec.transport = transport
	rec.intent = intentRequested
	rec.intentName = m.username
	join := newPendingJoin(host)
	m.join = join
	username := m.username
	m.mu.Unlock()

	transport.OnCandidate(func(c core.Candidate) {
		m.sendTo(rec, protocol.ICECandidate{Type: protocol.TypeICECandidate, Candidate: c})
	})

	m.sendTo(rec, protocol.JoinRequest{
		Type:     protocol.TypeJoinRequest,
		PeerID:   m.selfID,
		Username: username,
	})
	m.bus.Emit(core.EventJoinStarted, host)
	return nil
}

// SendOffer is phase two: create the game data channel, build the
// local offer and transmit it once candidate gathering completed or
// the bounded fallback elapsed.
func (m *Manager) SendOffer(ctx context.Context) error {
	m.mu.Lock()
	join := m.join
	if join == nil {
		m.mu.Unlock()
		return errors.New("no join in progress")
	}
	rec := m.peers[join.host]
	m.mu.Unlock()
	if rec == nil || rec.transport == nil {
		return ErrUnknownPeer
	}

	ch, err := rec.transport.CreateChannel("game")
	if err != nil {
		return fmt.Errorf("create game channel: %w", err)
	}
	host := join.host
	ch.OnOpen(func() {
		select {
		case <-join.opened:
		default:
			close(join.opened)
		}
	})
	ch.OnError(func(err error) {
		select {
		case join.chanErr <- err:
		default:
		}
	})
	ch.OnMessage(func(f core.Frame) {
		m.handleGameMessage(host, f)
	})

	phaseCtx, cancel := context.WithTimeout(ctx, offerPhaseTimeout)
	defer cancel()
	sdp, err := rec.transport.CreateOffer(phaseCtx)
	if err != nil {
		ch.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	m.mu.Lock()
	rec.channel = ch
	rec.state = transportOffering
	m.mu.Unlock()

	m.sendTo(rec, protocol.Offer{Type: protocol.TypeOffer, SDP: sdp})
	log.Info().Str("module", "session").Str("host", string(host)).Msg("offer sent")
	m.bus.Emit(core.EventOfferSent, host)
	return nil
}

// WaitForAcceptance is phase three: await joinAccepted carrying the
// authoritative roster, or joinRejected, or the phase timeout.
func (m *Manager) WaitForAcceptance(ctx context.Context) ([]domain.User, error) {
	m.mu.Lock()
	join := m.join
	m.mu.Unlock()
	if join == nil {
		return nil, errors.New("no join in progress")
	}

	select {
	case acc := <-join.accepted:
		m.bus.Emit(core.EventAcceptedByHost, acc)
		return acc.Users, nil
	case rej := <-join.rejected:
		return nil, fmt.Errorf("%w: %s", ErrJoinRejected, rej.Reason)
	case <-time.After(acceptPhaseTimeout):
		return nil, errors.New("timed out waiting for acceptance")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenGameChannel is phase four: await only the data channel's own
// open or error signal. Transient regressions of the overall transport
// state are deliberately ignored so a brief disconnected-then-
// recovering transport does not falsely fail the join.
func (m *Manager) OpenGameChannel(ctx context.Context) error {
	m.mu.Lock()
	join := m.join
	m.mu.Unlock()
	if join == nil {
		return errors.New("no join in progress")
	}

	m.bus.Emit(core.EventChannelOpening, join.host)

	select {
	case <-join.opened:
	case err := <-join.chanErr:
		return fmt.Errorf("game channel error: %w", err)
	case <-time.After(openPhaseTimeout):
		return errors.New("timed out waiting for game channel to open")
	}

	m.mu.Lock()
	if rec, ok := m.peers[join.host]; ok {
		rec.state = transportConnected
		rec.intent = intentInGame
	}
	m.mu.Unlock()

	m.bus.Emit(core.EventChannelConnected, join.host)
	return nil
}

// failJoin rolls the peer back to signaling-only and surfaces the
// reason. No residual game transport survives, so retry is safe.
func (m *Manager) failJoin(host domain.PeerID, cause error) error {
	m.mu.Lock()
	if rec, ok := m.peers[host]; ok {
		rec.resetGame()
	}
	m.join = nil
	m.mu.Unlock()

	log.Warn().Err(cause).Str("module", "session").Str("host", string(host)).Msg("join failed")
	m.bus.Emit(core.EventJoinFailed, cause.Error())
	return cause
}

func (m *Manager) handleJoinAccepted(from domain.PeerID, data core.Frame) {
	var p protocol.JoinAccepted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad joinAccepted payload")
		return
	}
	m.mu.Lock()
	join := m.join
	if join != nil && join.host == from {
		if rec, ok := m.peers[from]; ok {
			rec.intent = intentAccepted
		}
	}
	m.mu.Unlock()
	if join == nil || join.host != from {
		log.Warn().Str("module", "session").Str("peer", string(from)).Msg("joinAccepted without pending join")
		return
	}
	select {
	case join.accepted <- p:
	default:
	}
	m.bus.Emit(core.EventJoinAccepted, p)
}

func (m *Manager) handleJoinRejected(from domain.PeerID, data core.Frame) {
	var p protocol.JoinRejected
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad joinRejected payload")
		return
	}
	m.mu.Lock()
	join := m.join
	if join != nil && join.host == from {
		m.mu.Unlock()
		select {
		case join.rejected <- p:
		default:
		}
		m.bus.Emit(core.EventJoinRejected, p)
		return
	}
	// A rejection from our current host with no join pending means the
	// host's admission guard fired after our channel already opened.
	// We were never seated, so the room we think we joined does not
	// exist on the host side. Leave it now instead of waiting for the
	// sync layer to go stale.
	if m.state == stateGuestInRoom && m.hostID == from {
		if rec, ok := m.peers[from]; ok {
			rec.resetGame()
		}
		m.state = stateNotHosting
		m.hostID = ""
		m.users = nil
		m.rosterVersion = 0
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("host", string(from)).Str("reason", p.Reason).Msg("evicted by host after channel open")
		m.bus.Emit(core.EventJoinRejected, p)
		m.bus.Emit(core.EventLeftRoom, nil)
		return
	}
	m.mu.Unlock()
}

// handleAnswer applies the host's answer on the guest transport and
// flushes any candidates that arrived early.
func (m *Manager) handleAnswer(from domain.PeerID, data core.Frame) {
	var p protocol.Answer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad answer payload")
		return
	}
	m.mu.Lock()
	rec, ok := m.peers[from]
	if !ok || rec.transport == nil {
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("peer", string(from)).Msg("answer without transport")
		return
	}
	transport := rec.transport
	m.mu.Unlock()

	if err := transport.ApplyAnswer(p.SDP); err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer", string(from)).Msg("apply answer")
		return
	}

	m.mu.Lock()
	rec.state = transportAnswered
	rec.remoteApplied = true
	if err := rec.flushCandidates(); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(from)).Msg("flush candidates")
	}
	m.mu.Unlock()
}

// handleCandidate applies a relayed candidate, queueing it when the
// remote description is not in place yet.
func (m *Manager) handleCandidate(from domain.PeerID, data core.Frame) {
	var p protocol.ICECandidate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad candidate payload")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[from]
	if !ok {
		return
	}
	if rec.transport == nil || !rec.remoteApplied {
		rec.pendingCandidates = append(rec.pendingCandidates, p.Candidate)
		return
	}
	if err := rec.transport.AddCandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(from)).Msg("add candidate")
	}
}
