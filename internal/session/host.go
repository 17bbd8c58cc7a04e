package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

const reasonRoomFull = "room full"

// handleJoinRequest is the host-side gate. Capacity is checked here and
// again at accept time: occupancy can change between the two events.
func (m *Manager) handleJoinRequest(from domain.PeerID, data core.Frame) {
	var p protocol.JoinRequest
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad joinRequest payload")
		return
	}

	m.mu.Lock()
	rec, ok := m.peers[from]
	if !ok {
		m.mu.Unlock()
		return
	}
	if m.state != stateHosting {
		m.mu.Unlock()
		m.sendTo(rec, protocol.JoinRejected{Type: protocol.TypeJoinRejected, PeerID: m.selfID, Reason: "not hosting"})
		return
	}
	if len(m.users) >= m.cfg.MaxPlayers {
		m.mu.Unlock()
		m.sendTo(rec, protocol.JoinRejected{Type: protocol.TypeJoinRejected, PeerID: m.selfID, Reason: reasonRoomFull})
		return
	}
	rec.intent = intentRequested
	rec.intentName = p.Username
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(from)).Str("username", p.Username).Msg("join requested")
	m.bus.Emit(core.EventJoinRequest, p)
}

// handleOffer answers a guest's offer. Acceptance is sent before the
// offer is processed; the game transport is created lazily on first
// offer from that peer.
func (m *Manager) handleOffer(from domain.PeerID, data core.Frame) {
	var p protocol.Offer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad offer payload")
		return
	}

	m.mu.Lock()
	rec, ok := m.peers[from]
	if !ok || m.state != stateHosting || rec.intent != intentRequested {
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("peer", string(from)).Msg("offer without join request")
		return
	}
	// Accept-time capacity recheck: the room may have filled since the
	// join request was admitted.
	if len(m.users) >= m.cfg.MaxPlayers {
		rec.intent = intentNone
		rec.intentName = ""
		m.mu.Unlock()
		m.sendTo(rec, protocol.JoinRejected{Type: protocol.TypeJoinRejected, PeerID: m.selfID, Reason: reasonRoomFull})
		return
	}
	rec.intent = intentAccepted
	users := make([]domain.User, len(m.users))
	copy(users, m.users)
	m.mu.Unlock()

	m.sendTo(rec, protocol.JoinAccepted{Type: protocol.TypeJoinAccepted, PeerID: m.selfID, Users: users})

	// Building the answer waits on candidate gathering, up to seconds.
	// Run it off the signaling read path so one guest's negotiation
	// cannot stall frames from every peer sharing the tracker socket.
	// Candidates arriving meanwhile queue until remoteApplied flips.
	go m.answerOffer(rec, p.SDP)
}

func (m *Manager) answerOffer(rec *peerRecord, offerSDP string) {
	transport, err := m.ensureHostTransport(rec)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("create game transport")
		m.rollbackGuest(rec, "transport failure")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), offerPhaseTimeout)
	defer cancel()
	answer, err := transport.ApplyOfferCreateAnswer(ctx, offerSDP)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("answer offer")
		m.rollbackGuest(rec, "negotiation failure")
		return
	}

	m.mu.Lock()
	rec.state = transportAnswered
	rec.remoteApplied = true
	if err := rec.flushCandidates(); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("flush candidates")
	}
	m.mu.Unlock()

	m.sendTo(rec, protocol.Answer{Type: protocol.TypeAnswer, SDP: answer})
	log.Info().Str("module", "session").Str("peer", string(rec.id)).Msg("answer sent")
}

// ensureHostTransport lazily creates the host-side transport for a
// joining guest and wires candidate relay and the inbound channel.
func (m *Manager) ensureHostTransport(rec *peerRecord) (core.GameTransport, error) {
	m.mu.Lock()
	if rec.transport != nil {
		t := rec.transport
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	transport, err := m.factory.NewTransport(rec.id)
	if err != nil {
		return nil, err
	}
	transport.OnCandidate(func(c core.Candidate) {
		m.sendTo(rec, protocol.ICECandidate{Type: protocol.TypeICECandidate, Candidate: c})
	})
	transport.OnChannel(func(ch core.GameChannel) {
		m.wireGuestChannel(rec, ch)
	})

	m.mu.Lock()
	rec.transport = transport
	rec.state = transportOffering
	m.mu.Unlock()
	return transport, nil
}

// wireGuestChannel attaches the guest's game data channel. The guest
// occupies a roster slot only when this channel reaches open, never
// merely on acceptance.
func (m *Manager) wireGuestChannel(rec *peerRecord, ch core.GameChannel) {
	m.mu.Lock()
	rec.channel = ch
	m.mu.Unlock()

	ch.OnMessage(func(f core.Frame) {
		m.handleGameMessage(rec.id, f)
	})
	ch.OnError(func(err error) {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("guest channel error")
	})
	ch.OnOpen(func() {
		m.admitGuest(rec)
	})
}

// admitGuest adds the guest to the authoritative roster once its
// channel opened, and broadcasts the full roster snapshot.
func (m *Manager) admitGuest(rec *peerRecord) {
	m.mu.Lock()
	if m.state != stateHosting || rec.intent != intentAccepted {
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("peer", string(rec.id)).Msg("channel opened without acceptance")
		return
	}
	// Final guard: the roster must never exceed max players even if a
	// capacity race slipped past both earlier checks.
	if len(m.users) >= m.cfg.MaxPlayers {
		rec.resetGame()
		m.mu.Unlock()
		m.sendTo(rec, protocol.JoinRejected{Type: protocol.TypeJoinRejected, PeerID: m.selfID, Reason: reasonRoomFull})
		return
	}

	user := domain.User{
		ID:          rec.id,
		Username:    rec.intentName,
		DisplayName: m.disambiguateLocked(rec.intentName),
		IsHost:      false,
	}
	m.users = append(m.users, user)
	rec.state = transportConnected
	rec.intent = intentInGame
	m.broadcastUserListLocked()
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(rec.id)).Str("username", user.Username).Msg("guest admitted")
	m.bus.Emit(core.EventUserJoined, user)
	m.bus.Emit(core.EventUserList, m.Users())
}

// rollbackGuest clears a failed guest negotiation so the peer can
// retry, and tells the guest why.
func (m *Manager) rollbackGuest(rec *peerRecord, reason string) {
	m.mu.Lock()
	rec.resetGame()
	m.mu.Unlock()
	m.sendTo(rec, protocol.JoinRejected{Type: protocol.TypeJoinRejected, PeerID: m.selfID, Reason: reason})
}
