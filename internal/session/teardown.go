package session

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

// LeaveRoom is asymmetric by role. As host every guest is notified and
// every peer record is reset to signaling-only with its signaling
// connection preserved, so the same peers can rejoin without repeating
// discovery. As guest only the host is notified and the single game
// transport torn down.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	switch m.state {
	case stateHosting:
		m.leaveAsHostLocked()
	case stateGuestInRoom:
		m.leaveAsGuestLocked()
	default:
		m.mu.Unlock()
		return ErrNotInRoom
	}
	m.state = stateNotHosting
	m.hostID = ""
	m.users = nil
	m.rosterVersion = 0
	m.mu.Unlock()

	m.bus.Emit(core.EventLeftRoom, nil)
	return nil
}

func (m *Manager) leaveAsHostLocked() {
	if m.hostCancel != nil {
		m.hostCancel()
		m.hostCancel = nil
	}
	msg, err := protocol.Marshal(protocol.HostLeft{Type: protocol.TypeHostLeft, PeerID: m.selfID})
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("encode hostLeft")
		msg = nil
	}
	for _, rec := range m.peers {
		if msg != nil && rec.intent == intentInGame {
			if err := rec.signal.TrySend(msg); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("hostLeft send failed")
			}
		}
		rec.resetGame()
	}
	log.Info().Str("module", "session").Msg("left room (host)")
}

func (m *Manager) leaveAsGuestLocked() {
	if rec, ok := m.peers[m.hostID]; ok {
		m.sendToLocked(rec, protocol.GuestLeft{Type: protocol.TypeGuestLeft, PeerID: m.selfID})
		rec.resetGame()
	}
	if m.join != nil {
		m.join = nil
	}
	log.Info().Str("module", "session").Str("host", string(m.hostID)).Msg("left room (guest)")
}

// sendToLocked is sendTo for call sites already holding mu.
func (m *Manager) sendToLocked(rec *peerRecord, v any) {
	b, err := protocol.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("encode signaling message")
		return
	}
	if err := rec.signal.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("signaling send failed")
	}
}

// handleHostLeft ends the guest's session when its host leaves
// orderly. The signaling connection to the former host survives.
func (m *Manager) handleHostLeft(from domain.PeerID) {
	m.mu.Lock()
	if m.state != stateGuestInRoom || m.hostID != from {
		// Not our host; just drop its room advertisement.
		delete(m.rooms, from)
		m.mu.Unlock()
		m.bus.Emit(core.EventRoomList, m.Rooms())
		return
	}
	if rec, ok := m.peers[from]; ok {
		rec.resetGame()
	}
	delete(m.rooms, from)
	m.state = stateNotHosting
	m.hostID = ""
	m.users = nil
	m.rosterVersion = 0
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(from)).Msg("host left")
	m.bus.Emit(core.EventHostLeft, from)
	m.bus.Emit(core.EventLeftRoom, nil)
}

// handleGuestLeft removes an orderly-leaving guest from the roster and
// resets its record so it may rejoin immediately.
func (m *Manager) handleGuestLeft(from domain.PeerID) {
	m.mu.Lock()
	if m.state != stateHosting {
		m.mu.Unlock()
		return
	}
	rec, ok := m.peers[from]
	if ok {
		rec.resetGame()
	}
	user, removed := m.removeUserLocked(from)
	if removed {
		m.broadcastUserListLocked()
	}
	m.mu.Unlock()

	if !removed {
		return
	}
	log.Info().Str("module", "session").Str("peer", string(from)).Msg("guest left")
	m.bus.Emit(core.EventGuestLeft, from)
	m.bus.Emit(core.EventUserLeft, user)
	m.bus.Emit(core.EventUserList, m.Users())
}

// handlePeerLost handles uncontrolled loss (tab close, network drop):
// no application-level notice is possible, so the cleanup is uniform
// regardless of role. The peer record is destroyed entirely.
func (m *Manager) handlePeerLost(id domain.PeerID) {
	m.mu.Lock()
	rec, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.teardownTransport()
	rec.closeSignal()
	delete(m.peers, id)
	delete(m.rooms, id)

	wasHost := m.state == stateGuestInRoom && m.hostID == id
	var lostUser domain.User
	lostGuest := false
	if wasHost {
		m.state = stateNotHosting
		m.hostID = ""
		m.users = nil
		m.rosterVersion = 0
	} else if m.state == stateHosting {
		lostUser, lostGuest = m.removeUserLocked(id)
		if lostGuest {
			m.broadcastUserListLocked()
		}
	}
	m.mu.Unlock()

	log.Info().Str("module", "session").Str("peer", string(id)).Msg("peer disconnected")
	m.bus.Emit(core.EventRoomList, m.Rooms())

	if wasHost {
		m.bus.Emit(core.EventHostLeft, id)
		m.bus.Emit(core.EventLeftRoom, nil)
	}
	if lostGuest {
		m.bus.Emit(core.EventGuestLeft, id)
		m.bus.Emit(core.EventUserLeft, lostUser)
		m.bus.Emit(core.EventUserList, m.Users())
	}
}
