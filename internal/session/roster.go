package session

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

// disambiguateLocked picks a display name that is unique within the
// roster: "name", then "name (2)", "name (3)", ...
func (m *Manager) disambiguateLocked(name string) string {
	taken := func(candidate string) bool {
		for _, u := range m.users {
			if u.DisplayName == candidate {
				return true
			}
		}
		return false
	}
	if !taken(name) {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if !taken(candidate) {
			return candidate
		}
	}
}

// broadcastUserListLocked sends the full roster snapshot to every
// in-game guest. The roster is host-authoritative: guests never
// originate mutations, they replace their copy wholesale. The version
// counter increments on every membership change; receivers do not
// compare it (the signaling channel is ordered per peer).
func (m *Manager) broadcastUserListLocked() {
	m.rosterVersion++
	users := make([]domain.User, len(m.users))
	copy(users, m.users)
	msg := protocol.UserList{Type: protocol.TypeUserList, Users: users, Version: m.rosterVersion}

	b, err := protocol.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("encode userList")
		return
	}
	for _, rec := range m.peers {
		if rec.intent != intentInGame {
			continue
		}
		if err := rec.signal.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(rec.id)).Msg("userList send failed")
		}
	}
}

// handleUserList replaces the guest's roster replica with the host's
// latest snapshot.
func (m *Manager) handleUserList(from domain.PeerID, data core.Frame) {
	var p protocol.UserList
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad userList payload")
		return
	}

	m.mu.Lock()
	if m.state != stateGuestInRoom || m.hostID != from {
		if m.join != nil && m.join.host == from {
			// Arrived while the join is still completing; parked until
			// the final phase commits it.
			m.join.users = p.Users
			m.join.version = p.Version
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		log.Warn().Str("module", "session").Str("peer", string(from)).Msg("userList from non-host")
		return
	}
	m.users = p.Users
	m.rosterVersion = p.Version
	m.mu.Unlock()

	m.bus.Emit(core.EventUserList, m.Users())
}

// removeUserLocked drops a user from the authoritative roster. Returns
// the removed entry and whether it was present.
func (m *Manager) removeUserLocked(id domain.PeerID) (domain.User, bool) {
	for i, u := range m.users {
		if u.ID == id {
			m.users = append(m.users[:i], m.users[i+1:]...)
			return u, true
		}
	}
	return domain.User{}, false
}
