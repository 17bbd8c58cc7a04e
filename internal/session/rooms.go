package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

// CreateRoom transitions to HOSTING: the roster is reset to self, the
// periodic room-status broadcast starts and a joinedRoom event is
// synthesized for the local user (the host never opens a transport to
// itself).
func (m *Manager) CreateRoom() error {
	m.mu.Lock()
	if m.state != stateNotHosting {
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}
	m.state = stateHosting
	self, err := domain.NewUser(m.selfID, m.username, true)
	if err != nil {
		m.state = stateNotHosting
		m.mu.Unlock()
		return err
	}
	m.users = []domain.User{*self}
	m.rosterVersion = 1

	ctx, cancel := context.WithCancel(context.Background())
	m.hostCancel = cancel
	status := m.roomStatusMessageLocked()
	m.mu.Unlock()

	go m.advertiseLoop(ctx)

	m.broadcastSignal(status)
	log.Info().Str("module", "session").Str("peer", string(m.selfID)).Msg("room created")
	m.bus.Emit(core.EventJoinedRoom, m.Users())
	m.bus.Emit(core.EventUserList, m.Users())
	return nil
}

// advertiseLoop re-broadcasts the roomStatus advertisement while
// hosting. Lost advertisements heal on the next tick.
func (m *Manager) advertiseLoop(ctx context.Context) {
	interval := m.cfg.RoomStatusInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case <-ticker.C:
			m.broadcastSignal(m.roomStatusMessage())
		}
	}
}

// pruneLoop ages out discovered rooms whose advertisement stopped.
func (m *Manager) pruneLoop(ctx context.Context) {
	interval := m.cfg.RoomStaleThreshold / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case <-ticker.C:
			m.pruneRooms()
		}
	}
}

func (m *Manager) pruneRooms() {
	now := m.now()
	m.mu.Lock()
	pruned := false
	for id, room := range m.rooms {
		if room.Stale(now, m.cfg.RoomStaleThreshold) {
			delete(m.rooms, id)
			pruned = true
			log.Debug().Str("module", "session").Str("peer", string(id)).Msg("stale room pruned")
		}
	}
	m.mu.Unlock()
	if pruned {
		m.bus.Emit(core.EventRoomList, m.Rooms())
	}
}

func (m *Manager) roomStatusMessage() protocol.RoomStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomStatusMessageLocked()
}

func (m *Manager) roomStatusMessageLocked() protocol.RoomStatus {
	slots := make([]string, 0, len(m.users))
	for _, u := range m.users {
		slots = append(slots, u.DisplayName)
	}
	return protocol.RoomStatus{
		Type:           protocol.TypeRoomStatus,
		PeerID:         m.selfID,
		Username:       m.username,
		Hosting:        m.state == stateHosting,
		GameType:       m.cfg.GameID,
		MaxPlayers:     m.cfg.MaxPlayers,
		CurrentPlayers: len(m.users),
		Slots:          slots,
	}
}

// broadcastSignal sends v over every known peer's signaling channel.
func (m *Manager) broadcastSignal(v any) {
	m.mu.Lock()
	recs := make([]*peerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		recs = append(recs, rec)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		m.sendTo(rec, v)
	}
}

// handleRoomStatus refreshes the discovered-room entry for the sender.
func (m *Manager) handleRoomStatus(from domain.PeerID, data core.Frame) {
	var p protocol.RoomStatus
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("bad roomStatus payload")
		return
	}
	m.mu.Lock()
	if !p.Hosting {
		// The peer stopped hosting; drop its advertisement.
		delete(m.rooms, from)
	} else {
		m.rooms[from] = &domain.RoomStatus{
			PeerID:         p.PeerID,
			Username:       p.Username,
			Hosting:        p.Hosting,
			GameType:       p.GameType,
			MaxPlayers:     p.MaxPlayers,
			CurrentPlayers: p.CurrentPlayers,
			Slots:          p.Slots,
			LastSeen:       m.now(),
		}
	}
	m.mu.Unlock()
	m.bus.Emit(core.EventRoomList, m.Rooms())
}

// Rooms returns the current discovered-room snapshot.
func (m *Manager) Rooms() []domain.RoomStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RoomStatus, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, *r)
	}
	return out
}
