package core

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names the public surface consumed by collaborators outside this
// core (rendering, menus, audio). Payload types are documented per
// constant where not obvious.
type Event string

const (
	EventConnected     Event = "connected"
	EventRoomList      Event = "roomList" // []domain.RoomStatus
	EventPeerHandshook Event = "peerHandshook"
	EventDisconnected  Event = "disconnected"

	EventJoinRequest  Event = "joinRequest"
	EventJoinAccepted Event = "joinAccepted"
	EventJoinRejected Event = "joinRejected"

	EventJoinStarted      Event = "joinStarted"
	EventOfferSent        Event = "offerSent"
	EventAcceptedByHost   Event = "acceptedByHost"
	EventChannelOpening   Event = "channelOpening"
	EventChannelConnected Event = "channelConnected"
	EventJoinedRoom       Event = "joinedRoom"
	EventJoinFailed       Event = "joinFailed" // reason string

	EventLeftRoom  Event = "leftRoom"
	EventHostLeft  Event = "hostLeft"
	EventGuestLeft Event = "guestLeft"

	EventUserJoined      Event = "userJoined" // domain.User
	EventUserLeft        Event = "userLeft"   // domain.User
	EventUserList        Event = "userList"   // []domain.User
	EventUsernameChanged Event = "usernameChanged"

	EventSyncStale Event = "syncStale"
	EventSyncFresh Event = "syncFresh"

	EventError Event = "error"
)

// Handler receives the event payload. Handlers run on the emitting
// goroutine; a panicking handler is recovered and logged so it never
// prevents delivery to the remaining handlers.
type Handler func(payload any)

// Bus is a typed publish/subscribe registry. One Bus per session; no
// process-wide state.
type Bus struct {
	mu       sync.RWMutex
	seq      int
	handlers map[Event]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Event]map[int]Handler)}
}

// Subscribe registers h for ev and returns an unsubscribe func. The
// returned func is idempotent.
func (b *Bus) Subscribe(ev Event, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	m, ok := b.handlers[ev]
	if !ok {
		m = make(map[int]Handler)
		b.handlers[ev] = m
	}
	m[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.handlers[ev]; ok {
			delete(m, id)
		}
	}
}

// Emit delivers payload to every handler registered for ev. Each
// invocation is individually isolated.
func (b *Bus) Emit(ev Event, payload any) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[ev]))
	for _, h := range b.handlers[ev] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		invoke(ev, h, payload)
	}
}

func invoke(ev Event, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "core.bus").Str("event", string(ev)).Any("panic", r).Msg("handler panicked")
		}
	}()
	h(payload)
}
