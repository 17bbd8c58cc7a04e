package session

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

func peerRec(m *Manager, id domain.PeerID) *peerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

func peerCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func peerIntent(m *Manager, id domain.PeerID) intentKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		return rec.intent
	}
	return intentNone
}

func peerTransport(m *Manager, id domain.PeerID) core.GameTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		return rec.transport
	}
	return nil
}

func hasUser(m *Manager, id domain.PeerID) bool {
	for _, u := range m.Users() {
		if u.ID == id {
			return true
		}
	}
	return false
}

func TestPeerRecordCreatedOncePerID(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")

	first, _ := newPipePair()
	second, _ := newPipePair()
	m.handlePeerConnected("bob", first)
	m.handlePeerConnected("bob", second)

	if peerCount(m) != 1 {
		t.Fatalf("peer records = %d, want 1", peerCount(m))
	}
	if rec := peerRec(m, "bob"); rec.signal != first {
		t.Fatal("duplicate discovery replaced the original signaling connection")
	}
}

func TestHandshakeExchangesUsernames(t *testing.T) {
	world := newFakeWorld()
	a := newTestManager(t, world, "alice")
	b := newTestManager(t, world, "bob")

	log := recordEvents(a.Bus(), core.EventPeerHandshook)
	linkManagers(a, b)

	waitFor(t, time.Second, "handshake", func() bool {
		rec := peerRec(a, "bob")
		return rec != nil && rec.username == "bob"
	})
	if !log.seen(core.EventPeerHandshook) {
		t.Fatal("peerHandshook never fired")
	}
	waitFor(t, time.Second, "reverse handshake", func() bool {
		rec := peerRec(b, "alice")
		return rec != nil && rec.username == "alice"
	})
}

func TestUnknownSignalingTypeIsDropped(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")
	conn, _ := newPipePair()
	m.handlePeerConnected("bob", conn)

	m.dispatch("bob", core.Frame(`{"type":"teleport"}`))
	m.dispatch("bob", core.Frame(`{broken`))

	if peerCount(m) != 1 || m.InRoom() {
		t.Fatal("bogus frames altered session state")
	}
}

func TestSendWithoutOpenChannel(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")

	err := m.Send(protocol.SyncUpdate{Type: protocol.TypeSyncUpdate})
	if !errors.Is(err, ErrNoGameChannel) {
		t.Fatalf("err = %v, want ErrNoGameChannel", err)
	}
}

func TestSetUsernameValidation(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")

	if err := m.SetUsername(""); !errors.Is(err, domain.ErrUsernameEmpty) {
		t.Fatalf("err = %v, want ErrUsernameEmpty", err)
	}
	if err := m.SetUsername(strings.Repeat("x", domain.MaxUsernameLen+1)); !errors.Is(err, domain.ErrUsernameTooLong) {
		t.Fatalf("err = %v, want ErrUsernameTooLong", err)
	}
	if err := m.SetUsername("alicia"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if m.Username() != "alicia" {
		t.Fatalf("username = %q after rename", m.Username())
	}
}

func TestSetUsernameWhileHostingUpdatesRoster(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")
	if err := m.CreateRoom(); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := m.SetUsername("alicia"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	users := m.Users()
	if len(users) != 1 || users[0].Username != "alicia" || users[0].DisplayName != "alicia" {
		t.Fatalf("roster not renamed: %+v", users)
	}
}

func TestGameMessageRouting(t *testing.T) {
	world := newFakeWorld()
	m := newTestManager(t, world, "alice")

	got := make(chan domain.PeerID, 1)
	m.Handle("move", func(from domain.PeerID, _ json.RawMessage) {
		got <- from
	})

	m.handleGameMessage("bob", core.Frame(`{"type":"move","x":1}`))
	select {
	case from := <-got:
		if from != "bob" {
			t.Fatalf("from = %q, want bob", from)
		}
	default:
		t.Fatal("handler not invoked")
	}

	// Unregistered type and malformed frame must both be silent drops.
	m.handleGameMessage("bob", core.Frame(`{"type":"chat"}`))
	m.handleGameMessage("bob", core.Frame(`garbage`))
}
