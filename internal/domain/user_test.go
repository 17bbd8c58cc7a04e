package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	if err := ValidateUsername("alice"); err != nil {
		t.Fatalf("valid username rejected: %v", err)
	}
	if err := ValidateUsername(""); err != ErrUsernameEmpty {
		t.Fatalf("empty username: err = %v, want ErrUsernameEmpty", err)
	}
	long := strings.Repeat("x", MaxUsernameLen+1)
	if err := ValidateUsername(long); err != ErrUsernameTooLong {
		t.Fatalf("long username: err = %v, want ErrUsernameTooLong", err)
	}
}

func TestNewUserValidates(t *testing.T) {
	u, err := NewUser("peer-1", "alice", true)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if u.DisplayName != "alice" || !u.IsHost {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := NewUser("peer-1", "", false); err == nil {
		t.Fatal("empty username accepted")
	}
}

func TestNewPeerID(t *testing.T) {
	a, b := NewPeerID(), NewPeerID()
	if a == b {
		t.Fatal("two generated peer ids collide")
	}
	if len(a) == 0 || len(a) > MaxPeerIDLen {
		t.Fatalf("peer id length %d out of range", len(a))
	}
}

func TestRoomStatusStale(t *testing.T) {
	now := time.Now()
	r := RoomStatus{LastSeen: now.Add(-10 * time.Second)}
	if !r.Stale(now, 5*time.Second) {
		t.Fatal("old advertisement not reported stale")
	}
	if r.Stale(now, 15*time.Second) {
		t.Fatal("fresh advertisement reported stale")
	}
}

func TestRoomStatusFull(t *testing.T) {
	r := RoomStatus{MaxPlayers: 2, CurrentPlayers: 2}
	if !r.Full() {
		t.Fatal("full room not reported full")
	}
	r.CurrentPlayers = 1
	if r.Full() {
		t.Fatal("half-empty room reported full")
	}
	r = RoomStatus{MaxPlayers: 0, CurrentPlayers: 5}
	if r.Full() {
		t.Fatal("room without player cap reported full")
	}
}
