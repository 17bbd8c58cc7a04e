// Package protocol defines the type-discriminated JSON envelopes
// exchanged over the signaling channel and the game channel. Every
// message is self-contained: offers and answers carry the full current
// description, rosters are full snapshots, never deltas. Loss of any
// single message delays convergence but must not corrupt state.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

// Signaling message types.
const (
	TypeHandshake    = "handshake"
	TypeRoomStatus   = "roomStatus"
	TypeJoinRequest  = "joinRequest"
	TypeJoinAccepted = "joinAccepted"
	TypeJoinRejected = "joinRejected"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeUserList     = "userList"
	TypeHostLeft     = "hostLeft"
	TypeGuestLeft    = "guestLeft"
)

// TypeSyncUpdate is reserved on the game channel for the sync system;
// every other game-channel type is routed to application handlers.
const TypeSyncUpdate = "syncUpdate"

// Envelope carries only the discriminator; payloads are decoded a
// second time into their typed struct.
type Envelope struct {
	Type string `json:"type"`
}

type Handshake struct {
	Type     string        `json:"type"`
	PeerID   domain.PeerID `json:"peerId"`
	GameID   string        `json:"gameId"`
	Username string        `json:"username"`
}

type RoomStatus struct {
	Type           string        `json:"type"`
	PeerID         domain.PeerID `json:"peerId"`
	Username       string        `json:"username"`
	Hosting        bool          `json:"hosting"`
	GameType       string        `json:"gameType"`
	MaxPlayers     int           `json:"maxPlayers"`
	CurrentPlayers int           `json:"currentPlayers"`
	Slots          []string      `json:"slots"`
}

type JoinRequest struct {
	Type     string        `json:"type"`
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username"`
}

type JoinAccepted struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
	Users  []domain.User `json:"users"`
}

type JoinRejected struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
	Reason string        `json:"reason"`
}

type Offer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Answer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Type      string         `json:"type"`
	Candidate core.Candidate `json:"candidate"`
}

type UserList struct {
	Type    string        `json:"type"`
	Users   []domain.User `json:"users"`
	Version uint64        `json:"version"`
}

type HostLeft struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
}

type GuestLeft struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
}

// SyncUpdate is the periodic full-state broadcast. Data maps producer
// id to its field snapshot.
type SyncUpdate struct {
	Type      string                    `json:"type"`
	Data      map[string]map[string]any `json:"data"`
	Timestamp int64                     `json:"timestamp"`
}

// Marshal encodes v, panicking never: encode failures of our own
// message structs indicate a programming error and are returned as-is.
func Marshal(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// PeekType extracts the discriminator without decoding the payload.
func PeekType(data core.Frame) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}
