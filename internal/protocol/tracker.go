package protocol

import (
	"encoding/json"

	"github.com/dkeye/Netplay/internal/domain"
)

// Tracker wire schema. The tracker never inspects relayed payloads; it
// only introduces peers of the same game to each other and forwards
// peer-addressed envelopes between their sockets.
const (
	TypeAnnounce = "announce"
	TypePeers    = "peers"
	TypeRelay    = "relay"
	TypePeerGone = "peerGone"
	TypeStats    = "stats"
	TypeError    = "error"
)

type Announce struct {
	Type    string        `json:"type"`
	GameID  string        `json:"gameId"`
	PeerID  domain.PeerID `json:"peerId"`
	NumWant int           `json:"numwant"`
}

type Peers struct {
	Type  string          `json:"type"`
	Peers []domain.PeerID `json:"peers"`
}

type Relay struct {
	Type    string          `json:"type"`
	To      domain.PeerID   `json:"to"`
	From    domain.PeerID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type PeerGone struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
}

type Stats struct {
	Type  string `json:"type"`
	Peers int    `json:"peers"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
