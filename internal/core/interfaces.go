package core

import (
	"context"

	"github.com/dkeye/Netplay/internal/domain"
)

// Frame is a raw wire payload (JSON-encoded envelope).
type Frame []byte

// SignalConn is the per-peer signaling channel handed over by discovery.
// It is created exactly once per peer relationship and is never
// recreated; all room and game negotiation is layered on top of it.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	OnMessage(func(Frame))
	Close()
}

// Candidate is one gathered transport address, relayed to the remote
// side through the signaling channel while gathering is still running.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// GameChannel is the ordered channel carrying gameplay traffic. Open is
// a transport fact: roster membership keys off it, never off acceptance.
type GameChannel interface {
	OnOpen(func())
	OnClose(func())
	OnError(func(error))
	OnMessage(func(Frame))
	TrySend(Frame) error
	Close()
}

// GameTransport is the secondary, manually negotiated transport to a
// single peer. Exactly one exists per peer record.
//
// CreateOffer and ApplyOfferCreateAnswer block until local candidate
// gathering completes or the bounded fallback elapses, whichever comes
// first, so the returned description is as complete as the wait allowed.
type GameTransport interface {
	CreateChannel(label string) (GameChannel, error)
	OnChannel(func(GameChannel))

	OnCandidate(func(Candidate))
	AddCandidate(Candidate) error

	CreateOffer(ctx context.Context) (sdp string, err error)
	ApplyOfferCreateAnswer(ctx context.Context, offerSDP string) (sdp string, err error)
	ApplyAnswer(sdp string) error

	Close()
}

// TransportFactory builds one GameTransport per remote peer. Tests plug
// in fakes here; production uses the rtc adapter.
type TransportFactory interface {
	NewTransport(peer domain.PeerID) (GameTransport, error)
}

// Discovery is the tracker-facing collaborator. It announces the local
// peer, surfaces candidate peers and hands the session a ready-made
// signaling connection per discovered peer.
type Discovery interface {
	// Start runs the announce loop until ctx is cancelled.
	Start(ctx context.Context) error

	// OnPeer fires once per first-seen peer id with its signaling
	// connection. Duplicate announcements of a known peer do not fire.
	OnPeer(func(domain.PeerID, SignalConn))

	// OnPeerLost fires when a peer's tracker registration drops
	// (tab close, network loss); no application-level notice precedes it.
	OnPeerLost(func(domain.PeerID))

	OnReady(func())
	OnError(func(error))

	Close()
}
