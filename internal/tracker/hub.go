// Package tracker implements the discovery service the session layer
// announces against. The hub introduces peers of the same game to each
// other and relays peer-addressed signaling envelopes between their
// sockets; it never inspects relayed payloads.
package tracker

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

type inbound struct {
	client *Client
	data   []byte
}

// Hub is the single goroutine that owns all tracker state. Clients
// talk to it exclusively through channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound

	peers  map[domain.PeerID]*Client
	byGame map[string]map[domain.PeerID]*Client

	count atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		peers:      make(map[domain.PeerID]*Client),
		byGame:     make(map[string]map[domain.PeerID]*Client),
	}
}

// PeerCount is a read-only stat for the HTTP surface.
func (h *Hub) PeerCount() int64 { return h.count.Load() }

// Run processes registrations, departures and messages until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			log.Info().Str("module", "tracker").Str("addr", c.RemoteAddr()).Msg("client registered")

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.inbound:
			h.handle(msg.client, msg.data)
		}
	}
}

func (h *Hub) handle(c *Client, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "tracker").Msg("bad client message")
		c.reply(protocol.Error{Type: protocol.TypeError, Error: "bad_payload"})
		return
	}

	switch msgType {
	case protocol.TypeAnnounce:
		var p protocol.Announce
		if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" || p.GameID == "" {
			c.reply(protocol.Error{Type: protocol.TypeError, Error: "bad_announce"})
			return
		}
		h.announce(c, p)

	case protocol.TypeRelay:
		var p protocol.Relay
		if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
			c.reply(protocol.Error{Type: protocol.TypeError, Error: "bad_relay"})
			return
		}
		target, ok := h.peers[p.To]
		if !ok {
			log.Debug().Str("module", "tracker").Str("to", string(p.To)).Msg("relay target gone")
			return
		}
		// Forward verbatim; the sender already stamped its own id.
		target.send(data)

	default:
		log.Warn().Str("module", "tracker").Str("type", msgType).Msg("unknown client message")
	}
}

// announce registers the peer under its game and answers with up to
// numwant other peers of the same game. Re-announcements refresh the
// registration and get a fresh peer list.
func (h *Hub) announce(c *Client, p protocol.Announce) {
	if c.peerID == "" {
		c.peerID = p.PeerID
		c.gameID = p.GameID
		h.peers[p.PeerID] = c
		game, ok := h.byGame[p.GameID]
		if !ok {
			game = make(map[domain.PeerID]*Client)
			h.byGame[p.GameID] = game
		}
		game[p.PeerID] = c
		h.count.Store(int64(len(h.peers)))
		log.Info().Str("module", "tracker").Str("peer", string(p.PeerID)).Str("game", p.GameID).Msg("peer announced")
	}

	numwant := p.NumWant
	if numwant <= 0 {
		numwant = 10
	}
	others := make([]domain.PeerID, 0, numwant)
	for id := range h.byGame[c.gameID] {
		if id == c.peerID {
			continue
		}
		others = append(others, id)
		if len(others) >= numwant {
			break
		}
	}
	c.reply(protocol.Peers{Type: protocol.TypePeers, Peers: others})
	c.reply(protocol.Stats{Type: protocol.TypeStats, Peers: len(h.byGame[c.gameID])})
}

// drop removes a departed client and tells its game-mates, so their
// sessions can run uncontrolled-loss cleanup.
func (h *Hub) drop(c *Client) {
	c.close()
	if c.peerID == "" {
		return
	}
	if cur, ok := h.peers[c.peerID]; !ok || cur != c {
		return
	}
	delete(h.peers, c.peerID)
	if game, ok := h.byGame[c.gameID]; ok {
		delete(game, c.peerID)
		if len(game) == 0 {
			delete(h.byGame, c.gameID)
		} else {
			gone := protocol.PeerGone{Type: protocol.TypePeerGone, PeerID: c.peerID}
			for _, other := range game {
				other.reply(gone)
			}
		}
	}
	h.count.Store(int64(len(h.peers)))
	log.Info().Str("module", "tracker").Str("peer", string(c.peerID)).Msg("peer dropped")
}
