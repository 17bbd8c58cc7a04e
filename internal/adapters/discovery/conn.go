package discovery

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

var errConnClosed = errors.New("signaling connection closed")

// wsWriter serializes writes on a tracker socket. gorilla/websocket
// supports at most one concurrent writer; the announce loop and every
// relayConn riding the socket share this wrapper.
type wsWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

// relayConn is the per-peer signaling channel: frames are wrapped into
// tracker relay envelopes addressed to the remote peer, inbound relays
// from that peer are delivered to the registered handler. The tracker
// socket it rides on is shared between all peers found through it.
type relayConn struct {
	self   domain.PeerID
	remote domain.PeerID
	w      *wsWriter

	mu        sync.Mutex
	onMessage func(core.Frame)
	closed    bool
}

func newRelayConn(w *wsWriter, self, remote domain.PeerID) *relayConn {
	return &relayConn{w: w, self: self, remote: remote}
}

func (c *relayConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.mu.Unlock()
	env, err := json.Marshal(map[string]any{
		"type":    "relay",
		"to":      c.remote,
		"from":    c.self,
		"payload": json.RawMessage(f),
	})
	if err != nil {
		return err
	}
	return c.w.write(env)
}

func (c *relayConn) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *relayConn) deliver(f core.Frame) {
	c.mu.Lock()
	fn := c.onMessage
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(f)
}

func (c *relayConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	// The underlying tracker socket stays open; it is shared.
}
