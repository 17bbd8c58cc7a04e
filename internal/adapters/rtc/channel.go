package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

var errChannelClosed = errors.New("data channel closed")

// dataChannel adapts webrtc.DataChannel to core.GameChannel.
type dataChannel struct {
	dc   *webrtc.DataChannel
	peer domain.PeerID

	mu     sync.Mutex
	closed bool
}

func wrapChannel(dc *webrtc.DataChannel, peer domain.PeerID) core.GameChannel {
	return &dataChannel{dc: dc, peer: peer}
}

func (c *dataChannel) OnOpen(fn func()) {
	c.dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Str("label", c.dc.Label()).Msg("channel open")
		fn()
	})
}

func (c *dataChannel) OnClose(fn func()) {
	c.dc.OnClose(fn)
}

func (c *dataChannel) OnError(fn func(error)) {
	c.dc.OnError(fn)
}

func (c *dataChannel) OnMessage(fn func(core.Frame)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(core.Frame(msg.Data))
	})
}

func (c *dataChannel) TrySend(f core.Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errChannelClosed
	}
	return c.dc.Send(f)
}

func (c *dataChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.dc.Close()
}
