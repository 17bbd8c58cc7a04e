package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/domain"
)

const writeDeadline = 5 * time.Second

// Client is one tracker socket. peerID and gameID stay empty until the
// first announce and are touched only by the hub goroutine.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	peerID domain.PeerID
	gameID string

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: hub, conn: conn, out: make(chan []byte, 32)}
}

func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// send queues data for the write pump, dropping on backpressure. A
// slow tracker client only loses discovery messages, which the
// announce cadence re-delivers.
func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		log.Warn().Str("module", "tracker").Str("addr", c.RemoteAddr()).Msg("client backpressure, dropping")
	}
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "tracker").Msg("encode reply")
		return
	}
	c.send(b)
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.out)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "tracker").Msg("write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		// Once the hub stopped nobody drains unregister; don't let
		// pump goroutines hang on it during shutdown.
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "tracker").Str("addr", c.RemoteAddr()).Msg("read closed")
				return
			}
			select {
			case c.hub.inbound <- inbound{client: c, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}
