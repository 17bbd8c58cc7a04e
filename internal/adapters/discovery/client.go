// Package discovery implements core.Discovery against one or more
// tracker services. Each tracker connection runs its own announce loop
// with exponential backoff; peers found through any tracker share one
// signaling connection per peer id.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/config"
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
)

const dialTimeout = 10 * time.Second

type Client struct {
	cfg    *config.Config
	selfID domain.PeerID

	mu    sync.Mutex
	peers map[domain.PeerID]*relayConn

	onPeer     func(domain.PeerID, core.SignalConn)
	onPeerLost func(domain.PeerID)
	onReady    func()
	onError    func(error)

	readyOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(cfg *config.Config, selfID domain.PeerID) *Client {
	return &Client{
		cfg:    cfg,
		selfID: selfID,
		peers:  make(map[domain.PeerID]*relayConn),
		closed: make(chan struct{}),
	}
}

func (c *Client) OnPeer(fn func(domain.PeerID, core.SignalConn)) { c.onPeer = fn }
func (c *Client) OnPeerLost(fn func(domain.PeerID))              { c.onPeerLost = fn }
func (c *Client) OnReady(fn func())                              { c.onReady = fn }
func (c *Client) OnError(fn func(error))                         { c.onError = fn }

// Start runs one announce loop per configured tracker until ctx is
// cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	if len(c.cfg.Trackers) == 0 {
		log.Warn().Str("module", "discovery").Msg("no trackers configured")
	}
	var wg sync.WaitGroup
	for _, url := range c.cfg.Trackers {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			c.trackerLoop(ctx, url)
		}(url)
	}
	wg.Wait()
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pc := range c.peers {
		pc.Close()
		delete(c.peers, id)
	}
}

// trackerLoop dials the tracker, announces on a ticker and re-dials
// with exponential backoff after any failure. Backoff resets on a
// successful dial.
func (c *Client) trackerLoop(ctx context.Context, url string) {
	backoff := c.cfg.AnnounceInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			c.fail(err)
			log.Warn().Err(err).Str("module", "discovery").Str("tracker", url).Dur("retry_in", backoff).Msg("tracker dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		backoff = c.cfg.AnnounceInterval
		log.Info().Str("module", "discovery").Str("tracker", url).Msg("tracker connected")
		c.readyOnce.Do(func() {
			if c.onReady != nil {
				c.onReady()
			}
		})

		w := &wsWriter{ws: ws}
		c.serveConn(ctx, w)
		c.dropSocket(w)
	}
}

func (c *Client) nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * c.cfg.BackoffMultiplier)
	if next > c.cfg.MaxAnnounceInterval {
		next = c.cfg.MaxAnnounceInterval
	}
	return next
}

// serveConn announces periodically and reads tracker messages until
// the socket drops.
func (c *Client) serveConn(ctx context.Context, w *wsWriter) {
	done := make(chan struct{})
	// Close the socket and join the read goroutine before returning,
	// so no late handleMessage can mint a conn on a writer the caller
	// is about to sweep.
	defer func() {
		_ = w.ws.Close()
		<-done
	}()
	go func() {
		defer close(done)
		for {
			_, data, err := w.ws.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "discovery").Msg("tracker read error")
				return
			}
			c.handleMessage(w, data)
		}
	}()

	announce := func() error {
		msg := protocol.Announce{
			Type:    protocol.TypeAnnounce,
			GameID:  c.cfg.GameID,
			PeerID:  c.selfID,
			NumWant: c.cfg.NumWant,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return w.write(b)
	}

	if err := announce(); err != nil {
		log.Warn().Err(err).Str("module", "discovery").Msg("announce failed")
		return
	}

	ticker := time.NewTicker(c.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := announce(); err != nil {
				log.Warn().Err(err).Str("module", "discovery").Msg("announce failed")
				return
			}
		}
	}
}

func (c *Client) handleMessage(w *wsWriter, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "discovery").Msg("bad tracker message")
		return
	}

	switch msgType {
	case protocol.TypePeers:
		var p protocol.Peers
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Str("module", "discovery").Msg("bad peers payload")
			return
		}
		for _, id := range p.Peers {
			c.sawPeer(w, id)
		}

	case protocol.TypeRelay:
		var r protocol.Relay
		if err := json.Unmarshal(data, &r); err != nil {
			log.Warn().Err(err).Str("module", "discovery").Msg("bad relay payload")
			return
		}
		// A relayed envelope from an unknown peer is itself a
		// discovery: the remote announced first and contacted us.
		conn := c.sawPeer(w, r.From)
		if conn != nil {
			conn.deliver(core.Frame(r.Payload))
		}

	case protocol.TypePeerGone:
		var g protocol.PeerGone
		if err := json.Unmarshal(data, &g); err != nil {
			log.Warn().Err(err).Str("module", "discovery").Msg("bad peerGone payload")
			return
		}
		c.lostPeer(g.PeerID)

	case protocol.TypeStats:
		log.Debug().Str("module", "discovery").Msg("tracker stats")

	case protocol.TypeError:
		var e protocol.Error
		_ = json.Unmarshal(data, &e)
		log.Warn().Str("module", "discovery").Str("error", e.Error).Msg("tracker error")

	default:
		log.Warn().Str("module", "discovery").Str("type", msgType).Msg("unknown tracker message")
	}
}

// sawPeer returns the relay conn for id, creating it and firing OnPeer
// exactly once per first-seen peer. Re-announcements are ignored.
func (c *Client) sawPeer(w *wsWriter, id domain.PeerID) *relayConn {
	if id == "" || id == c.selfID {
		return nil
	}
	c.mu.Lock()
	if conn, ok := c.peers[id]; ok {
		c.mu.Unlock()
		return conn
	}
	conn := newRelayConn(w, c.selfID, id)
	c.peers[id] = conn
	c.mu.Unlock()

	log.Info().Str("module", "discovery").Str("peer", string(id)).Msg("peer discovered")
	if c.onPeer != nil {
		c.onPeer(id, conn)
	}
	return conn
}

func (c *Client) lostPeer(id domain.PeerID) {
	c.mu.Lock()
	conn, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	log.Info().Str("module", "discovery").Str("peer", string(id)).Msg("peer lost")
	if c.onPeerLost != nil {
		c.onPeerLost(id)
	}
}

// dropSocket treats every peer discovered through a lost tracker socket
// as gone. The tracker already sent peerGone to the other side when the
// socket died; mirroring that view here keeps both ends symmetric and
// lets the next announce on the fresh socket rediscover live peers with
// conns bound to the new writer.
func (c *Client) dropSocket(w *wsWriter) {
	c.mu.Lock()
	var gone []domain.PeerID
	for id, conn := range c.peers {
		if conn.w == w {
			delete(c.peers, id)
			conn.Close()
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		log.Info().Str("module", "discovery").Str("peer", string(id)).Msg("peer lost with tracker socket")
		if c.onPeerLost != nil {
			c.onPeerLost(id)
		}
	}
}

func (c *Client) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
