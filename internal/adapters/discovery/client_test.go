package discovery

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Netplay/internal/config"
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/tracker"
)

func startTracker(t *testing.T) string {
	_, url := startTrackerServer(t)
	return url
}

// trackingListener records accepted conns so tests can hard-close the
// tracker's client sockets. httptest's CloseClientConnections cannot do
// this: once gorilla hijacks a conn for the websocket upgrade, the
// httptest server stops tracking it.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) closeClientConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

func startTrackerServer(t *testing.T) (*trackingListener, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := tracker.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/api/ws", func(c *gin.Context) { hub.HandleWS(ctx, c) })
	srv := httptest.NewUnstartedServer(r)
	ln := &trackingListener{Listener: srv.Listener}
	srv.Listener = ln
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return ln, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
}

func testClientConfig(url string) *config.Config {
	return &config.Config{
		GameID:              "pong",
		Trackers:            []string{url},
		NumWant:             10,
		AnnounceInterval:    50 * time.Millisecond,
		MaxAnnounceInterval: 200 * time.Millisecond,
		BackoffMultiplier:   1.5,
	}
}

// peerCatcher collects discovered peers and their signaling conns.
type peerCatcher struct {
	mu    sync.Mutex
	conns map[domain.PeerID]core.SignalConn
	got   map[domain.PeerID][]core.Frame
	lost  map[domain.PeerID]bool
}

func newPeerCatcher(c *Client) *peerCatcher {
	pc := &peerCatcher{
		conns: make(map[domain.PeerID]core.SignalConn),
		got:   make(map[domain.PeerID][]core.Frame),
		lost:  make(map[domain.PeerID]bool),
	}
	c.OnPeer(func(id domain.PeerID, conn core.SignalConn) {
		conn.OnMessage(func(f core.Frame) {
			pc.mu.Lock()
			pc.got[id] = append(pc.got[id], f)
			pc.mu.Unlock()
		})
		pc.mu.Lock()
		pc.conns[id] = conn
		pc.mu.Unlock()
	})
	c.OnPeerLost(func(id domain.PeerID) {
		pc.mu.Lock()
		pc.lost[id] = true
		pc.mu.Unlock()
	})
	return pc
}

func (pc *peerCatcher) conn(id domain.PeerID) core.SignalConn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conns[id]
}

func (pc *peerCatcher) frames(id domain.PeerID) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.got[id])
}

func (pc *peerCatcher) firstFrame(id domain.PeerID) core.Frame {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.got[id][0]
}

func (pc *peerCatcher) lastFrame(id domain.PeerID) core.Frame {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.got[id][len(pc.got[id])-1]
}

func (pc *peerCatcher) isLost(id domain.PeerID) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lost[id]
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeersDiscoverEachOtherAndRelay(t *testing.T) {
	url := startTracker(t)

	c1 := NewClient(testClientConfig(url), "peer-a")
	c2 := NewClient(testClientConfig(url), "peer-b")
	pc1 := newPeerCatcher(c1)
	pc2 := newPeerCatcher(c2)

	ready := make(chan struct{}, 2)
	c1.OnReady(func() { ready <- struct{}{} })
	c2.OnReady(func() { ready <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c1.Start(ctx) }()
	go func() { _ = c2.Start(ctx) }()
	t.Cleanup(c1.Close)
	t.Cleanup(c2.Close)

	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("clients never reached the tracker")
		}
	}

	waitFor(t, 2*time.Second, "mutual discovery", func() bool {
		return pc1.conn("peer-b") != nil && pc2.conn("peer-a") != nil
	})

	// Frames ride the shared tracker socket as relay envelopes and
	// come out unwrapped on the other side.
	frame := core.Frame(`{"type":"handshake","peerId":"peer-a","gameId":"pong","username":"alice"}`)
	if err := pc1.conn("peer-b").TrySend(frame); err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	waitFor(t, 2*time.Second, "relayed frame", func() bool {
		return pc2.frames("peer-a") >= 1
	})
	if got := string(pc2.firstFrame("peer-a")); got != string(frame) {
		t.Fatalf("frame altered in transit:\n got %s\nwant %s", got, frame)
	}
}

func TestPeerLossSurfacesThroughTracker(t *testing.T) {
	url := startTracker(t)

	c1 := NewClient(testClientConfig(url), "peer-a")
	c2 := NewClient(testClientConfig(url), "peer-b")
	pc1 := newPeerCatcher(c1)
	pc2 := newPeerCatcher(c2)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel1)
	t.Cleanup(cancel2)
	go func() { _ = c1.Start(ctx1) }()
	go func() { _ = c2.Start(ctx2) }()
	t.Cleanup(c1.Close)
	t.Cleanup(c2.Close)

	waitFor(t, 2*time.Second, "mutual discovery", func() bool {
		return pc1.conn("peer-b") != nil && pc2.conn("peer-a") != nil
	})

	// peer-a drops off the network; peer-b must learn it from the
	// tracker, since no application-level goodbye is possible.
	cancel1()
	c1.Close()

	waitFor(t, 3*time.Second, "peer loss notification", func() bool {
		return pc2.isLost("peer-a")
	})

	if err := pc2.conn("peer-a").TrySend(core.Frame(`{"type":"handshake"}`)); err == nil {
		t.Fatal("send on closed signaling conn succeeded")
	}
}

func TestTrackerReconnectMintsFreshConns(t *testing.T) {
	srv, url := startTrackerServer(t)

	c1 := NewClient(testClientConfig(url), "peer-a")
	c2 := NewClient(testClientConfig(url), "peer-b")
	pc1 := newPeerCatcher(c1)
	pc2 := newPeerCatcher(c2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c1.Start(ctx) }()
	go func() { _ = c2.Start(ctx) }()
	t.Cleanup(c1.Close)
	t.Cleanup(c2.Close)

	waitFor(t, 2*time.Second, "mutual discovery", func() bool {
		return pc1.conn("peer-b") != nil && pc2.conn("peer-a") != nil
	})
	old := pc1.conn("peer-b")

	frame := core.Frame(`{"type":"handshake","peerId":"peer-a","gameId":"pong","username":"alice"}`)
	if err := old.TrySend(frame); err != nil {
		t.Fatalf("TrySend before reconnect: %v", err)
	}
	waitFor(t, 2*time.Second, "relayed frame", func() bool {
		return pc2.frames("peer-a") >= 1
	})

	// Tracker sockets die; conns bound to them are useless and must
	// surface as peer loss rather than silently eating sends.
	srv.closeClientConns()

	waitFor(t, 3*time.Second, "loss surfaced on both sides", func() bool {
		return pc1.isLost("peer-b") && pc2.isLost("peer-a")
	})
	if err := old.TrySend(frame); err == nil {
		t.Fatal("send on conn from dead socket succeeded")
	}

	// Both clients redial and re-announce; discovery fires again with
	// conns riding the new sockets.
	waitFor(t, 3*time.Second, "rediscovery after reconnect", func() bool {
		fresh := pc1.conn("peer-b")
		return fresh != nil && fresh != old && pc2.conn("peer-a") != nil
	})

	if err := pc1.conn("peer-b").TrySend(frame); err != nil {
		t.Fatalf("TrySend after reconnect: %v", err)
	}
	waitFor(t, 2*time.Second, "relay works after reconnect", func() bool {
		return pc2.frames("peer-a") >= 2
	})
	if got := string(pc2.lastFrame("peer-a")); got != string(frame) {
		t.Fatalf("frame altered in transit:\n got %s\nwant %s", got, frame)
	}
}

func TestDiscoveryIgnoresSelfAnnouncement(t *testing.T) {
	url := startTracker(t)

	c := NewClient(testClientConfig(url), "peer-a")
	pc := newPeerCatcher(c)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Start(ctx) }()
	t.Cleanup(c.Close)

	time.Sleep(200 * time.Millisecond)
	if pc.conn("peer-a") != nil {
		t.Fatal("client discovered itself")
	}
}
