// Package rtc adapts a pion PeerConnection and its data channel to the
// core.GameTransport surface used by the session layer.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

// gatherFallback bounds the wait for candidate gathering before a local
// description is transmitted. Trading candidate completeness for latency
// keeps join time usable on constrained networks.
const gatherFallback = 3 * time.Second

func Config(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// Factory builds one Transport per peer from a shared ICE server list.
type Factory struct {
	ICEServers []string
}

func (f *Factory) NewTransport(peer domain.PeerID) (core.GameTransport, error) {
	return NewTransport(Config(f.ICEServers), peer)
}

// Transport owns a single PeerConnection negotiated with one remote
// peer. At most one exists per peer record.
type Transport struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID

	mu          sync.Mutex
	onCandidate func(core.Candidate)
	onChannel   func(core.GameChannel)
	closed      bool
}

func NewTransport(cfg webrtc.Configuration, peer domain.PeerID) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{pc: pc, peer: peer}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(fromInit(cand.ToJSON()))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("label", dc.Label()).Msg("remote data channel")
		t.mu.Lock()
		fn := t.onChannel
		t.mu.Unlock()
		if fn != nil {
			fn(wrapChannel(dc, peer))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("state", s.String()).Msg("peer state")
	})

	return t, nil
}

func (t *Transport) OnCandidate(fn func(core.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnChannel(fn func(core.GameChannel)) {
	t.mu.Lock()
	t.onChannel = fn
	t.mu.Unlock()
}

func (t *Transport) AddCandidate(c core.Candidate) error {
	return t.pc.AddICECandidate(toInit(c))
}

func (t *Transport) CreateChannel(label string) (core.GameChannel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %s: %w", label, err)
	}
	return wrapChannel(dc, t.peer), nil
}

// CreateOffer builds the local offer and waits for candidate gathering
// to complete or the fallback to elapse before returning the SDP.
func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := t.waitGather(ctx, gatherComplete); err != nil {
		return "", err
	}
	return t.pc.LocalDescription().SDP, nil
}

// ApplyOfferCreateAnswer applies the remote offer, builds the answer
// and waits for gathering the same way CreateOffer does.
func (t *Transport) ApplyOfferCreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if err := t.waitGather(ctx, gatherComplete); err != nil {
		return "", err
	}
	return t.pc.LocalDescription().SDP, nil
}

func (t *Transport) ApplyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *Transport) waitGather(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
	case <-time.After(gatherFallback):
		log.Debug().Str("module", "rtc").Str("peer", string(t.peer)).Msg("gather fallback elapsed, sending partial description")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(t.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(t.peer)).Msg("closed")
	}
}

func toInit(c core.Candidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return init
}

func fromInit(init webrtc.ICECandidateInit) core.Candidate {
	c := core.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}
