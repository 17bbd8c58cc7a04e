package session

import (
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
)

// transportState tracks the secondary game transport per peer. The
// signaling channel is independent of this and lives for the whole
// peer relationship.
type transportState int

const (
	transportSignaling transportState = iota // signaling-only, no game transport
	transportOffering
	transportAnswered
	transportConnected
)

// joinIntent is a tagged variant: acceptance is an intent, roster
// membership is a transport fact, and the two must never be conflated.
type intentKind int

const (
	intentNone intentKind = iota
	intentRequested
	intentAccepted
	intentInGame
)

// peerRecord is the single record per known peer id. Created once on
// first discovery, reset-but-retained on orderly room leave (signal
// conn kept, game state cleared), destroyed on uncontrolled loss.
type peerRecord struct {
	id       domain.PeerID
	signal   core.SignalConn
	username string

	transport core.GameTransport
	channel   core.GameChannel
	state     transportState

	intent     intentKind
	intentName string

	// Candidates relayed before the remote description was applied;
	// flushed once the transport can accept them.
	pendingCandidates []core.Candidate
	remoteApplied     bool
}

func newPeerRecord(id domain.PeerID, signal core.SignalConn) *peerRecord {
	return &peerRecord{id: id, signal: signal, state: transportSignaling}
}

// resetGame clears all game-transport state while preserving the
// signaling connection, so the same peer can rejoin without repeating
// discovery.
func (r *peerRecord) resetGame() {
	r.teardownTransport()
	r.state = transportSignaling
	r.intent = intentNone
	r.intentName = ""
	r.pendingCandidates = nil
	r.remoteApplied = false
}

func (r *peerRecord) teardownTransport() {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.transport != nil {
		r.transport.Close()
		r.transport = nil
	}
}

func (r *peerRecord) closeSignal() {
	if r.signal != nil {
		r.signal.Close()
	}
}

// flushCandidates applies queued candidates once the remote description
// is in place. Returns the first error; remaining candidates are still
// attempted since candidate loss only delays connectivity.
func (r *peerRecord) flushCandidates() error {
	if r.transport == nil || !r.remoteApplied {
		return nil
	}
	var firstErr error
	for _, c := range r.pendingCandidates {
		if err := r.transport.AddCandidate(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pendingCandidates = nil
	return firstErr
}
