package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cloudmeetx/meetrelay/internal/wire"
)

// EntryState tracks one remote peer's negotiation progress.
type EntryState int

const (
	StateIdle EntryState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s EntryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Signaler sends a payload to one specific remote connection.
type Signaler interface {
	SendTo(targetConnectionID string, kind wire.Kind, payload any) error
}

// RemoteTrack describes one inbound media track received from a peer.
// Track carries the live pion track; it is nil only for synthetic tracks
// in tests.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    *webrtc.TrackRemote
}

// ConnEvents are callbacks a Conn fires as negotiation progresses. The
// coordinator wires them up before any SDP work happens.
type ConnEvents struct {
	// OnCandidate fires for each locally gathered ICE candidate.
	OnCandidate func(wire.Candidate)
	// OnTrack fires when an inbound media track starts arriving.
	OnTrack func(RemoteTrack)
	// OnFailed fires when the underlying transport fails terminally.
	OnFailed func()
}

// Conn is one peer connection to a single remote participant.
type Conn interface {
	// CreateOffer produces the local offer and sets it as the local
	// description.
	CreateOffer(ctx context.Context) (wire.SessionDescription, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer wire.SessionDescription) (wire.SessionDescription, error)
	// AcceptAnswer applies the remote answer to a connection that offered.
	AcceptAnswer(answer wire.SessionDescription) error
	AddICECandidate(cand wire.Candidate) error
	// ReplaceVideoTrack swaps the outgoing video track in place, without
	// renegotiating. Used for screen share.
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	Close() error
}

// ConnFactory builds a Conn for a new remote peer.
type ConnFactory func(events ConnEvents) (Conn, error)

// ShouldInitiate decides which of two participants sends the offer: the one
// with the lexicographically smaller user id. Both sides compute the same
// answer, which resolves offer glare deterministically.
func ShouldInitiate(localUserID, remoteUserID string) bool {
	if localUserID == remoteUserID {
		return false
	}
	return localUserID < remoteUserID
}

type entry struct {
	remoteConnID string
	remoteUserID string
	state        EntryState
	conn         Conn
	timer        *time.Timer
	drained      bool
	remote       []RemoteTrack
}

// maxPendingCandidates bounds the candidate buffer per remote connection
// id. Candidates can arrive before any entry exists, so an unbounded
// buffer would let a misbehaving sender grow memory without ever
// negotiating.
const maxPendingCandidates = 64

// Coordinator owns every peer connection of one local participant. Frames
// from the signaling channel are fed in; offers, answers, and candidates
// flow back out through the Signaler.
//
// Negotiations key on the remote connection id, not the user id: a user
// with several live sessions gets one peer connection per session.
type Coordinator struct {
	localUserID   string
	factory       ConnFactory
	sig           Signaler
	log           *slog.Logger
	timeout       time.Duration
	onRemoteTrack func(string, RemoteTrack)
	afterFunc     func(time.Duration, func()) *time.Timer

	mu      sync.Mutex
	entries map[string]*entry
	// pending buffers candidates that arrive before the remote description
	// is applied, keyed by remote connection id. Drained once, in arrival
	// order.
	pending map[string][]wire.Candidate
}

type Config struct {
	LocalUserID        string
	Factory            ConnFactory
	Signaler           Signaler
	Logger             *slog.Logger
	NegotiationTimeout time.Duration
	// OnRemoteTrack fires once per new inbound track, keyed by remote
	// connection id.
	OnRemoteTrack func(remoteConnID string, track RemoteTrack)
	// AfterFunc is swapped for a fake in tests.
	AfterFunc func(time.Duration, func()) *time.Timer
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = time.AfterFunc
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	return &Coordinator{
		localUserID:   cfg.LocalUserID,
		factory:       cfg.Factory,
		sig:           cfg.Signaler,
		log:           cfg.Logger,
		timeout:       cfg.NegotiationTimeout,
		onRemoteTrack: cfg.OnRemoteTrack,
		afterFunc:     cfg.AfterFunc,
		entries:       make(map[string]*entry),
		pending:       make(map[string][]wire.Candidate),
	}
}

// State reports the negotiation state for a remote connection id, or
// StateIdle when no negotiation exists.
func (c *Coordinator) State(remoteConnID string) EntryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[remoteConnID]; ok {
		return e.state
	}
	return StateIdle
}

// Peers lists remote connection ids with live negotiations.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// HandleReady reacts to a peer announcing itself. The designated initiator
// starts an offer; the other side replies with a targeted ready so the
// initiator learns about it.
func (c *Coordinator) HandleReady(ctx context.Context, remoteConnID, remoteUserID string) error {
	if ShouldInitiate(c.localUserID, remoteUserID) {
		return c.StartOffer(ctx, remoteConnID, remoteUserID)
	}

	c.mu.Lock()
	_, exists := c.entries[remoteConnID]
	c.mu.Unlock()
	if exists {
		return nil
	}
	return c.sig.SendTo(remoteConnID, wire.KindReady, wire.Presence{UserID: c.localUserID})
}

// StartOffer begins negotiating with a remote peer. Calling it again while
// an offer is in flight or the peer is connected is a no-op.
func (c *Coordinator) StartOffer(ctx context.Context, remoteConnID, remoteUserID string) error {
	c.mu.Lock()
	if e, ok := c.entries[remoteConnID]; ok && e.state != StateClosed {
		c.mu.Unlock()
		return nil
	}

	conn, err := c.newConnLocked(remoteConnID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	e := &entry{
		remoteConnID: remoteConnID,
		remoteUserID: remoteUserID,
		state:        StateOffering,
		conn:         conn,
	}
	c.entries[remoteConnID] = e
	c.armTimeoutLocked(e)
	c.mu.Unlock()

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		c.teardown(remoteConnID, "offer failed")
		return err
	}
	if err := c.sig.SendTo(remoteConnID, wire.KindOffer, offer); err != nil {
		c.teardown(remoteConnID, "offer send failed")
		return err
	}
	return nil
}

// HandleOffer applies a remote offer and replies with an answer.
//
// Glare: if both sides offered at once, the designated initiator ignores
// the incoming offer (the peer will answer the initiator's offer instead);
// the non-designated side abandons its own offer and answers.
func (c *Coordinator) HandleOffer(ctx context.Context, fromConnID, fromUserID string, offer wire.SessionDescription) error {
	c.mu.Lock()
	if e, ok := c.entries[fromConnID]; ok {
		switch e.state {
		case StateOffering:
			if ShouldInitiate(c.localUserID, fromUserID) {
				c.mu.Unlock()
				c.log.Debug("ignoring glare offer", "from", fromConnID)
				return nil
			}
			c.closeEntryLocked(e)
			delete(c.entries, fromConnID)
		case StateConnected, StateAnswering:
			// Renegotiation: replace the old connection.
			c.closeEntryLocked(e)
			delete(c.entries, fromConnID)
		}
	}

	conn, err := c.newConnLocked(fromConnID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	e := &entry{
		remoteConnID: fromConnID,
		remoteUserID: fromUserID,
		state:        StateAnswering,
		conn:         conn,
	}
	c.entries[fromConnID] = e
	c.armTimeoutLocked(e)
	c.mu.Unlock()

	answer, err := conn.AcceptOffer(ctx, offer)
	if err != nil {
		c.teardown(fromConnID, "answer failed")
		return err
	}
	c.drainPending(fromConnID)
	if err := c.sig.SendTo(fromConnID, wire.KindAnswer, answer); err != nil {
		c.teardown(fromConnID, "answer send failed")
		return err
	}
	c.markConnected(fromConnID)
	return nil
}

// HandleAnswer completes a negotiation this side initiated.
func (c *Coordinator) HandleAnswer(fromConnID string, answer wire.SessionDescription) error {
	c.mu.Lock()
	e, ok := c.entries[fromConnID]
	if !ok || e.state != StateOffering {
		c.mu.Unlock()
		c.log.Debug("dropping unexpected answer", "from", fromConnID)
		return nil
	}
	conn := e.conn
	c.mu.Unlock()

	if err := conn.AcceptAnswer(answer); err != nil {
		c.teardown(fromConnID, "answer apply failed")
		return err
	}
	c.drainPending(fromConnID)
	c.markConnected(fromConnID)
	return nil
}

// HandleCandidate applies a trickled remote candidate, buffering it if the
// remote description has not been applied yet.
func (c *Coordinator) HandleCandidate(fromConnID string, cand wire.Candidate) error {
	c.mu.Lock()
	e, ok := c.entries[fromConnID]
	if !ok || !c.remoteDescAppliedLocked(e) {
		if len(c.pending[fromConnID]) >= maxPendingCandidates {
			c.mu.Unlock()
			c.log.Debug("candidate buffer full, dropping", "peer", fromConnID)
			return nil
		}
		c.pending[fromConnID] = append(c.pending[fromConnID], cand)
		c.mu.Unlock()
		return nil
	}
	conn := e.conn
	c.mu.Unlock()
	return conn.AddICECandidate(cand)
}

// RemoteTracks lists the inbound tracks received from a remote connection
// so far.
func (c *Coordinator) RemoteTracks(remoteConnID string) []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[remoteConnID]
	if !ok {
		return nil
	}
	out := make([]RemoteTrack, len(e.remote))
	copy(out, e.remote)
	return out
}

// recordRemoteTrack stores an inbound track on its entry. Duplicate track
// ids (rebroadcast OnTrack events) are ignored, so each track is surfaced
// exactly once.
func (c *Coordinator) recordRemoteTrack(remoteConnID string, track RemoteTrack) {
	c.mu.Lock()
	e, ok := c.entries[remoteConnID]
	if !ok || e.state == StateClosed {
		c.mu.Unlock()
		return
	}
	for _, have := range e.remote {
		if have.ID == track.ID {
			c.mu.Unlock()
			return
		}
	}
	e.remote = append(e.remote, track)
	c.mu.Unlock()

	c.log.Info("remote track arrived", "peer", remoteConnID, "kind", track.Kind, "track_id", track.ID)
	if c.onRemoteTrack != nil {
		c.onRemoteTrack(remoteConnID, track)
	}
}

// HandlePeerGone tears down state for a departed connection.
func (c *Coordinator) HandlePeerGone(connID string) {
	c.teardown(connID, "peer left")
}

// ReplaceVideoTrack swaps the outgoing video track on every live peer
// connection. Failures on individual peers are logged, not fatal: the share
// still reaches the peers whose sender accepted the swap.
func (c *Coordinator) ReplaceVideoTrack(track webrtc.TrackLocal) {
	c.mu.Lock()
	conns := make(map[string]Conn, len(c.entries))
	for id, e := range c.entries {
		if e.state != StateClosed {
			conns[id] = e.conn
		}
	}
	c.mu.Unlock()

	for id, conn := range conns {
		if err := conn.ReplaceVideoTrack(track); err != nil {
			c.log.Warn("video track replace failed", "peer", id, "err", err)
		}
	}
}

// CloseAll tears down every negotiation.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.teardown(id, "session closed")
	}
}

// remoteDescAppliedLocked reports whether candidates can be applied
// directly. The answering side applies the remote offer immediately; the
// offering side has no remote description until the answer arrives.
func (c *Coordinator) remoteDescAppliedLocked(e *entry) bool {
	switch e.state {
	case StateAnswering, StateConnected:
		return true
	default:
		return false
	}
}

// drainPending flushes buffered candidates for a peer in arrival order.
// The buffer is cleared first so the flush happens exactly once even if
// another frame arrives mid-drain.
func (c *Coordinator) drainPending(remoteConnID string) {
	c.mu.Lock()
	e, ok := c.entries[remoteConnID]
	if !ok || e.drained {
		c.mu.Unlock()
		return
	}
	e.drained = true
	buffered := c.pending[remoteConnID]
	delete(c.pending, remoteConnID)
	conn := e.conn
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := conn.AddICECandidate(cand); err != nil {
			c.log.Warn("buffered candidate rejected", "peer", remoteConnID, "err", err)
		}
	}
}

func (c *Coordinator) markConnected(remoteConnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[remoteConnID]
	if !ok || e.state == StateClosed {
		return
	}
	e.state = StateConnected
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// newConnLocked builds a Conn whose events route back through the
// coordinator.
func (c *Coordinator) newConnLocked(remoteConnID string) (Conn, error) {
	return c.factory(ConnEvents{
		OnCandidate: func(cand wire.Candidate) {
			if err := c.sig.SendTo(remoteConnID, wire.KindICECandidate, cand); err != nil {
				c.log.Warn("candidate send failed", "peer", remoteConnID, "err", err)
			}
		},
		OnTrack: func(track RemoteTrack) {
			c.recordRemoteTrack(remoteConnID, track)
		},
		OnFailed: func() {
			c.teardown(remoteConnID, "transport failed")
		},
	})
}

func (c *Coordinator) armTimeoutLocked(e *entry) {
	remoteConnID := e.remoteConnID
	e.timer = c.afterFunc(c.timeout, func() {
		c.mu.Lock()
		stale, ok := c.entries[remoteConnID]
		if !ok || stale.state == StateConnected || stale.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.teardown(remoteConnID, "negotiation timed out")
	})
}

func (c *Coordinator) teardown(remoteConnID, reason string) {
	c.mu.Lock()
	e, ok := c.entries[remoteConnID]
	if ok {
		c.closeEntryLocked(e)
		delete(c.entries, remoteConnID)
	}
	delete(c.pending, remoteConnID)
	c.mu.Unlock()
	if ok {
		c.log.Info("peer connection closed", "peer", remoteConnID, "reason", reason)
	}
}

func (c *Coordinator) closeEntryLocked(e *entry) {
	e.state = StateClosed
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.conn != nil {
		_ = e.conn.Close()
	}
}
