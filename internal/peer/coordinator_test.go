package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cloudmeetx/meetrelay/internal/wire"
)

type fakeConn struct {
	mu         sync.Mutex
	offerErr   error
	answerErr  error
	candidates []wire.Candidate
	replaced   []webrtc.TrackLocal
	closed     bool
}

func (f *fakeConn) CreateOffer(context.Context) (wire.SessionDescription, error) {
	if f.offerErr != nil {
		return wire.SessionDescription{}, f.offerErr
	}
	return wire.SessionDescription{Type: "offer", SDP: "v=0 local"}, nil
}

func (f *fakeConn) AcceptOffer(_ context.Context, offer wire.SessionDescription) (wire.SessionDescription, error) {
	if f.answerErr != nil {
		return wire.SessionDescription{}, f.answerErr
	}
	return wire.SessionDescription{Type: "answer", SDP: "v=0 answer to " + offer.SDP}, nil
}

func (f *fakeConn) AcceptAnswer(wire.SessionDescription) error { return nil }

func (f *fakeConn) AddICECandidate(cand wire.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, track)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) appliedCandidates() []wire.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Candidate(nil), f.candidates...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu     sync.Mutex
	conns  []*fakeConn
	events []ConnEvents
}

func (f *fakeFactory) build(events ConnEvents) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConn{}
	f.conns = append(f.conns, conn)
	f.events = append(f.events, events)
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type sentMsg struct {
	to      string
	kind    wire.Kind
	payload any
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (s *fakeSignaler) SendTo(to string, kind wire.Kind, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMsg{to: to, kind: kind, payload: payload})
	return nil
}

func (s *fakeSignaler) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

func (s *fakeSignaler) countKind(kind wire.Kind) int {
	n := 0
	for _, m := range s.messages() {
		if m.kind == kind {
			n++
		}
	}
	return n
}

type fakeTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (ft *fakeTimers) afterFunc(_ time.Duration, f func()) *time.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fns = append(ft.fns, f)
	return time.NewTimer(time.Hour)
}

func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	f := ft.fns[i]
	ft.mu.Unlock()
	f()
}

func newTestCoordinator(t *testing.T, localUserID string) (*Coordinator, *fakeFactory, *fakeSignaler, *fakeTimers) {
	t.Helper()
	factory := &fakeFactory{}
	sig := &fakeSignaler{}
	timers := &fakeTimers{}
	c := NewCoordinator(Config{
		LocalUserID:        localUserID,
		Factory:            factory.build,
		Signaler:           sig,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		NegotiationTimeout: 30 * time.Second,
		AfterFunc:          timers.afterFunc,
	})
	return c, factory, sig, timers
}

func TestShouldInitiate(t *testing.T) {
	tests := []struct {
		local, remote string
		want          bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", false},
		{"alice", "alice", false},
		{"user-1", "user-2", true},
		{"user-2", "user-10", false}, // lexicographic, not numeric
	}
	for _, tc := range tests {
		if got := ShouldInitiate(tc.local, tc.remote); got != tc.want {
			t.Fatalf("ShouldInitiate(%q, %q) = %v, want %v", tc.local, tc.remote, got, tc.want)
		}
	}
}

func TestReadyDesignatedSideOffers(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "alice")

	if err := c.HandleReady(context.Background(), "conn-bob", "bob"); err != nil {
		t.Fatalf("ready: %v", err)
	}

	msgs := sig.messages()
	if len(msgs) != 1 || msgs[0].kind != wire.KindOffer || msgs[0].to != "conn-bob" {
		t.Fatalf("sent=%v, want one offer to conn-bob", msgs)
	}
	if factory.count() != 1 {
		t.Fatalf("conns=%d, want 1", factory.count())
	}
	if st := c.State("conn-bob"); st != StateOffering {
		t.Fatalf("state=%v, want offering", st)
	}
}

func TestReadyNonDesignatedSideRepliesReady(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "bob")

	if err := c.HandleReady(context.Background(), "conn-alice", "alice"); err != nil {
		t.Fatalf("ready: %v", err)
	}

	msgs := sig.messages()
	if len(msgs) != 1 || msgs[0].kind != wire.KindReady || msgs[0].to != "conn-alice" {
		t.Fatalf("sent=%v, want targeted ready to conn-alice", msgs)
	}
	if factory.count() != 0 {
		t.Fatal("non-designated side must not open a connection on ready")
	}
}

func TestStartOfferIdempotent(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("second offer: %v", err)
	}

	if factory.count() != 1 {
		t.Fatalf("conns=%d, want 1", factory.count())
	}
	if n := sig.countKind(wire.KindOffer); n != 1 {
		t.Fatalf("offers sent=%d, want 1", n)
	}
}

func TestGlareDesignatedIgnoresIncomingOffer(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	// Bob offered at the same time. Alice is the designated initiator and
	// drops it; her own offer stands.
	if err := c.HandleOffer(ctx, "conn-bob", "bob", wire.SessionDescription{Type: "offer", SDP: "bob sdp"}); err != nil {
		t.Fatalf("glare offer: %v", err)
	}

	if n := sig.countKind(wire.KindAnswer); n != 0 {
		t.Fatalf("answers sent=%d, want 0", n)
	}
	if factory.count() != 1 {
		t.Fatalf("conns=%d, want only the original", factory.count())
	}
	if st := c.State("conn-bob"); st != StateOffering {
		t.Fatalf("state=%v, want offering preserved", st)
	}
}

func TestGlareNonDesignatedAbandonsAndAnswers(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "bob")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-alice", "alice"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.HandleOffer(ctx, "conn-alice", "alice", wire.SessionDescription{Type: "offer", SDP: "alice sdp"}); err != nil {
		t.Fatalf("glare offer: %v", err)
	}

	if !factory.conn(0).isClosed() {
		t.Fatal("abandoned offering connection must be closed")
	}
	if n := sig.countKind(wire.KindAnswer); n != 1 {
		t.Fatalf("answers sent=%d, want 1", n)
	}
	if st := c.State("conn-alice"); st != StateConnected {
		t.Fatalf("state=%v, want connected", st)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "bob")
	ctx := context.Background()

	mid := "0"
	c1 := wire.Candidate{Candidate: "candidate:1", SDPMid: &mid}
	c2 := wire.Candidate{Candidate: "candidate:2", SDPMid: &mid}

	// Candidates race ahead of the offer: buffered.
	if err := c.HandleCandidate("conn-alice", c1); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if err := c.HandleCandidate("conn-alice", c2); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	if err := c.HandleOffer(ctx, "conn-alice", "alice", wire.SessionDescription{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	got := factory.conn(0).appliedCandidates()
	if len(got) != 2 || got[0].Candidate != "candidate:1" || got[1].Candidate != "candidate:2" {
		t.Fatalf("applied=%v, want buffered pair in arrival order", got)
	}

	// A candidate arriving after the remote description applies directly.
	c3 := wire.Candidate{Candidate: "candidate:3", SDPMid: &mid}
	if err := c.HandleCandidate("conn-alice", c3); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	got = factory.conn(0).appliedCandidates()
	if len(got) != 3 || got[2].Candidate != "candidate:3" {
		t.Fatalf("applied=%v, want direct third candidate", got)
	}
}

func TestAnswerConnectsAndDrainsOnce(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	// While offering there is no remote description: candidates buffer.
	c1 := wire.Candidate{Candidate: "candidate:1"}
	if err := c.HandleCandidate("conn-bob", c1); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if got := factory.conn(0).appliedCandidates(); len(got) != 0 {
		t.Fatalf("applied=%v, want buffered until answer", got)
	}

	if err := c.HandleAnswer("conn-bob", wire.SessionDescription{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if st := c.State("conn-bob"); st != StateConnected {
		t.Fatalf("state=%v, want connected", st)
	}
	if got := factory.conn(0).appliedCandidates(); len(got) != 1 || got[0].Candidate != "candidate:1" {
		t.Fatalf("applied=%v, want drained candidate", got)
	}

	// A duplicate answer must not drain or transition anything again.
	if err := c.HandleAnswer("conn-bob", wire.SessionDescription{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("dup answer: %v", err)
	}
	if got := factory.conn(0).appliedCandidates(); len(got) != 1 {
		t.Fatalf("applied=%v, want no re-drain", got)
	}
}

func TestUnexpectedAnswerDropped(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, "alice")

	if err := c.HandleAnswer("conn-stranger", wire.SessionDescription{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("unexpected answer must be dropped silently, got %v", err)
	}
}

func TestNegotiationTimeoutTearsDown(t *testing.T) {
	c, factory, _, timers := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	timers.fire(0)

	if st := c.State("conn-bob"); st != StateIdle {
		t.Fatalf("state=%v, want torn down to idle", st)
	}
	if !factory.conn(0).isClosed() {
		t.Fatal("timed-out connection must be closed")
	}
}

func TestTimeoutHarmlessOnceConnected(t *testing.T) {
	c, factory, _, timers := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.HandleAnswer("conn-bob", wire.SessionDescription{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	timers.fire(0)

	if st := c.State("conn-bob"); st != StateConnected {
		t.Fatalf("state=%v, want still connected", st)
	}
	if factory.conn(0).isClosed() {
		t.Fatal("connected peer must survive the stale timer")
	}
}

func TestPeerGoneCleansUp(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	c.HandlePeerGone("conn-bob")

	if !factory.conn(0).isClosed() {
		t.Fatal("departed peer's connection must be closed")
	}
	if n := len(c.Peers()); n != 0 {
		t.Fatalf("peers=%d, want 0", n)
	}

	// Buffered candidates for the dead connection are discarded.
	if err := c.HandleCandidate("conn-bob", wire.Candidate{Candidate: "candidate:9"}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	c.HandlePeerGone("conn-bob")
	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	if err := c.HandleAnswer("conn-bob", wire.SessionDescription{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := factory.conn(1).appliedCandidates(); len(got) != 0 {
		t.Fatalf("applied=%v, want stale buffer discarded", got)
	}
}

func TestLocalCandidatesForwardedToPeer(t *testing.T) {
	c, factory, sig, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	factory.mu.Lock()
	events := factory.events[0]
	factory.mu.Unlock()
	events.OnCandidate(wire.Candidate{Candidate: "candidate:local"})

	var found bool
	for _, m := range sig.messages() {
		if m.kind == wire.KindICECandidate && m.to == "conn-bob" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sent=%v, want local candidate relayed to conn-bob", sig.messages())
	}
}

func TestTransportFailureTearsDown(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	factory.mu.Lock()
	events := factory.events[0]
	factory.mu.Unlock()
	events.OnFailed()

	if st := c.State("conn-bob"); st != StateIdle {
		t.Fatalf("state=%v, want torn down", st)
	}
}

func TestReplaceVideoTrackFansOut(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	if err := c.StartOffer(ctx, "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := c.StartOffer(ctx, "conn-carol", "carol"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	c.ReplaceVideoTrack(nil)

	for i := 0; i < 2; i++ {
		conn := factory.conn(i)
		conn.mu.Lock()
		n := len(conn.replaced)
		conn.mu.Unlock()
		if n != 1 {
			t.Fatalf("conn %d replace count=%d, want 1", i, n)
		}
	}
}

func TestCloseAll(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "alice")
	ctx := context.Background()

	_ = c.StartOffer(ctx, "conn-bob", "bob")
	_ = c.StartOffer(ctx, "conn-carol", "carol")

	c.CloseAll()

	if n := len(c.Peers()); n != 0 {
		t.Fatalf("peers=%d, want 0", n)
	}
	for i := 0; i < 2; i++ {
		if !factory.conn(i).isClosed() {
			t.Fatalf("conn %d not closed", i)
		}
	}
}

func TestRemoteTrackRecordedOncePerID(t *testing.T) {
	factory := &fakeFactory{}
	sig := &fakeSignaler{}
	var notified []RemoteTrack
	c := NewCoordinator(Config{
		LocalUserID: "alice",
		Factory:     factory.build,
		Signaler:    sig,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnRemoteTrack: func(connID string, track RemoteTrack) {
			if connID != "conn-bob" {
				t.Errorf("track reported for %q, want conn-bob", connID)
			}
			notified = append(notified, track)
		},
	})

	if err := c.StartOffer(context.Background(), "conn-bob", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	factory.mu.Lock()
	events := factory.events[0]
	factory.mu.Unlock()

	audio := RemoteTrack{ID: "track-a", StreamID: "stream-bob", Kind: webrtc.RTPCodecTypeAudio}
	events.OnTrack(audio)
	events.OnTrack(audio) // pion may re-fire for the same track
	events.OnTrack(RemoteTrack{ID: "track-v", StreamID: "stream-bob", Kind: webrtc.RTPCodecTypeVideo})

	got := c.RemoteTracks("conn-bob")
	if len(got) != 2 || got[0].ID != "track-a" || got[1].ID != "track-v" {
		t.Fatalf("tracks=%v, want audio then video recorded once each", got)
	}
	if len(notified) != 2 {
		t.Fatalf("notifications=%d, want one per distinct track", len(notified))
	}

	// Tracks arriving after the peer is gone are dropped.
	c.HandlePeerGone("conn-bob")
	events.OnTrack(RemoteTrack{ID: "track-late", StreamID: "stream-bob", Kind: webrtc.RTPCodecTypeAudio})
	if got := c.RemoteTracks("conn-bob"); got != nil {
		t.Fatalf("tracks=%v, want none after teardown", got)
	}
	if len(notified) != 2 {
		t.Fatalf("notifications=%d, want no callback after teardown", len(notified))
	}
}

func TestCandidateBufferCapped(t *testing.T) {
	c, factory, _, _ := newTestCoordinator(t, "bob")
	ctx := context.Background()

	for i := 0; i < maxPendingCandidates+8; i++ {
		cand := wire.Candidate{Candidate: fmt.Sprintf("candidate:%d", i)}
		if err := c.HandleCandidate("conn-alice", cand); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
	}

	if err := c.HandleOffer(ctx, "conn-alice", "alice", wire.SessionDescription{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	got := factory.conn(0).appliedCandidates()
	if len(got) != maxPendingCandidates {
		t.Fatalf("applied=%d, want buffer capped at %d", len(got), maxPendingCandidates)
	}
	if got[len(got)-1].Candidate != fmt.Sprintf("candidate:%d", maxPendingCandidates-1) {
		t.Fatalf("last=%v, want overflow dropped, not rotated", got[len(got)-1])
	}
}

func TestOfferFailureCleansUp(t *testing.T) {
	factory := &fakeFactory{}
	sig := &fakeSignaler{}
	boom := errors.New("no codecs")

	c := NewCoordinator(Config{
		LocalUserID: "alice",
		Factory: func(events ConnEvents) (Conn, error) {
			conn, _ := factory.build(events)
			conn.(*fakeConn).offerErr = boom
			return conn, nil
		},
		Signaler: sig,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := c.StartOffer(context.Background(), "conn-bob", "bob"); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want offer failure surfaced", err)
	}
	if st := c.State("conn-bob"); st != StateIdle {
		t.Fatalf("state=%v, want cleaned up", st)
	}
}
