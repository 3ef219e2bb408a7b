package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudmeetx/meetrelay/internal/metrics"
	"github.com/cloudmeetx/meetrelay/internal/registry"
	"github.com/cloudmeetx/meetrelay/internal/wire"
)

// fakeDeliverer records deliveries and fails the connection ids listed in
// gone (with ErrGone) or broken (with a generic error).
type fakeDeliverer struct {
	delivered map[string][][]byte
	gone      map[string]bool
	broken    map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		delivered: make(map[string][][]byte),
		gone:      make(map[string]bool),
		broken:    make(map[string]bool),
	}
}

func (d *fakeDeliverer) Deliver(_ context.Context, connID string, payload []byte) error {
	if d.gone[connID] {
		return ErrGone
	}
	if d.broken[connID] {
		return errors.New("write failed")
	}
	d.delivered[connID] = append(d.delivered[connID], payload)
	return nil
}

func setup(t *testing.T) (*Router, *registry.Memory, *fakeDeliverer) {
	t.Helper()
	reg := registry.NewMemory()
	d := newFakeDeliverer()
	return NewRouter(reg, d, nil, metrics.New()), reg, d
}

func put(t *testing.T, reg *registry.Memory, connID, meetingID, userID, userName string) {
	t.Helper()
	err := reg.Put(context.Background(), registry.Record{
		ConnectionID: connID,
		MeetingID:    meetingID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("put %s: %v", connID, err)
	}
}

func chatTo(selector func(*wire.SendRequest)) wire.SendRequest {
	req := wire.SendRequest{
		Action: wire.ActionSendMessage,
		Type:   wire.KindChat,
		Data:   json.RawMessage(`{"text":"hi"}`),
	}
	selector(&req)
	return req
}

func TestRoute_BroadcastExcludesSender(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")
	put(t, reg, "c2", "M1", "U2", "Grace")

	req := chatTo(func(r *wire.SendRequest) { r.MeetingID = "M1" })
	req.Type = wire.KindOffer
	req.Data = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	receipt, err := r.Route(context.Background(), "c2", req)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 1 || receipt.Failed != 0 {
		t.Fatalf("receipt = %+v, want sent=1 failed=0", receipt)
	}
	if len(d.delivered["c1"]) != 1 {
		t.Fatalf("c1 got %d frames, want 1", len(d.delivered["c1"]))
	}
	if len(d.delivered["c2"]) != 0 {
		t.Fatal("broadcast must not loop back to sender")
	}
}

func TestRoute_StampsSenderIdentity(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")
	put(t, reg, "c2", "M1", "U2", "Grace")

	_, err := r.Route(context.Background(), "c2", chatTo(func(r *wire.SendRequest) { r.MeetingID = "M1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	var frame wire.Frame
	if err := json.Unmarshal(d.delivered["c1"][0], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.From.ConnectionID != "c2" || frame.From.UserID != "U2" || frame.From.UserName != "Grace" {
		t.Fatalf("from = %+v, want sender's registry identity", frame.From)
	}
	if frame.Type != wire.KindChat {
		t.Fatalf("type = %q, want chat", frame.Type)
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("frame timestamp not stamped")
	}
}

func TestRoute_MissingSenderDegradesGracefully(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")

	// Sender "ghost" has no registry record; the frame still relays.
	receipt, err := r.Route(context.Background(), "ghost", chatTo(func(r *wire.SendRequest) { r.MeetingID = "M1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 1 {
		t.Fatalf("receipt = %+v, want sent=1", receipt)
	}

	var frame wire.Frame
	_ = json.Unmarshal(d.delivered["c1"][0], &frame)
	if frame.From.ConnectionID != "ghost" || frame.From.UserID != "" || frame.From.UserName != "" {
		t.Fatalf("from = %+v, want empty identity fields", frame.From)
	}
}

func TestRoute_UserSelectorHitsEverySession(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")
	put(t, reg, "c2", "M2", "U1", "Ada") // same user, second session
	put(t, reg, "c3", "M1", "U2", "Grace")

	receipt, err := r.Route(context.Background(), "c3", chatTo(func(r *wire.SendRequest) { r.TargetUserID = "U1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 2 || receipt.Failed != 0 {
		t.Fatalf("receipt = %+v, want both of U1's sessions", receipt)
	}
	if len(d.delivered["c1"]) != 1 || len(d.delivered["c2"]) != 1 {
		t.Fatal("both sessions must receive the frame")
	}
	if len(d.delivered["c3"]) != 0 {
		t.Fatal("non-target must not receive the frame")
	}
}

func TestRoute_ConnectionSelectorSkipsRegistry(t *testing.T) {
	r, _, d := setup(t)

	// No registry record at all; direct connection targeting still attempts
	// delivery and succeeds if the channel exists.
	receipt, err := r.Route(context.Background(), "c9", chatTo(func(r *wire.SendRequest) { r.TargetConnectionID = "c1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 1 {
		t.Fatalf("receipt = %+v, want sent=1", receipt)
	}
	if len(d.delivered["c1"]) != 1 {
		t.Fatal("target connection did not receive the frame")
	}
}

func TestRoute_StaleTargetPurgedAndCounted(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")
	put(t, reg, "c2", "M1", "U2", "Grace")
	put(t, reg, "c3", "M1", "U3", "Linus")
	d.gone["c2"] = true

	receipt, err := r.Route(context.Background(), "c1", chatTo(func(r *wire.SendRequest) { r.MeetingID = "M1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 1 || receipt.Failed != 1 {
		t.Fatalf("receipt = %+v, want partial success sent=1 failed=1", receipt)
	}
	if len(d.delivered["c3"]) != 1 {
		t.Fatal("failure to one target must not block the others")
	}
	if _, err := reg.Get(context.Background(), "c2"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("stale record not purged: %v", err)
	}
	// Non-stale records survive.
	if _, err := reg.Get(context.Background(), "c3"); err != nil {
		t.Fatalf("live record purged: %v", err)
	}
}

func TestRoute_NonGoneFailureDoesNotPurge(t *testing.T) {
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "Ada")
	put(t, reg, "c2", "M1", "U2", "Grace")
	d.broken["c2"] = true

	receipt, err := r.Route(context.Background(), "c1", chatTo(func(r *wire.SendRequest) { r.MeetingID = "M1" }))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Failed != 1 {
		t.Fatalf("receipt = %+v, want failed=1", receipt)
	}
	if _, err := reg.Get(context.Background(), "c2"); err != nil {
		t.Fatalf("generic write failure must not purge the record: %v", err)
	}
}

func TestRoute_MalformedSelectorRejected(t *testing.T) {
	r, _, _ := setup(t)

	req := wire.SendRequest{Type: wire.KindChat, Data: json.RawMessage(`{}`)}
	if _, err := r.Route(context.Background(), "c1", req); !errors.Is(err, wire.ErrBadSelector) {
		t.Fatalf("got %v, want ErrBadSelector", err)
	}

	req = wire.SendRequest{MeetingID: "M1", TargetUserID: "U1", Type: wire.KindChat, Data: json.RawMessage(`{}`)}
	if _, err := r.Route(context.Background(), "c1", req); !errors.Is(err, wire.ErrBadSelector) {
		t.Fatalf("got %v, want ErrBadSelector for double selector", err)
	}
}

func TestRoute_ExampleScenario(t *testing.T) {
	// Spec'd end-to-end example: two participants, B broadcasts an offer,
	// the relay resolves {c1} and reports {sent:1, failed:0}.
	r, reg, d := setup(t)
	put(t, reg, "c1", "M1", "U1", "")
	put(t, reg, "c2", "M1", "U2", "")

	receipt, err := r.Route(context.Background(), "c2", wire.SendRequest{
		Action:    wire.ActionSendMessage,
		MeetingID: "M1",
		Type:      wire.KindOffer,
		Data:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if receipt.Sent != 1 || receipt.Failed != 0 {
		t.Fatalf("receipt = %+v, want {sent:1, failed:0}", receipt)
	}
	if len(d.delivered["c1"]) != 1 || len(d.delivered["c2"]) != 0 {
		t.Fatal("offer must reach c1 only")
	}
}
