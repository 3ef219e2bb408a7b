// Package meeting composes the signaling transport, the peer coordinator,
// and local media capture into a single joinable meeting session.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cloudmeetx/meetrelay/internal/media"
	"github.com/cloudmeetx/meetrelay/internal/peer"
	"github.com/cloudmeetx/meetrelay/internal/sigclient"
	"github.com/cloudmeetx/meetrelay/internal/wire"
)

var (
	ErrAlreadyJoined = errors.New("session already joined")
	ErrNotJoined     = errors.New("session not joined")
)

// Options configures a Session. URL, MeetingID and UserID are required;
// everything else has working defaults.
type Options struct {
	// URL is the signaling endpoint, e.g. ws://host/ws/signal.
	URL       string
	MeetingID string
	UserID    string
	UserName  string
	// Credential is sent as a query parameter because browser WebSocket
	// clients cannot set headers. A JWT goes out as token, an API key as
	// apiKey.
	Token  string
	APIKey string

	Devices            media.Devices
	ICEServers         []webrtc.ICEServer
	NegotiationTimeout time.Duration

	// Factory overrides the pion-backed peer connection factory. Tests
	// inject fakes here.
	Factory peer.ConnFactory
	// Dialer and AfterFunc are swapped for fakes in tests.
	Dialer    sigclient.Dialer
	AfterFunc func(time.Duration, func()) *time.Timer

	Logger *slog.Logger

	OnChat              func(from wire.Identity, data json.RawMessage)
	OnRemoteTrack       func(connID string, track peer.RemoteTrack)
	OnEvent             func(from wire.Identity, data json.RawMessage)
	OnScreenShare       func(from wire.Identity, status string)
	OnParticipantJoined func(wire.Identity)
	OnParticipantLeft   func(wire.Identity)
	// OnConnectionLost fires once, after the transport has exhausted its
	// reconnect attempts. The session is unusable afterwards.
	OnConnectionLost func()
}

// Session is one participant's view of a meeting: a signaling connection,
// a peer connection per remote participant, and the local media tracks.
type Session struct {
	opts Options
	log  *slog.Logger

	client *sigclient.Client
	coord  *peer.Coordinator
	ctrl   *media.Controller

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	joined       bool
	connectionID string
	participants map[string]wire.Identity
	sharing      map[string]bool
}

func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("missing signaling URL")
	}
	if opts.MeetingID == "" {
		return nil, fmt.Errorf("missing meeting id")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("missing user id")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("missing media devices")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:         opts,
		log:          opts.Logger.With("meeting_id", opts.MeetingID, "user_id", opts.UserID),
		participants: make(map[string]wire.Identity),
		sharing:      make(map[string]bool),
	}, nil
}

// Join acquires local media and starts the signaling transport. It returns
// once the connect attempt is in flight; connection progress is reported
// through the Options callbacks. ctx bounds media acquisition only.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return ErrAlreadyJoined
	}

	src, hasVideo, err := media.Acquire(ctx, s.opts.Devices, s.log)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	ctrl := media.NewController(src, hasVideo)

	factory := s.opts.Factory
	if factory == nil {
		factory, err = peer.NewPionFactory(s.opts.ICEServers, ctrl)
		if err != nil {
			ctrl.Close()
			return fmt.Errorf("build peer factory: %w", err)
		}
	}

	endpoint, err := s.signalURL()
	if err != nil {
		ctrl.Close()
		return err
	}

	s.ctrl = ctrl
	s.coord = peer.NewCoordinator(peer.Config{
		LocalUserID:        s.opts.UserID,
		Factory:            factory,
		Signaler:           transportSignaler{s},
		Logger:             s.log,
		NegotiationTimeout: s.opts.NegotiationTimeout,
		OnRemoteTrack:      s.opts.OnRemoteTrack,
	})
	s.client = sigclient.New(endpoint, sigclient.Options{
		Dialer:    s.opts.Dialer,
		AfterFunc: s.opts.AfterFunc,
		OnFrame:   s.handleFrame,
		OnStatus:  s.handleStatus,
		Logger:    s.log,
	})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.joined = true
	s.client.Connect(s.ctx)
	return nil
}

// Leave tears the session down. Remote participants learn of it from the
// relay's user-left announcement when the socket drops.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = false
	client, coord, ctrl, cancel := s.client, s.coord, s.ctrl, s.cancel
	s.mu.Unlock()

	coord.CloseAll()
	client.Close()
	ctrl.Close()
	cancel()
}

// ConnectionID is the relay-assigned connection id, empty until the
// connected event has arrived.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// Participants lists every remote participant seen so far, ordered by
// connection id.
func (s *Session) Participants() []wire.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Identity, 0, len(s.participants))
	for _, ident := range s.participants {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// IsSharing reports whether the given remote connection has an active
// screen share.
func (s *Session) IsSharing(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing[connID]
}

// RemoteTracks lists the inbound media tracks received from one remote
// connection so far.
func (s *Session) RemoteTracks(connID string) []peer.RemoteTrack {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.RemoteTracks(connID)
}

// SendChat broadcasts a chat message to the meeting.
func (s *Session) SendChat(content string) error {
	if _, _, err := s.live(); err != nil {
		return err
	}
	return s.broadcast(wire.KindChat, struct {
		Content string `json:"content"`
	}{Content: content})
}

// StartScreenShare captures the display, swaps it in as the outgoing video
// track on every peer connection, and announces it to the meeting.
func (s *Session) StartScreenShare(ctx context.Context) error {
	coord, ctrl, err := s.live()
	if err != nil {
		return err
	}
	track, err := ctrl.StartScreenShare(ctx, s.opts.Devices)
	if err != nil {
		return err
	}
	coord.ReplaceVideoTrack(track)
	return s.broadcast(wire.KindScreenShare, wire.ScreenShare{Status: "started"})
}

// StopScreenShare restores the camera track, or stops outgoing video for
// an audio-only session, and announces it.
func (s *Session) StopScreenShare() error {
	coord, ctrl, err := s.live()
	if err != nil {
		return err
	}
	restore := ctrl.StopScreenShare()
	coord.ReplaceVideoTrack(restore)
	return s.broadcast(wire.KindScreenShare, wire.ScreenShare{Status: "stopped"})
}

// ToggleMic and ToggleCamera flip the local mute flags. Before Join both
// report the disabled state.
func (s *Session) ToggleMic() bool {
	_, ctrl, err := s.live()
	if err != nil {
		return false
	}
	return ctrl.ToggleMic()
}

func (s *Session) ToggleCamera() bool {
	_, ctrl, err := s.live()
	if err != nil {
		return false
	}
	return ctrl.ToggleCamera()
}

// live returns the session's coordinator and media controller, or
// ErrNotJoined outside the Join/Leave window.
func (s *Session) live() (*peer.Coordinator, *media.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return nil, nil, ErrNotJoined
	}
	return s.coord, s.ctrl, nil
}

func (s *Session) signalURL() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse signaling URL: %w", err)
	}
	q := u.Query()
	q.Set("meetingId", s.opts.MeetingID)
	q.Set("userId", s.opts.UserID)
	if s.opts.UserName != "" {
		q.Set("userName", s.opts.UserName)
	}
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	if s.opts.APIKey != "" {
		q.Set("apiKey", s.opts.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// transportSignaler lets the coordinator send targeted frames through the
// signaling transport.
type transportSignaler struct{ s *Session }

func (t transportSignaler) SendTo(target string, kind wire.Kind, payload any) error {
	return t.s.send(wire.SendRequest{
		Action:             wire.ActionSendMessage,
		TargetConnectionID: target,
		Type:               kind,
	}, payload)
}

func (s *Session) broadcast(kind wire.Kind, payload any) error {
	return s.send(wire.SendRequest{
		Action:    wire.ActionSendMessage,
		MeetingID: s.opts.MeetingID,
		Type:      kind,
	}, payload)
}

func (s *Session) send(req wire.SendRequest, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", req.Type, err)
	}
	req.Data = data
	return s.client.Send(req)
}

func (s *Session) handleStatus(st sigclient.Status) {
	switch st.State {
	case sigclient.StateOpen:
		// Announce on every open: reconnects re-advertise presence and
		// StartOffer is idempotent on the receiving side.
		err := s.broadcast(wire.KindReady, wire.Presence{
			UserID:   s.opts.UserID,
			UserName: s.opts.UserName,
		})
		if err != nil {
			s.log.Warn("ready announcement failed", "err", err)
		}
	case sigclient.StateGivingUp:
		s.log.Error("signaling transport gave up")
		if s.opts.OnConnectionLost != nil {
			s.opts.OnConnectionLost()
		}
	}
}

func (s *Session) handleFrame(payload []byte) {
	var head struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		s.log.Warn("unparseable signaling message", "err", err)
		return
	}

	switch {
	case head.Event == "connected":
		s.handleConnected(payload)
		return
	case head.Type == wire.TypeReceipt:
		return
	case head.Type == wire.TypeError:
		var ef wire.ErrorFrame
		if err := json.Unmarshal(payload, &ef); err == nil {
			s.log.Warn("relay rejected a request", "code", ef.Code, "message", ef.Message)
		}
		return
	}

	var frame wire.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		s.log.Warn("unparseable frame", "err", err)
		return
	}
	if frame.From.ConnectionID == "" || frame.From.ConnectionID == s.ConnectionID() {
		return
	}
	s.dispatch(frame)
}

func (s *Session) handleConnected(payload []byte) {
	var ev struct {
		ConnectionID string `json:"connectionId"`
		UserID       string `json:"userId"`
		UserName     string `json:"userName"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn("unparseable connected event", "err", err)
		return
	}
	s.mu.Lock()
	s.connectionID = ev.ConnectionID
	s.mu.Unlock()
	s.log.Info("signaling connection established", "connection_id", ev.ConnectionID)
}

func (s *Session) dispatch(frame wire.Frame) {
	from := frame.From
	switch frame.Type {
	case wire.KindOffer:
		var sdp wire.SessionDescription
		if err := json.Unmarshal(frame.Data, &sdp); err != nil {
			s.log.Warn("bad offer payload", "from", from.ConnectionID, "err", err)
			return
		}
		s.trackParticipant(from)
		if err := s.coord.HandleOffer(s.ctx, from.ConnectionID, from.UserID, sdp); err != nil {
			s.log.Warn("offer handling failed", "from", from.ConnectionID, "err", err)
		}
	case wire.KindAnswer:
		var sdp wire.SessionDescription
		if err := json.Unmarshal(frame.Data, &sdp); err != nil {
			s.log.Warn("bad answer payload", "from", from.ConnectionID, "err", err)
			return
		}
		if err := s.coord.HandleAnswer(from.ConnectionID, sdp); err != nil {
			s.log.Warn("answer handling failed", "from", from.ConnectionID, "err", err)
		}
	case wire.KindICECandidate:
		var cand wire.Candidate
		if err := json.Unmarshal(frame.Data, &cand); err != nil {
			s.log.Warn("bad candidate payload", "from", from.ConnectionID, "err", err)
			return
		}
		if err := s.coord.HandleCandidate(from.ConnectionID, cand); err != nil {
			s.log.Warn("candidate handling failed", "from", from.ConnectionID, "err", err)
		}
	case wire.KindReady, wire.KindUserJoined:
		var p wire.Presence
		_ = json.Unmarshal(frame.Data, &p)
		ident := wire.Identity{
			ConnectionID: from.ConnectionID,
			UserID:       firstNonEmpty(p.UserID, from.UserID),
			UserName:     firstNonEmpty(p.UserName, from.UserName),
		}
		if s.trackParticipant(ident) && s.opts.OnParticipantJoined != nil {
			s.opts.OnParticipantJoined(ident)
		}
		if err := s.coord.HandleReady(s.ctx, ident.ConnectionID, ident.UserID); err != nil {
			s.log.Warn("ready handling failed", "from", from.ConnectionID, "err", err)
		}
	case wire.KindUserLeft:
		s.coord.HandlePeerGone(from.ConnectionID)
		s.mu.Lock()
		delete(s.sharing, from.ConnectionID)
		s.mu.Unlock()
		if ident, ok := s.forgetParticipant(from.ConnectionID); ok && s.opts.OnParticipantLeft != nil {
			s.opts.OnParticipantLeft(ident)
		}
	case wire.KindScreenShare:
		var ss wire.ScreenShare
		if err := json.Unmarshal(frame.Data, &ss); err != nil {
			s.log.Warn("bad screen-share payload", "from", from.ConnectionID, "err", err)
			return
		}
		s.mu.Lock()
		if ss.Status == "started" {
			s.sharing[from.ConnectionID] = true
		} else {
			delete(s.sharing, from.ConnectionID)
		}
		s.mu.Unlock()
		if s.opts.OnScreenShare != nil {
			s.opts.OnScreenShare(from, ss.Status)
		}
	case wire.KindChat:
		if s.opts.OnChat != nil {
			s.opts.OnChat(from, frame.Data)
		}
	case wire.KindEvent:
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(from, frame.Data)
		}
	default:
		s.log.Debug("ignoring frame of unknown type", "type", frame.Type)
	}
}

// trackParticipant records a remote identity, reporting whether it was new.
func (s *Session) trackParticipant(ident wire.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.participants[ident.ConnectionID]
	s.participants[ident.ConnectionID] = ident
	return !known
}

func (s *Session) forgetParticipant(connID string) (wire.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.participants[connID]
	if ok {
		delete(s.participants, connID)
	}
	return ident, ok
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
