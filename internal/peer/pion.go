package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/cloudmeetx/meetrelay/internal/wire"
)

// TrackProvider supplies the local media tracks attached to each new peer
// connection.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// NewPionFactory returns a ConnFactory backed by pion PeerConnections. Each
// connection gets the provider's current tracks attached before any SDP is
// produced, so they are present in the first offer.
func NewPionFactory(iceServers []webrtc.ICEServer, tracks TrackProvider) (ConnFactory, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return func(events ConnEvents) (Conn, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}

		p := &pionConn{pc: pc}

		if tracks != nil {
			for _, track := range tracks.Tracks() {
				sender, err := pc.AddTrack(track)
				if err != nil {
					_ = pc.Close()
					return nil, fmt.Errorf("add track %s: %w", track.Kind(), err)
				}
				if track.Kind() == webrtc.RTPCodecTypeVideo {
					p.videoSender = sender
				}
			}
		}

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			// nil marks end of gathering.
			if cand == nil || events.OnCandidate == nil {
				return
			}
			init := cand.ToJSON()
			events.OnCandidate(wire.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if events.OnTrack == nil {
				return
			}
			events.OnTrack(RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     track.Kind(),
				Track:    track,
			})
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				if events.OnFailed != nil {
					events.OnFailed()
				}
			}
		})

		return p, nil
	}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
}

func (p *pionConn) CreateOffer(ctx context.Context) (wire.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return wire.SessionDescription{}, err
	}
	return wire.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionConn) AcceptOffer(ctx context.Context, offer wire.SessionDescription) (wire.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}); err != nil {
		return wire.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return wire.SessionDescription{}, err
	}
	return wire.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionConn) AcceptAnswer(answer wire.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	})
}

func (p *pionConn) AddICECandidate(cand wire.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// ReplaceVideoTrack swaps the video sender's outgoing track. A connection
// with no video sender (audio-only fallback) is left untouched.
func (p *pionConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.ReplaceTrack(track)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}
