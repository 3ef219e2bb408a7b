// meetprobe is a headless meeting participant for smoke-testing a deployed
// relay: it joins a meeting with a synthetic media source, answers whatever
// negotiation comes its way, and reports what it saw.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/cloudmeetx/meetrelay/internal/media"
	"github.com/cloudmeetx/meetrelay/internal/meeting"
	"github.com/cloudmeetx/meetrelay/internal/peer"
	"github.com/cloudmeetx/meetrelay/internal/wire"
)

func main() {
	fs := flag.NewFlagSet("meetprobe", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:8080/ws/signal", "signaling endpoint")
	meetingID := fs.String("meeting", "", "meeting id to join (required)")
	userID := fs.String("user", "", "user id (default: random)")
	userName := fs.String("name", "probe", "display name")
	token := fs.String("token", "", "bearer token for jwt auth mode")
	apiKey := fs.String("api-key", "", "api key for api_key auth mode")
	stun := fs.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
	duration := fs.Duration("duration", 30*time.Second, "how long to stay in the meeting")
	chat := fs.String("chat", "", "optional chat message to broadcast after joining")
	_ = fs.Parse(os.Args[1:])

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *meetingID == "" {
		fmt.Fprintln(os.Stderr, "meetprobe: -meeting is required")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = "probe-" + uuid.NewString()[:8]
	}

	sess, err := meeting.NewSession(meeting.Options{
		URL:        *url,
		MeetingID:  *meetingID,
		UserID:     *userID,
		UserName:   *userName,
		Token:      *token,
		APIKey:     *apiKey,
		Devices:    media.StaticDevices{},
		ICEServers: []webrtc.ICEServer{{URLs: []string{*stun}}},
		Logger:     log,
		OnParticipantJoined: func(p wire.Identity) {
			log.Info("participant joined", "user_id", p.UserID, "connection_id", p.ConnectionID)
		},
		OnParticipantLeft: func(p wire.Identity) {
			log.Info("participant left", "user_id", p.UserID)
		},
		OnChat: func(from wire.Identity, data json.RawMessage) {
			log.Info("chat received", "from", from.UserID, "data", string(data))
		},
		OnScreenShare: func(from wire.Identity, status string) {
			log.Info("screen share", "from", from.UserID, "status", status)
		},
		OnRemoteTrack: func(connID string, track peer.RemoteTrack) {
			log.Info("remote track", "connection_id", connID, "track_id", track.ID,
				"stream_id", track.StreamID, "kind", track.Kind.String())
		},
		OnConnectionLost: func() {
			log.Error("relay unreachable, giving up")
			os.Exit(1)
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "meetprobe:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Join(ctx); err != nil {
		log.Error("join failed", "err", err)
		os.Exit(1)
	}
	log.Info("joined meeting", "meeting_id", *meetingID, "user_id", *userID)

	if *chat != "" {
		// Give the transport a moment to open before the one-shot message.
		time.Sleep(time.Second)
		if err := sess.SendChat(*chat); err != nil {
			log.Warn("chat send failed", "err", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-time.After(*duration):
	}

	for _, p := range sess.Participants() {
		log.Info("saw participant", "user_id", p.UserID, "connection_id", p.ConnectionID,
			"tracks", len(sess.RemoteTracks(p.ConnectionID)))
	}
	sess.Leave()
}
