package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloudmeetx/meetrelay/internal/auth"
	"github.com/cloudmeetx/meetrelay/internal/config"
	"github.com/cloudmeetx/meetrelay/internal/httpserver"
	"github.com/cloudmeetx/meetrelay/internal/metrics"
	"github.com/cloudmeetx/meetrelay/internal/ratelimit"
	"github.com/cloudmeetx/meetrelay/internal/registry"
	"github.com/cloudmeetx/meetrelay/internal/relay"
	"github.com/cloudmeetx/meetrelay/internal/wire"
)

const wsWriteWait = 5 * time.Second

// Server upgrades signaling clients to WebSocket, registers their
// connection, and pumps their routing requests through the relay.
//
// It enforces authentication plus per-connection limits: max message size,
// message rate, and an idle timeout backed by pings.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	m        *metrics.Metrics
	reg      registry.Registry
	hub      *Hub
	router   *relay.Router
	verifier auth.Verifier
	upgrader websocket.Upgrader
	clock    ratelimit.Clock
}

func NewServer(
	cfg config.Config,
	log *slog.Logger,
	m *metrics.Metrics,
	reg registry.Registry,
	hub *Hub,
	router *relay.Router,
	checkOrigin func(*http.Request) bool,
) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		m:        m,
		reg:      reg,
		hub:      hub,
		router:   router,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clock: ratelimit.RealClock{},
	}, nil
}

// connectedEvent tells a fresh client the connection id the relay assigned
// it. All subsequent frames reference peers by these ids.
type connectedEvent struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	meetingID := q.Get("meetingId")
	if meetingID == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "meetingId is required")
		return
	}

	// Browser WebSocket clients cannot set headers, so credentials arrive in
	// the query string. Reject before upgrading.
	if s.cfg.AuthMode != config.AuthModeNone {
		cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
		if err != nil {
			s.m.Inc(metrics.AuthFailure)
			httpserver.WriteJSONError(w, http.StatusUnauthorized, "missing or malformed credentials")
			return
		}
		if _, err := s.verifier.Verify(cred); err != nil {
			s.m.Inc(metrics.AuthFailure)
			httpserver.WriteJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
	}

	connID := uuid.NewString()
	rec := registry.Record{
		ConnectionID: connID,
		MeetingID:    meetingID,
		UserID:       q.Get("userId"),
		UserName:     q.Get("userName"),
		ConnectedAt:  time.Now().UTC(),
	}
	rec = rec.Normalize()

	if err := s.reg.Put(r.Context(), rec); err != nil {
		s.m.Inc(metrics.RegistryErrors)
		s.log.Error("registry put failed", "connection_id", connID, "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.deleteRecord(connID)
		return
	}

	c := newClient(connID)
	s.hub.add(c)
	s.m.Inc(metrics.ConnOpened)

	log := s.log.With("connection_id", connID, "meeting_id", meetingID, "user_id", rec.UserID)
	log.Info("signaling connection opened", "remote_addr", r.RemoteAddr)

	go s.writePump(conn, c, log)

	s.sendJSON(c, connectedEvent{
		Event:        "connected",
		ConnectionID: connID,
		UserID:       rec.UserID,
		UserName:     rec.UserName,
	})
	s.announcePresence(r.Context(), connID, meetingID, wire.KindUserJoined, rec)

	s.readPump(r.Context(), conn, c, rec, log)

	// Read pump returned: connection is gone. Purge the record before the
	// leave broadcast so the fan-out does not count this connection.
	s.hub.remove(connID)
	s.deleteRecord(connID)
	s.announcePresence(context.Background(), connID, meetingID, wire.KindUserLeft, rec)
	s.m.Inc(metrics.ConnClosed)
	log.Info("signaling connection closed")
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, c *client, rec registry.Record, log *slog.Logger) {
	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	resetDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(
		s.clock,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond),
	)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read error", "err", err)
			}
			return
		}
		resetDeadline()

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.m.Inc(metrics.RateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		req, err := wire.ParseSendRequest(msg)
		if err != nil {
			s.m.Inc(metrics.BadRequest)
			s.sendJSON(c, wire.NewError("bad_request", err.Error()))
			continue
		}

		receipt, err := s.router.Route(ctx, c.connID, req)
		if err != nil {
			s.m.Inc(metrics.BadRequest)
			s.sendJSON(c, wire.NewError("bad_request", err.Error()))
			continue
		}
		s.sendJSON(c, receipt)
	}
}

func (s *Server) writePump(conn *websocket.Conn, c *client, log *slog.Logger) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("write error", "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done():
			writeClose(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

// announcePresence broadcasts a user-joined or user-left frame to the rest
// of the meeting on behalf of connID. Best-effort.
func (s *Server) announcePresence(ctx context.Context, connID, meetingID string, kind wire.Kind, rec registry.Record) {
	data, err := json.Marshal(wire.Presence{UserID: rec.UserID, UserName: rec.UserName})
	if err != nil {
		return
	}
	_, err = s.router.Route(ctx, connID, wire.SendRequest{
		Action:    wire.ActionSendMessage,
		MeetingID: meetingID,
		Type:      kind,
		Data:      data,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("presence broadcast failed", "connection_id", connID, "kind", kind, "err", err)
	}
}

func (s *Server) sendJSON(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.trySend(payload) {
		s.log.Warn("dropping frame, send buffer full", "connection_id", c.connID)
	}
}

func (s *Server) deleteRecord(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.reg.Delete(ctx, connID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.m.Inc(metrics.RegistryErrors)
		s.log.Error("registry delete failed", "connection_id", connID, "err", err)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
