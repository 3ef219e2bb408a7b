package meetings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cloudmeetx/meetrelay/internal/auth"
	"github.com/cloudmeetx/meetrelay/internal/config"
	"github.com/cloudmeetx/meetrelay/internal/httpserver"
)

const (
	defaultMeetingLimit = 20
	defaultChatLimit    = 50
	maxListLimit        = 100
)

// Handler serves the meeting lifecycle and chat REST endpoints.
type Handler struct {
	log      *slog.Logger
	cfg      config.Config
	store    Store
	verifier auth.Verifier

	// now and newID are swapped for deterministic values in tests.
	now   func() time.Time
	newID func() string
}

func NewHandler(log *slog.Logger, cfg config.Config, store Store, verifier auth.Verifier) *Handler {
	return &Handler{
		log:      log,
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    NewMeetingID,
	}
}

// Register mounts the REST routes. wrap is the server's origin policy
// middleware; pass the identity function to skip it.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return wrap(auth.Require(h.cfg.AuthMode, h.verifier, next))
	}

	mux.HandleFunc("POST /api/meetings", authed(h.createMeeting))
	mux.HandleFunc("GET /api/meetings", wrap(h.listMeetings))
	mux.HandleFunc("GET /api/meetings/{meetingId}", wrap(h.getMeeting))
	mux.HandleFunc("POST /api/meetings/{meetingId}/join", authed(h.joinMeeting))
	mux.HandleFunc("POST /api/chat", authed(h.postChat))
	mux.HandleFunc("GET /api/chat", wrap(h.chatHistory))
	if h.cfg.AuthMode == config.AuthModeJWT {
		mux.HandleFunc("POST /api/auth/login", wrap(h.login))
	}
}

func (h *Handler) createMeeting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		HostID      string `json:"hostId"`
		HostName    string `json:"hostName"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" || req.HostID == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "title and hostId are required")
		return
	}

	now := h.now()
	m := Meeting{
		ID:          h.newID(),
		Title:       req.Title,
		Description: req.Description,
		HostID:      req.HostID,
		HostName:    req.HostName,
		Status:      StatusActive,
		Participants: []Participant{
			{UserID: req.HostID, UserName: req.HostName, JoinedAt: now},
		},
		CreatedAt: now,
	}
	if err := h.store.PutMeeting(r.Context(), m); err != nil {
		h.log.Error("create meeting failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.log.Info("meeting created", "meeting_id", m.ID, "host_id", m.HostID)
	httpserver.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) getMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMeeting(r.Context(), r.PathValue("meetingId"))
	if errors.Is(err, ErrNotFound) {
		httpserver.WriteJSONError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		h.log.Error("get meeting failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) listMeetings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := Status(q.Get("status"))
	if status != "" && status != StatusActive && status != StatusEnded {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	limit, err := parseLimit(q.Get("limit"), defaultMeetingLimit)
	if err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.store.ListMeetings(r.Context(), status, limit)
	if err != nil {
		h.log.Error("list meetings failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if out == nil {
		out = []Meeting{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"meetings": out})
}

func (h *Handler) joinMeeting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	m, err := h.store.GetMeeting(r.Context(), r.PathValue("meetingId"))
	if errors.Is(err, ErrNotFound) {
		httpserver.WriteJSONError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		h.log.Error("join meeting failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if m.Status != StatusActive {
		httpserver.WriteJSONError(w, http.StatusConflict, "meeting has ended")
		return
	}

	already := false
	for _, p := range m.Participants {
		if p.UserID == req.UserID {
			already = true
			break
		}
	}
	if !already {
		m.Participants = append(m.Participants, Participant{
			UserID:   req.UserID,
			UserName: req.UserName,
			JoinedAt: h.now(),
		})
		if err := h.store.PutMeeting(r.Context(), m); err != nil {
			h.log.Error("record participant failed", "err", err)
			httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	httpserver.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) postChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MeetingID string `json:"meetingId"`
		UserID    string `json:"userId"`
		UserName  string `json:"userName"`
		Content   string `json:"content"`
		Type      string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MeetingID == "" || req.UserID == "" || req.Content == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "meetingId, userId and content are required")
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}

	msg := ChatMessage{
		ID:        uuid.NewString(),
		MeetingID: req.MeetingID,
		UserID:    req.UserID,
		UserName:  req.UserName,
		Content:   req.Content,
		Type:      req.Type,
		SentAt:    h.now(),
	}
	if err := h.store.AppendChat(r.Context(), msg); err != nil {
		h.log.Error("save chat failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, msg)
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	meetingID := q.Get("meetingId")
	if meetingID == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "meetingId is required")
		return
	}
	limit, err := parseLimit(q.Get("limit"), defaultChatLimit)
	if err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.store.ChatHistory(r.Context(), meetingID, limit)
	if err != nil {
		h.log.Error("chat history failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// login mints a short-lived token for a caller-chosen identity. It exists
// for demos and smoke tests; a deployment fronted by a real identity
// provider leaves the route unregistered by not using jwt auth mode here.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	token, err := auth.Sign(h.cfg.JWTSecret, req.UserID, 24*time.Hour)
	if err != nil {
		h.log.Error("token mint failed", "err", err)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, "could not mint token")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
