// Package meetings is the REST surface around meeting lifecycle and chat
// history. Records live in Redis with per-kind TTLs; signaling does not
// depend on any of this.
package meetings

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

var ErrNotFound = errors.New("meeting not found")

// Status is a meeting's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Participant struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Meeting struct {
	ID           string        `json:"meetingId"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	HostID       string        `json:"hostId"`
	HostName     string        `json:"hostName,omitempty"`
	Status       Status        `json:"status"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type ChatMessage struct {
	ID        string    `json:"messageId"`
	MeetingID string    `json:"meetingId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	SentAt    time.Time `json:"sentAt"`
}

// Store persists meetings and chat history.
type Store interface {
	PutMeeting(ctx context.Context, m Meeting) error
	GetMeeting(ctx context.Context, id string) (Meeting, error)
	// ListMeetings returns meetings newest first. An empty status matches
	// all of them.
	ListMeetings(ctx context.Context, status Status, limit int) ([]Meeting, error)
	AppendChat(ctx context.Context, msg ChatMessage) error
	// ChatHistory returns the most recent messages, newest first.
	ChatHistory(ctx context.Context, meetingID string, limit int) ([]ChatMessage, error)
}

// NewMeetingID returns an 8-hex-char meeting id, short enough to read out
// loud on a call.
func NewMeetingID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(err) // the OS entropy source is gone
	}
	return hex.EncodeToString(b)
}
