// Package registry maps live signaling connection ids to session metadata.
//
// Records are written on channel open, deleted best-effort on channel close,
// and purged lazily when the relay detects a stale delivery. There is no
// heartbeat; the TTL is the backstop for connections that vanish without
// either of those happening.
package registry

import (
	"context"
	"errors"
	"time"
)

// TTL bounds a record's lifetime. Eviction is background/lazy, never
// transactional.
const TTL = 24 * time.Hour

// DefaultUserName is used when the client supplied no display name.
const DefaultUserName = "Anonymous"

var ErrNotFound = errors.New("connection not found")

// Record describes one active signaling connection.
type Record struct {
	ConnectionID string    `json:"connectionId"`
	MeetingID    string    `json:"meetingId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	ConnectedAt  time.Time `json:"connectedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Normalize fills the defaults the transport layer leaves open: UserID
// falls back to the connection id, UserName to DefaultUserName, and
// ExpiresAt to ConnectedAt+TTL.
func (r Record) Normalize() Record {
	if r.UserID == "" {
		r.UserID = r.ConnectionID
	}
	if r.UserName == "" {
		r.UserName = DefaultUserName
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.ConnectedAt.Add(TTL)
	}
	return r
}

// Registry is the durable connection store. Implementations must tolerate
// concurrent access from unrelated connections; no operation spans more
// than one record except the fan-out reads, which need no snapshot
// consistency.
type Registry interface {
	// Put stores the record, overwriting any previous record for the same
	// connection id. Overwrites are expected to be idempotent re-puts; ids
	// are transport-allocated and unique per physical channel.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for connID, or ErrNotFound.
	Get(ctx context.Context, connID string) (Record, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, connID string) error

	// FindByUser returns every record whose UserID matches. A user with
	// several simultaneous sessions yields several records.
	FindByUser(ctx context.Context, userID string) ([]Record, error)

	// FindByMeeting returns every record in the meeting except
	// excludeConnID.
	FindByMeeting(ctx context.Context, meetingID, excludeConnID string) ([]Record, error)
}
