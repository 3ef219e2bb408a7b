package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is a map-backed Registry for tests and single-node development.
// Expiry is honored lazily on reads, mirroring the TTL behavior of the
// Redis implementation.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		recs: make(map[string]Record),
		now:  time.Now,
	}
}

// SetClock overrides the expiry clock. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	rec = rec.Normalize()
	m.mu.Lock()
	m.recs[rec.ConnectionID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, connID string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.recs[connID]
	now := m.now()
	m.mu.RUnlock()
	if !ok || m.expired(rec, now) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, connID string) error {
	m.mu.Lock()
	delete(m.recs, connID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindByUser(_ context.Context, userID string) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.UserID == userID })
}

func (m *Memory) FindByMeeting(_ context.Context, meetingID, excludeConnID string) ([]Record, error) {
	return m.filter(func(r Record) bool {
		return r.MeetingID == meetingID && r.ConnectionID != excludeConnID
	})
}

func (m *Memory) filter(keep func(Record) bool) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []Record
	for _, rec := range m.recs {
		if m.expired(rec, now) {
			continue
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) expired(rec Record, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt)
}
