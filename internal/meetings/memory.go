package meetings

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-node dev runs.
// TTLs are not enforced; the process lifetime bounds the data anyway.
type Memory struct {
	mu       sync.Mutex
	meetings map[string]Meeting
	chat     map[string][]ChatMessage
}

func NewMemory() *Memory {
	return &Memory{
		meetings: make(map[string]Meeting),
		chat:     make(map[string][]ChatMessage),
	}
}

func (s *Memory) PutMeeting(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	return nil
}

func (s *Memory) GetMeeting(_ context.Context, id string) (Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

func (s *Memory) ListMeetings(_ context.Context, status Status, limit int) ([]Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) AppendChat(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat[msg.MeetingID] = append(s.chat[msg.MeetingID], msg)
	return nil
}

func (s *Memory) ChatHistory(_ context.Context, meetingID string, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.chat[meetingID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}
