package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each meeting as a JSON string with a native TTL and a
// sorted-set index keyed by creation time for listing. Chat history is one
// Redis list per meeting. Index members whose meeting has already expired
// are pruned on read.
type RedisStore struct {
	rdb        *redis.Client
	meetingTTL time.Duration
	chatTTL    time.Duration
}

func NewRedisStore(rdb *redis.Client, meetingTTL, chatTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, meetingTTL: meetingTTL, chatTTL: chatTTL}
}

const meetingIndexKey = "meetings:index"

func docKey(meetingID string) string  { return "meeting:" + meetingID }
func chatKey(meetingID string) string { return "chat:" + meetingID }

func (s *RedisStore) PutMeeting(ctx context.Context, m Meeting) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meeting: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, docKey(m.ID), data, s.meetingTTL)
	pipe.ZAdd(ctx, meetingIndexKey, redis.Z{Score: float64(m.CreatedAt.Unix()), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store meeting %s: %w", m.ID, err)
	}
	return nil
}

func (s *RedisStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	data, err := s.rdb.Get(ctx, docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting %s: %w", id, err)
	}
	var m Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return Meeting{}, fmt.Errorf("decode meeting %s: %w", id, err)
	}
	return m, nil
}

func (s *RedisStore) ListMeetings(ctx context.Context, status Status, limit int) ([]Meeting, error) {
	ids, err := s.rdb.ZRevRange(ctx, meetingIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read meeting index: %w", err)
	}

	var out []Meeting
	var stale []interface{}
	for _, id := range ids {
		m, err := s.GetMeeting(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Meeting expired out from under the index.
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, meetingIndexKey, stale...).Err()
	}
	return out, nil
}

func (s *RedisStore) AppendChat(ctx context.Context, msg ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, chatKey(msg.MeetingID), data)
	pipe.Expire(ctx, chatKey(msg.MeetingID), s.chatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store chat message for %s: %w", msg.MeetingID, err)
	}
	return nil
}

func (s *RedisStore) ChatHistory(ctx context.Context, meetingID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.rdb.LRange(ctx, chatKey(meetingID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read chat for %s: %w", meetingID, err)
	}

	out := make([]ChatMessage, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(raws[i]), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
