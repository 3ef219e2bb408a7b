package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores records as JSON strings with a native TTL, plus two index
// sets per record (by meeting and by user) so the fan-out lookups don't
// scan the keyspace. Index members whose record has already expired are
// pruned on read.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, ttl: TTL}
}

// SetTTL overrides the default record lifetime.
func (r *Redis) SetTTL(d time.Duration) {
	if d > 0 {
		r.ttl = d
	}
}

func connKey(connID string) string       { return "conn:" + connID }
func meetingKey(meetingID string) string { return "meeting:" + meetingID + ":conns" }
func userKey(userID string) string       { return "user:" + userID + ":conns" }

func (r *Redis) Put(ctx context.Context, rec Record) error {
	rec = rec.Normalize()
	if r.ttl != TTL {
		rec.ExpiresAt = rec.ConnectedAt.Add(r.ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, connKey(rec.ConnectionID), data, r.ttl)
	pipe.SAdd(ctx, meetingKey(rec.MeetingID), rec.ConnectionID)
	pipe.Expire(ctx, meetingKey(rec.MeetingID), r.ttl)
	pipe.SAdd(ctx, userKey(rec.UserID), rec.ConnectionID)
	pipe.Expire(ctx, userKey(rec.UserID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, connID string) (Record, error) {
	data, err := r.rdb.Get(ctx, connKey(connID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get connection %s: %w", connID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode connection %s: %w", connID, err)
	}
	return rec, nil
}

func (r *Redis) Delete(ctx context.Context, connID string) error {
	// Read first so the index sets can be cleaned. A missing record still
	// deletes the key (no-op) and is not an error.
	rec, err := r.Get(ctx, connID)
	if errors.Is(err, ErrNotFound) {
		return r.rdb.Del(ctx, connKey(connID)).Err()
	}
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, connKey(connID))
	pipe.SRem(ctx, meetingKey(rec.MeetingID), connID)
	pipe.SRem(ctx, userKey(rec.UserID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete connection %s: %w", connID, err)
	}
	return nil
}

func (r *Redis) FindByUser(ctx context.Context, userID string) ([]Record, error) {
	return r.resolveSet(ctx, userKey(userID), "")
}

func (r *Redis) FindByMeeting(ctx context.Context, meetingID, excludeConnID string) ([]Record, error) {
	return r.resolveSet(ctx, meetingKey(meetingID), excludeConnID)
}

// resolveSet loads the records behind an index set, pruning members whose
// record key has expired.
func (r *Redis) resolveSet(ctx context.Context, setKey, exclude string) ([]Record, error) {
	ids, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		keys = append(keys, connKey(id))
		kept = append(kept, id)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read records for %s: %w", setKey, err)
	}

	var recs []Record
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired out from under the index.
			stale = append(stale, kept[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if len(stale) > 0 {
		_ = r.rdb.SRem(ctx, setKey, stale...).Err()
	}
	return recs, nil
}
