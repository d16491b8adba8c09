package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the stored owner matches the
// caller (compare-and-delete), so one holder can never release another's
// lock.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local record = cjson.decode(raw)
if record.owner_id == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend stores lock records as JSON values under namespaced keys,
// claimed with SET NX EX. The TTL doubles as the staleness bound: a crashed
// holder's record expires on its own.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a redis lock backend. The prefix namespaces keys
// the same way the file backend's filename prefix does.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(resourceID string) string {
	return "overseer:lock:" + b.prefix + SafeKey(resourceID)
}

// TryAcquire implements Backend. Connection failures report "not acquired"
// without error, so the manager's retry loop absorbs transient outages.
func (b *RedisBackend) TryAcquire(info Info, staleAfter time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}

	key := b.key(info.ResourceID)
	ok, err := b.client.SetNX(ctx, key, data, staleAfter).Result()
	if err != nil {
		return false, nil
	}
	if ok {
		return true, nil
	}

	// Same-owner re-acquisition refreshes the record and its TTL.
	current, err := b.ReadInfo(info.ResourceID)
	if err != nil || current == nil {
		return false, nil
	}
	if current.OwnerID != info.OwnerID {
		return false, nil
	}
	if err := b.client.Set(ctx, key, data, staleAfter).Err(); err != nil {
		return false, nil
	}
	return true, nil
}

// Release implements Backend. Failures are silent: the TTL expires the
// record regardless.
func (b *RedisBackend) Release(resourceID, ownerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = releaseScript.Run(ctx, b.client, []string{b.key(resourceID)}, ownerID).Err()
	return nil
}

// ReadInfo implements Backend.
func (b *RedisBackend) ReadInfo(resourceID string) (*Info, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := b.client.Get(ctx, b.key(resourceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock record: %w", err)
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode lock record: %w", err)
	}
	return &info, nil
}
