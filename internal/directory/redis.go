package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "shpthis:tunnel:"

// releaseScript deletes the key only while it still names this instance.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends only the keys this instance still owns and returns
// how many it extended.
var refreshScript = redis.NewScript(`
local n = 0
for _, key in ipairs(KEYS) do
	if redis.call("GET", key) == ARGV[1] then
		redis.call("PEXPIRE", key, ARGV[2])
		n = n + 1
	end
end
return n
`)

// Redis stores claims as keys with a TTL. Claims of a crashed relay expire
// on their own; nothing outlives a restart for longer than one TTL.
type Redis struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

var _ Directory = (*Redis)(nil)

func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedis(rdb, ttl), nil
}

func newRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Redis{client: rdb, instanceID: "relay-" + uuid.NewString(), ttl: ttl}
}

func (r *Redis) InstanceID() string { return r.instanceID }

func (r *Redis) Claim(ctx context.Context, id string) error {
	key := keyPrefix + id
	ok, err := r.client.SetNX(ctx, key, r.instanceID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis claim %s: %w", id, err)
	}
	if ok {
		return nil
	}
	owner, err := r.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// expired between SETNX and GET
		return r.Claim(ctx, id)
	case err != nil:
		return fmt.Errorf("redis owner %s: %w", id, err)
	case owner == r.instanceID:
		// left over from an earlier registration on this instance
		return r.client.Expire(ctx, key, r.ttl).Err()
	}
	return fmt.Errorf("%w: %s owned by %s", ErrClaimed, id, owner)
}

func (r *Redis) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + id}, r.instanceID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %s: %w", id, err)
	}
	return nil
}

// Refresh extends the claims on ids that still belong to this instance. A
// claim that lapsed and was taken by another relay is left alone.
func (r *Redis) Refresh(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	n, err := refreshScript.Run(ctx, r.client, keys, r.instanceID, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	if n < len(ids) {
		return fmt.Errorf("%w: refreshed %d of %d claims", ErrLost, n, len(ids))
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
