package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic expiry reset: only touch the TTL if value matches.
// A non-positive TTL argument clears the expiry instead.
var expireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[2]) > 0 then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	redis.call("persist", KEYS[1])
	return 1
else
	return 0
end
`)

// Lua script for atomic release: only delete if value matches.
var deleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Redis implements Store on top of a Redis server or cluster.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed store. The store owns the client and
// closes it on Close.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// SetIfAbsent uses SET NX with a PX expiry when ttl > 0.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(ctx, "set-if-absent", err)
	}
	return ok, nil
}

// expiryMillis converts ttl to the PEXPIRE argument. A positive ttl never
// rounds down to 0, which the script would treat as "no expiry".
func expiryMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return max(ttl.Milliseconds(), 1)
}

// CompareAndSetExpiry runs expireScript.
func (r *Redis) CompareAndSetExpiry(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	result, err := expireScript.Run(ctx, r.client, []string{key}, expected, expiryMillis(ttl)).Int64()
	if err != nil {
		return false, unavailable(ctx, "compare-and-set-expiry", err)
	}
	return result == 1, nil
}

// CompareAndDelete runs deleteScript.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	result, err := deleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, unavailable(ctx, "compare-and-delete", err)
	}
	return result == 1, nil
}

// Get reads the current value of key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(ctx, "get", err)
	}
	return value, true, nil
}

// Delete removes key unconditionally.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable(ctx, "delete", err)
	}
	return nil
}

// TTL reports the remaining lifetime of key using PTTL.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable(ctx, "ttl", err)
	}
	switch {
	case ttl == -2:
		return 0, false, nil
	case ttl < 0:
		return 0, true, nil
	}
	return ttl, true, nil
}

// Ping checks connectivity to the server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(ctx, "ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
