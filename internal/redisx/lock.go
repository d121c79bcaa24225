package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// acquireLockScript sets key=holder with a TTL only if the key is absent or
// already held by holder, so a renewal from the same holder is a no-op
// extension rather than a fresh acquisition.
var acquireLockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or v == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseLockScript deletes key only if it is still held by holder, so a
// slow releaser can never delete a lock another holder has since acquired.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAcquireLock attempts to set key=holder with the given TTL, succeeding
// if the key is free or already held by holder. Returns false on contention.
func (c *Client) TryAcquireLock(ctx context.Context, key, holder string, ttlMillis int64) (bool, error) {
	var ok bool
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		v, err := acquireLockScript.Run(ctx, c.rdb, []string{key}, holder, ttlMillis).Int()
		ok = v == 1
		return err
	})
	return ok, err
}

// ReleaseLock deletes key only if it is still held by holder.
func (c *Client) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	var ok bool
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		v, err := releaseLockScript.Run(ctx, c.rdb, []string{key}, holder).Int()
		ok = v == 1
		return err
	})
	return ok, err
}
