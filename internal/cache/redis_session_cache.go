// Package cache layers a Redis-backed session cache in front of a
// persisted dispatcher.Store, so a session resumed on one device
// doesn't force every other device of the same identity to wait on a
// local disk read after a cross-device handoff.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/haven-e2ee/internal/dispatcher"
	"github.com/jaydenbeard/haven-e2ee/internal/haverr"
	"github.com/jaydenbeard/haven-e2ee/internal/keys"
	"github.com/jaydenbeard/haven-e2ee/internal/ratchet"
)

// sessionTTL bounds how long a cached session snapshot is trusted
// before a cache hit is treated as a miss and the read falls through
// to the backing store.
const sessionTTL = 10 * time.Minute

// RedisSessionCache wraps a dispatcher.Store, caching session
// snapshots in Redis and writing through to the backing store on
// every save so it alone remains the durable source of truth.
type RedisSessionCache struct {
	backing dispatcher.Store
	redis   *redis.Client
	prefix  string
}

// NewRedisSessionCache connects to addr and wraps backing.
func NewRedisSessionCache(addr, keyPrefix string, backing dispatcher.Store) (*RedisSessionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connecting to redis: %v", haverr.Network, err)
	}

	return &RedisSessionCache{backing: backing, redis: client, prefix: keyPrefix}, nil
}

// Close closes the Redis connection. The backing store is left open;
// its lifecycle belongs to whoever constructed it.
func (c *RedisSessionCache) Close() error {
	return c.redis.Close()
}

func (c *RedisSessionCache) key(peerID string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, peerID)
}

func (c *RedisSessionCache) SaveIdentity(id *keys.Identity) error { return c.backing.SaveIdentity(id) }
func (c *RedisSessionCache) LoadIdentity() (*keys.Identity, error) {
	return c.backing.LoadIdentity()
}
func (c *RedisSessionCache) SaveSignedPreKey(spk *keys.SignedPreKey) error {
	return c.backing.SaveSignedPreKey(spk)
}
func (c *RedisSessionCache) LoadSignedPreKey() (*keys.SignedPreKey, error) {
	return c.backing.LoadSignedPreKey()
}
func (c *RedisSessionCache) SaveOneTimePreKeys(opks []*keys.OneTimePreKey) error {
	return c.backing.SaveOneTimePreKeys(opks)
}
func (c *RedisSessionCache) ConsumeOneTimePreKey(pub []byte) (*keys.OneTimePreKey, bool, error) {
	// OPK consumption must stay a single atomic operation against one
	// source of truth: caching it would risk two devices each believing
	// they alone consumed a given one-time prekey.
	return c.backing.ConsumeOneTimePreKey(pub)
}

func (c *RedisSessionCache) SaveSession(peerID string, state *ratchet.State) error {
	if err := c.backing.SaveSession(peerID, state); err != nil {
		return err
	}
	blob, err := state.Serialize()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Set(ctx, c.key(peerID), blob, sessionTTL).Err(); err != nil {
		return fmt.Errorf("%w: caching session for %s: %v", haverr.Network, peerID, err)
	}
	return nil
}

func (c *RedisSessionCache) LoadSession(peerID string) (*ratchet.State, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	blob, err := c.redis.Get(ctx, c.key(peerID)).Bytes()
	if err == nil {
		state, err := ratchet.Deserialize(blob)
		if err == nil {
			return state, true, nil
		}
	}
	// Cache miss, expired, or corrupt: fall through to the backing store.
	return c.backing.LoadSession(peerID)
}

func (c *RedisSessionCache) DeleteSession(peerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.redis.Del(ctx, c.key(peerID)).Err()
	return c.backing.DeleteSession(peerID)
}
