// Package shardcoord claims a shard index for this process out of a
// fixed-size pool, coordinating with other processes over Redis so two
// workers never claim the same index. It underlies Builder.Shard when a
// caller wants "one of k shards, whichever is free" instead of a
// statically assigned index.
package shardcoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/homveloper/datapipe/internal/retry"
)

// Config configures a Coordinator.
type Config struct {
	KeyPrefix string
	Lease     time.Duration
	Retry     retry.Config
}

// DefaultConfig returns a Coordinator config with a 30s lease and the
// default retry policy.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "datapipe:shardcoord",
		Lease:     30 * time.Second,
		Retry:     retry.DefaultConfig(),
	}
}

// ErrNoShardAvailable is returned when every shard index in the pool is
// currently claimed by another process.
var ErrNoShardAvailable = fmt.Errorf("shardcoord: no shard available")

// Coordinator claims and releases shard indices against a shared Redis
// instance. Each claimed index is held by a SET NX lease keyed by group
// name and index; a second process racing for the same index loses the
// SETNX and moves on to try the next one, the same conflict-retry-next
// shape as an optimistic-concurrency-control compare-and-swap loop, just
// applied to picking a slot rather than updating a record.
type Coordinator struct {
	client  *redis.Client
	cfg     Config
	retrier *retry.Retrier

	group string
	token string
	held  int
	holding bool
}

// New builds a Coordinator for the named shard group (e.g. a dataset or
// job name — processes coordinating over the same group compete for the
// same shard pool).
func New(client *redis.Client, group string, cfg Config) *Coordinator {
	return &Coordinator{
		client:  client,
		cfg:     cfg,
		retrier: retry.New(cfg.Retry),
		group:   group,
		token:   randomToken(),
		held:    -1,
	}
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (c *Coordinator) key(i int) string {
	return fmt.Sprintf("%s:%s:%d", c.cfg.KeyPrefix, c.group, i)
}

// Claim attempts to acquire an unclaimed shard index in [0, numShards),
// scanning from 0 so that a restarted process tends to claim a low
// index quickly when one just expired. Returns ErrNoShardAvailable if
// every index is currently held.
func (c *Coordinator) Claim(ctx context.Context, numShards int) (int, error) {
	if c.holding {
		return c.held, nil
	}

	for i := 0; i < numShards; i++ {
		var ok bool
		err := c.retrier.Execute(ctx, func() error {
			var setErr error
			ok, setErr = c.client.SetNX(ctx, c.key(i), c.token, c.cfg.Lease).Result()
			return setErr
		})
		if err != nil {
			return 0, fmt.Errorf("shardcoord: claim index %d: %w", i, err)
		}
		if ok {
			c.held = i
			c.holding = true
			return i, nil
		}
	}
	return 0, ErrNoShardAvailable
}

// Renew extends the lease on the currently held shard index. Callers
// pulling a long-running pipeline over a claimed shard should call this
// periodically (well inside the lease duration) to avoid losing the
// claim to a competitor.
func (c *Coordinator) Renew(ctx context.Context) error {
	if !c.holding {
		return fmt.Errorf("shardcoord: no shard currently held")
	}
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	res, err := script.Run(ctx, c.client, []string{c.key(c.held)}, c.token, c.cfg.Lease.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("shardcoord: renew: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		c.holding = false
		return fmt.Errorf("shardcoord: lease on shard %d was lost before renewal", c.held)
	}
	return nil
}

// Release gives up the currently held shard index, deleting its key only
// if this Coordinator's token still owns it (so a lease that already
// expired and was reclaimed by someone else is not yanked out from under
// them).
func (c *Coordinator) Release(ctx context.Context) error {
	if !c.holding {
		return nil
	}
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	_, err := script.Run(ctx, c.client, []string{c.key(c.held)}, c.token).Result()
	c.holding = false
	c.held = -1
	if err != nil {
		return fmt.Errorf("shardcoord: release: %w", err)
	}
	return nil
}
