package datapipe

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/homveloper/datapipe/internal/shardcoord"
)

// ShardCoordinator is shardcoord.Coordinator, re-exported so callers
// assembling a distributed pipeline never need to import the internal
// package directly.
type ShardCoordinator = shardcoord.Coordinator

// NewShardCoordinator builds a ShardCoordinator for the named shard
// group against client, using shardcoord's default lease and retry
// policy.
func NewShardCoordinator(client *redis.Client, group string) *ShardCoordinator {
	return shardcoord.New(client, group, shardcoord.DefaultConfig())
}

// ShardAuto claims a shard index from coord out of numShards and wires
// the builder to that index via Shard, so a pool of worker processes
// pointed at the same coordinator group each end up reading a disjoint
// partition without being told their index up front. The claim is held
// for the lifetime of coord; callers running a long pipeline should call
// coord.Renew periodically and coord.Release when done.
func ShardAuto[T any](ctx context.Context, b *Builder[T], coord *ShardCoordinator, numShards int) (*Builder[T], error) {
	i, err := coord.Claim(ctx, numShards)
	if err != nil {
		return nil, err
	}
	return b.Shard(i, numShards), nil
}
