package checkpointstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/homveloper/datapipe/internal/retry"
)

// Redis stores checkpoint blobs as plain string values, retrying
// transient failures with the shared retry policy rather than failing a
// checkpoint save outright on one dropped connection.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	retrier   *retry.Retrier
}

// NewRedis builds a Redis-backed Store. keyPrefix namespaces this
// store's keys from any other use of the same Redis instance.
func NewRedis(client *redis.Client, keyPrefix string, retryConfig retry.Config) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix, retrier: retry.New(retryConfig)}
}

func (r *Redis) fullKey(key string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, key)
}

func (r *Redis) Save(ctx context.Context, key string, data []byte) error {
	return r.retrier.Execute(ctx, func() error {
		return r.client.Set(ctx, r.fullKey(key), data, 0).Err()
	})
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.retrier.Execute(ctx, func() error {
		v, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.retrier.Execute(ctx, func() error {
		return r.client.Del(ctx, r.fullKey(key)).Err()
	})
}
