package buffer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meteorx/marketfeed/internal/domain"
)

// RedisSpillSink persists overflowed partition contents to a Redis list so
// a downstream recovery job can replay them; this is the default SPILL
// backpressure target.
type RedisSpillSink struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSpillSink constructs a RedisSpillSink. ttl of 0 means the spilled
// list never expires on its own.
func NewRedisSpillSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSpillSink {
	if prefix == "" {
		prefix = "marketfeed:spill:"
	}
	return &RedisSpillSink{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisSpillSink) Spill(partitionKey string, items []domain.PipelineData) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	encoded := make([]any, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			continue
		}
		encoded = append(encoded, b)
	}

	key := r.prefix + partitionKey
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, encoded...)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Drain pops up to max spilled items for a partition, for recovery jobs.
func (r *RedisSpillSink) Drain(ctx context.Context, partitionKey string, max int64) ([]domain.PipelineData, error) {
	key := r.prefix + partitionKey
	raw, err := r.client.LPopCount(ctx, key, int(max)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.PipelineData, 0, len(raw))
	for _, s := range raw {
		var item domain.PipelineData
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
