package observe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/pipeline"
)

// DefaultStream is the Redis stream snapshots are appended to.
const DefaultStream = "market-intel:runs"

const publishTimeout = 5 * time.Second

// Streamer is the subset of *redis.Client the publisher uses.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends every run snapshot to a capped Redis stream so that
// dashboards and other processes can follow progress.
type RedisPublisher struct {
	client Streamer
	stream string
	maxLen int64
	log    *zap.Logger
}

// NewRedisPublisher returns nil when client is nil; a nil publisher is a
// valid no-op observer.
func NewRedisPublisher(client Streamer, stream string, maxLen int64) *RedisPublisher {
	if client == nil {
		return nil
	}
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		log:    zap.L().With(zap.String("component", "observe.redis")),
	}
}

// Publish appends s to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, s pipeline.Snapshot) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "observe: marshal snapshot")
	}
	res := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"run_id":   s.RunID,
			"stage":    string(s.Stage),
			"snapshot": string(payload),
		},
	})
	if err := res.Err(); err != nil {
		return eris.Wrapf(err, "observe: xadd %s", p.stream)
	}
	return nil
}

// Observe implements pipeline.Observer. Publish failures are logged and
// never affect the run.
func (p *RedisPublisher) Observe(s pipeline.Snapshot) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, s); err != nil {
		p.log.Warn("publish run snapshot",
			zap.String("run_id", s.RunID),
			zap.String("stage", string(s.Stage)),
			zap.Error(err),
		)
	}
}

// NewRedisClient connects to addr and verifies it with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "observe: ping redis %s", addr)
	}
	return client, nil
}
