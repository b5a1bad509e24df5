package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordScript trims, counts, conditionally adds and refreshes the TTL of one
// sorted set as a single server-side unit, so no other client can interleave
// between the count and the add.
//
// KEYS[1] = window key
// ARGV[1] = now (unix ms), ARGV[2] = trim threshold (unix ms),
// ARGV[3] = ttl seconds, ARGV[4] = limit (0 = always add), ARGV[5] = member
var recordScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[4])
if limit <= 0 or count < limit then
    redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return count
`)

// countScript is the read path of recordScript: trim then count.
//
// KEYS[1] = window key, ARGV[1] = trim threshold (unix ms)
var countScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Each window is a sorted set of request timestamps; every operation runs as a
// Lua script so concurrent limiter processes observe a single serial order.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// RedisConfig holds configuration for the Redis connection.
// Populate it from your configuration layer; the store never reads the environment.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379"). Ignored when ClusterNodes is set.
	URL string `yaml:"url"`

	// ClusterNodes switches to a Redis Cluster client seeded with these addresses.
	ClusterNodes []string `yaml:"cluster_nodes"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// DB is the Redis database number (0-15, default: 0). Ignored in cluster mode.
	DB int `yaml:"db" validate:"gte=0,lte=15"`

	// Prefix is prepended to all keys (default: "ratelimit:")
	Prefix string `yaml:"prefix"`

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int `yaml:"pool_size" validate:"gte=0"`

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int `yaml:"min_idle_conns" validate:"gte=0"`

	// MaxRetries is the number of driver-level retries (default: 0, no retries).
	// A failed check degrades immediately instead of adding latency.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OperationTimeout bounds every store call (default: none, rely on the caller's context)
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "ratelimit:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	client := newRedisClient(config)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisFromClient(client, config.Prefix)
	r.opTimeout = config.OperationTimeout
	return r, nil
}

// NewRedisFromClient wraps an existing client. An empty prefix defaults to "ratelimit:".
// Close closes the client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

func newRedisClient(config RedisConfig) redis.UniversalClient {
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	if len(config.ClusterNodes) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        config.ClusterNodes,
			Password:     config.Password,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   maxRetries,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:         config.URL,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   maxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
}

// RecordAndCount runs the trim/count/add/expire sequence as one Lua script.
func (r *Redis) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	nowMS := now.UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()

	count, err := recordScript.Run(ctx, r.client, []string{r.prefix + key},
		nowMS,
		nowMS-window.Milliseconds(),
		ttlSeconds(window),
		max(0, limit),
		member,
	).Int64()
	if err != nil {
		return 0, &UnavailableError{Op: "record", Key: key, Err: err}
	}

	return count + 1, nil
}

// Count trims expired entries and returns how many remain, without recording.
func (r *Redis) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	count, err := countScript.Run(ctx, r.client, []string{r.prefix + key}, now.UnixMilli()-window.Milliseconds()).Int64()
	if err != nil {
		return 0, &UnavailableError{Op: "count", Key: key, Err: err}
	}
	return count, nil
}

// Reset removes the window for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return &UnavailableError{Op: "reset", Key: key, Err: err}
	}
	return nil
}

// Close releases the Redis client connection. It is idempotent.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}
