package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/dispatchcore/llmdispatch/internal/observability"
)

var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_redis_store_operations_total",
			Help: "Total number of Redis store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreBreakerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_redis_store_breaker_rejections_total",
			Help: "Operations rejected by the Redis circuit breaker",
		},
	)
)

// incrementWithExpiryScript atomically increments a counter and sets
// its expiry on first write.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = expiration in seconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore implements Store using Redis. Every operation runs
// through a circuit breaker so a dead Redis degrades to fast errors
// instead of piling up blocked dispatch requests.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	closed  bool
	mu      sync.Mutex
}

// RedisOptions holds connection settings for the Redis store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BreakerThreshold is the request count after which the failure
	// ratio trips the breaker. BreakerTimeout is how long the breaker
	// stays open before probing again.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger observability.Logger
}

// DefaultRedisOptions returns RedisOptions with default values.
func DefaultRedisOptions() *RedisOptions {
	return &RedisOptions{
		Address:          "localhost:6379",
		Prefix:           "dispatch:rl:",
		PoolSize:         10,
		MinIdleConns:     2,
		MaxRetries:       3,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// NewRedisStore creates a Redis-backed store and verifies
// connectivity with a ping.
func NewRedisStore(opts *RedisOptions) (*RedisStore, error) {
	if opts == nil {
		opts = DefaultRedisOptions()
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	threshold := safeIntToUint32(opts.BreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: threshold,
		Interval:    opts.BreakerTimeout,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("redis store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// execute runs op through the circuit breaker and records the
// operation outcome.
func (s *RedisStore) execute(operation string, op func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(op)
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		redisStoreBreakerRejections.Inc()
		redisStoreOperationsTotal.WithLabelValues(operation, "rejected").Inc()
	case err != nil:
		redisStoreOperationsTotal.WithLabelValues(operation, "error").Inc()
	default:
		redisStoreOperationsTotal.WithLabelValues(operation, "success").Inc()
	}
	return result, err
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis get: %w", err)
	}

	result, err := s.execute("get", func() (interface{}, error) {
		val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
		if err == redis.Nil {
			// Misses are not breaker failures.
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get error: %w", err)
		}
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	if result == nil {
		return 0, &ErrKeyNotFound{Key: key}
	}

	n, err := strconv.ParseInt(result.(string), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}
	return n, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis set: %w", err)
	}

	_, err := s.execute("set", func() (interface{}, error) {
		if err := s.client.Set(ctx, s.prefixKey(key), value, expiration).Err(); err != nil {
			return nil, fmt.Errorf("redis set error: %w", err)
		}
		return nil, nil
	})
	return err
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr: %w", err)
	}

	result, err := s.execute("increment", func() (interface{}, error) {
		val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
		if err != nil {
			return nil, fmt.Errorf("redis incr error: %w", err)
		}
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr with expiry: %w", err)
	}

	prefixedKey := s.prefixKey(key)
	expirationSecs := int64(expiration.Seconds())
	if expirationSecs < 1 {
		expirationSecs = 1
	}

	result, err := s.execute("increment_with_expiry", func() (interface{}, error) {
		res, err := incrementWithExpiryScript.Run(ctx, s.client, []string{prefixedKey}, delta, expirationSecs).Result()
		if err != nil {
			return nil, fmt.Errorf("redis script error: %w", err)
		}
		val, ok := res.(int64)
		if !ok {
			return nil, fmt.Errorf("redis script returned unexpected type: %T", res)
		}
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis del: %w", err)
	}

	_, err := s.execute("delete", func() (interface{}, error) {
		if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
			return nil, fmt.Errorf("redis del error: %w", err)
		}
		return nil, nil
	})
	return err
}

// Close implements Store. Safe to call multiple times.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// BreakerState returns the current circuit breaker state.
func (s *RedisStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
