package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ogulcanaydogan/budgetgate/pkg/model"
	"github.com/redis/go-redis/v9"
)

// incrementScript adds ARGV[1] to KEYS[1] and sets a PEXPIRE of ARGV[2]
// milliseconds only when the key has no expiry yet, i.e. it was just created.
var incrementScript = redis.NewScript(`
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return total
`)

// Redis implements Ledger on a Redis server shared by all router instances.
// Expiry is native: Redis deletes a counter when its TTL elapses.
//
// Spend keys for different providers hash to different cluster slots, so
// against a Redis Cluster reads are pipelined per-key GETs rather than one
// MGET.
type Redis struct {
	client      redis.UniversalClient
	perKeyReads bool
}

// RedisConfig holds connection settings for DialRedis.
type RedisConfig struct {
	Addr         string
	ClusterAddrs []string
	Password     string
	DB           int
	DialTimeout  time.Duration
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithPerKeyReads reads counters with pipelined GETs instead of MGET.
// It is enabled automatically for cluster clients.
func WithPerKeyReads() RedisOption {
	return func(r *Redis) { r.perKeyReads = true }
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	if _, ok := client.(*redis.ClusterClient); ok {
		r.perKeyReads = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	var client redis.UniversalClient
	addr := cfg.Addr
	if len(cfg.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterAddrs,
			Password:    cfg.Password,
			DialTimeout: cfg.DialTimeout,
		})
		addr = fmt.Sprint(cfg.ClusterAddrs)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

func (r *Redis) BatchGetSpend(ctx context.Context, keys []model.SpendKey) ([]float64, error) {
	spends := make([]float64, len(keys))
	if len(keys) == 0 {
		return spends, nil
	}

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = key.String()
	}

	values, err := r.read(ctx, names)
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		spend, err := parseSpend(v)
		if err != nil {
			return nil, fmt.Errorf("parse spend %s: %w", names[i], err)
		}
		spends[i] = spend
	}
	return spends, nil
}

// read returns one value per name, nil for missing keys.
func (r *Redis) read(ctx context.Context, names []string) ([]any, error) {
	if !r.perKeyReads {
		values, err := r.client.MGet(ctx, names...).Result()
		if err != nil {
			return nil, fmt.Errorf("mget spend: %w", err)
		}
		return values, nil
	}

	cmds := make([]*redis.StringCmd, len(names))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = p.Get(ctx, name)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get spend: %w", err)
	}

	values := make([]any, len(names))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get spend %s: %w", names[i], err)
		}
		values[i] = v
	}
	return values, nil
}

func (r *Redis) IncrementSpend(ctx context.Context, key model.SpendKey, amount float64, ttl time.Duration) (float64, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{key.String()}, amount, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("increment spend %s: %w", key, err)
	}
	total, err := parseSpend(res)
	if err != nil {
		return 0, fmt.Errorf("parse spend %s: %w", key, err)
	}
	return total, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseSpend(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
