package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/util"
)

// ErrKeyNotFound is returned by lookups when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

type RedisClient struct {
	Client  *redis.Client
	timeout time.Duration
}

// NewRedisClient connects and pings. rediss:// URLs enable TLS.
func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*RedisClient, error) {
	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, models.Unavailable("redis ping", err)
	}

	logger.Info("Redis client initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
		zap.Bool("tls", opts.TLSConfig != nil))

	return &RedisClient{Client: client, timeout: cfg.Redis.Timeout}, nil
}

// NewRedisClientFromConn wraps an existing connection, used by tests against miniredis.
func NewRedisClientFromConn(rdb *redis.Client) *RedisClient {
	return &RedisClient{Client: rdb}
}

func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", models.ErrValidation, err)
	}
	if opts.Password == "" {
		opts.Password = rc.Password
	}
	if rc.DB > 0 {
		opts.DB = rc.DB
	}
	if rc.PoolSize > 0 {
		opts.PoolSize = rc.PoolSize
		opts.MinIdleConns = max(rc.PoolSize/4, 2)
	}
	if rc.Timeout > 0 {
		opts.ReadTimeout = rc.Timeout
		opts.WriteTimeout = rc.Timeout
	}
	opts.DialTimeout = 5 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	if opts.TLSConfig != nil {
		tlsConfig, err := redisTLS(opts.TLSConfig.ServerName)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}
	return opts, nil
}

// redisTLS trusts REDIS_TLS_CA_FILE when set, else the system pool, and
// presents a client certificate only when both cert and key files are set.
func redisTLS(serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}

	if caFile := util.GetEnv("REDIS_TLS_CA_FILE", ""); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}

	certFile := util.GetEnv("REDIS_TLS_CERT_FILE", "")
	keyFile := util.GetEnv("REDIS_TLS_KEY_FILE", "")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Redis client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (r *RedisClient) Close() error {
	if err := r.Client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	util.Info("Redis client closed")
	return nil
}

// HealthCheck pings and then writes a short-lived key. Counters, blocks
// and throttles all need writes, so a read-only replica counts as unhealthy.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return models.Unavailable("redis ping", err)
	}
	key := "healthcheck:" + util.NewUUID()
	if err := r.Client.Set(ctx, key, "1", 10*time.Second).Err(); err != nil {
		return models.Unavailable("redis write check", err)
	}
	_ = r.Client.Del(ctx, key).Err()
	return nil
}

// OpContext bounds a single store round trip by the configured timeout.
func (r *RedisClient) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := r.timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// wrap maps redis.Nil to ErrKeyNotFound and every other failure to models.ErrUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	return models.Unavailable("redis "+op, err)
}

// ===================== CORE OPERATIONS =====================

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return wrap("set", r.Client.Set(ctx, key, value, expiration).Err())
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if err != nil {
		return "", wrap("get", err)
	}
	return val, nil
}

// GetDel atomically reads and removes key.
func (r *RedisClient) GetDel(ctx context.Context, key string) (string, error) {
	val, err := r.Client.GetDel(ctx, key).Result()
	if err != nil {
		return "", wrap("getdel", err)
	}
	return val, nil
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", r.Client.Del(ctx, keys...).Err())
}

func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return count > 0, nil
}

func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.Client.Incr(ctx, key).Result()
	return n, wrap("incr", err)
}

func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return wrap("expire", r.Client.Expire(ctx, key, expiration).Err())
}

func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.Client.TTL(ctx, key).Result()
	return d, wrap("ttl", err)
}

// ===================== ATOMIC COUNTERS & FLAGS =====================

func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, key, value, expiration).Result()
	return ok, wrap("setnx", err)
}

// IncrWithExpire increments key and refreshes its TTL in one MULTI.
func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := r.Client.TxPipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap("incr", err)
	}
	return incrCmd.Val(), nil
}

// ===================== SETS =====================

func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return wrap("sadd", r.Client.SAdd(ctx, key, members...).Err())
}

// SAddWithExpire adds members, refreshes the TTL and returns the resulting cardinality.
func (r *RedisClient) SAddWithExpire(ctx context.Context, key string, expiration time.Duration, members ...interface{}) (int64, error) {
	pipe := r.Client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, expiration)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap("sadd", err)
	}
	return card.Val(), nil
}

func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.Client.SMembers(ctx, key).Result()
	return members, wrap("smembers", err)
}

func (r *RedisClient) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	ok, err := r.Client.SIsMember(ctx, key, member).Result()
	return ok, wrap("sismember", err)
}

func (r *RedisClient) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.Client.SCard(ctx, key).Result()
	return n, wrap("scard", err)
}

func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return wrap("srem", r.Client.SRem(ctx, key, members...).Err())
}

// ===================== LISTS =====================

// LPushTrim prepends value and caps the list at maxLen entries.
func (r *RedisClient) LPushTrim(ctx context.Context, key string, value interface{}, maxLen int64) error {
	pipe := r.Client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	_, err := pipe.Exec(ctx)
	return wrap("lpush", err)
}

func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.Client.LRange(ctx, key, start, stop).Result()
	return vals, wrap("lrange", err)
}

// ===================== PIPELINES =====================

func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.Client.Pipeline()
}

func (r *RedisClient) TxPipeline() redis.Pipeliner {
	return r.Client.TxPipeline()
}

// ExecPipeline runs a pipeline and normalises its error.
func (r *RedisClient) ExecPipeline(ctx context.Context, pipe redis.Pipeliner) error {
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return wrap("pipeline", err)
}

// RunScript evaluates a Lua script via EVALSHA, loading it on first use.
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, r.Client, keys, args...).Result()
	if err != nil {
		return nil, wrap("eval", err)
	}
	return res, nil
}

func (r *RedisClient) PoolStats() *redis.PoolStats {
	return r.Client.PoolStats()
}
