package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/memengine/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Mirror 二级缓存镜像. Get 在键不存在时返回 ErrCacheMiss
type Mirror interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// =============================================================================
// 🪞 Redis 镜像
// =============================================================================

// RedisMirror 以 Redis 为后端的镜像，所有键带统一前缀
type RedisMirror struct {
	client *redis.Client
	prefix string
	owned  bool
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisMirror 按配置连接 Redis 并探活
func NewRedisMirror(cfg config.RedisConfig, logger *zap.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := NewRedisMirrorWithClient(client, cfg.KeyPrefix, logger)
	m.owned = true
	m.logger.Info("redis mirror initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))
	return m, nil
}

// NewRedisMirrorWithClient 使用已有客户端；Close 不关闭该客户端
func NewRedisMirrorWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "cache_mirror")),
	}
}

func (r *RedisMirror) key(k string) string { return r.prefix + k }

// Get 读取
func (r *RedisMirror) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("redis mirror is closed")
	}

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("mirror get failed: %w", err)
	}
	return data, nil
}

// Set 写入；ttl 为 0 表示不过期
func (r *RedisMirror) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("redis mirror is closed")
	}

	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("mirror set failed: %w", err)
	}
	return nil
}

// Delete 删除
func (r *RedisMirror) Delete(ctx context.Context, keys ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("redis mirror is closed")
	}
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("mirror delete failed: %w", err)
	}
	return nil
}

// Clear 扫描并删除前缀下的所有键
func (r *RedisMirror) Clear(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("redis mirror is closed")
	}

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("mirror scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("mirror clear failed: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping 检查 Redis 连接
func (r *RedisMirror) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("redis mirror is closed")
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭镜像；只关闭自己创建的客户端
func (r *RedisMirror) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.owned {
		return nil
	}
	r.logger.Info("closing redis mirror")
	return r.client.Close()
}
