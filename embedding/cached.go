package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cached 为任意 Provider 增加结果记忆化与并发去重.
// 相同文本的并发请求只触发一次底层调用.
type Cached struct {
	inner  Provider
	cache  *ristretto.Cache
	group  singleflight.Group
	logger *zap.Logger
}

// NewCached 创建记忆化包装，maxEntries 为缓存向量条数上限
func NewCached(inner Provider, maxEntries int64, logger *zap.Logger) (*Cached, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner provider cannot be nil")
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Cached{
		inner:  inner,
		cache:  cache,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}, nil
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }
func (c *Cached) Model() string  { return c.inner.Model() }

// Embed 返回缓存向量的副本；未命中时经 singleflight 调用底层 Provider
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.Model() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return clone(v.([]float32)), nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		vec, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := Validate(vec, c.inner.Dimension()); err != nil {
			return nil, err
		}
		stored := clone(vec)
		c.cache.Set(key, stored, 1)
		c.cache.Wait()
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("embedding request deduplicated")
	}
	return clone(v.([]float32)), nil
}

// Close 释放缓存
func (c *Cached) Close() {
	c.cache.Close()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
