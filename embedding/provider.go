package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/types"
	"go.uber.org/zap"
)

// Provider 将文本转换为向量.
// 实现必须返回错误，而不是维度不符或含 NaN/Inf 的向量.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// New 按配置创建 Provider；CacheEntries > 0 时包装记忆化缓存.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "", "hash":
		p = NewHashProvider(cfg.Dimension, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}

	if cfg.CacheEntries > 0 {
		cached, err := NewCached(p, cfg.CacheEntries, logger)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return p, nil
}

// Validate 检查向量维度与数值合法性.
func Validate(vec []float32, dim int) error {
	if len(vec) != dim {
		return vectorizationError(fmt.Sprintf("dimension mismatch: got %d, want %d", len(vec), dim))
	}
	var norm float64
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return vectorizationError(fmt.Sprintf("non-finite value at position %d", i))
		}
		norm += f * f
	}
	if norm == 0 {
		return vectorizationError("zero vector")
	}
	return nil
}

func vectorizationError(msg string) *types.Error {
	return types.NewError(types.ErrVectorization, msg).WithComponent("embedding")
}
