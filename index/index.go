package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/types"
	"go.uber.org/zap"
)

// Hit 检索结果
type Hit struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// AnnIndex 近邻向量索引.
// Add 要么全部生效要么不改变索引；重复 id 覆盖旧向量.
// Search 按余弦相似度降序返回，相同相似度按 id 升序.
type AnnIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
	IDs() []string
	Size() int
	Dimension() int
	Save() error
	Load() error
}

// New 按配置创建索引并加载已持久化的数据.
// 加载失败且开启 RebuildOnStart 时返回空索引.
func New(cfg config.IndexConfig, dimension int, logger *zap.Logger) (AnnIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		idx AnnIndex
		err error
	)
	switch cfg.Backend {
	case "", "flat":
		idx = NewFlatIndex(dimension, cfg.Dir, logger)
	case "chromem":
		idx, err = NewChromemIndex(dimension, cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Backend)
	}

	if err := idx.Load(); err != nil {
		if !cfg.RebuildOnStart {
			return nil, err
		}
		// 持久化文件损坏时以空索引启动，由启动对账从存储重建
		logger.Warn("persisted index unreadable, starting empty",
			zap.String("backend", cfg.Backend),
			zap.String("dir", cfg.Dir),
			zap.Error(err),
		)
	}
	return idx, nil
}

func indexError(msg string) *types.Error {
	return types.NewError(types.ErrIndex, msg).WithComponent("index")
}

// validateBatch 校验整批输入，任何一项不合法都拒绝整批
func validateBatch(ids []string, vectors [][]float32, dim int) error {
	if len(ids) != len(vectors) {
		return indexError(fmt.Sprintf("ids/vectors length mismatch: %d != %d", len(ids), len(vectors)))
	}
	for i, id := range ids {
		if id == "" {
			return indexError(fmt.Sprintf("empty id at position %d", i))
		}
		if err := validateVector(vectors[i], dim); err != nil {
			return err
		}
	}
	return nil
}

func validateVector(vec []float32, dim int) error {
	if len(vec) != dim {
		return indexError(fmt.Sprintf("dimension mismatch: got %d, want %d", len(vec), dim))
	}
	var norm float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return indexError("vector contains NaN or Inf")
		}
		norm += f * f
	}
	if norm == 0 {
		return indexError("zero vector")
	}
	return nil
}

// normalized 返回单位化副本
func normalized(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	inv := 1 / math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// sortHits 相似度降序，id 升序
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
}
