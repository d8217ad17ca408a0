package index

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// VectorSource 持久化向量的来源（记忆存储）
type VectorSource interface {
	Vectors(ctx context.Context, fn func(id string, vector []float32) error) error
}

// RebuildResult 重建统计
type RebuildResult struct {
	Indexed int `json:"indexed"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

const rebuildBatchSize = 256

// Rebuild 用存储中的向量重建索引：写入全部向量，删除存储中已不存在的 id，最后保存.
// 维度不符或数值非法的向量被跳过并计数.
func Rebuild(ctx context.Context, idx AnnIndex, source VectorSource, logger *zap.Logger) (RebuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		res  RebuildResult
		ids  []string
		vecs [][]float32
		seen = make(map[string]struct{})
	)

	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := idx.Add(ctx, ids, vecs); err != nil {
			return err
		}
		res.Indexed += len(ids)
		ids, vecs = ids[:0], vecs[:0]
		return nil
	}

	err := source.Vectors(ctx, func(id string, vector []float32) error {
		seen[id] = struct{}{}
		if err := validateVector(vector, idx.Dimension()); err != nil {
			res.Skipped++
			logger.Warn("skipping invalid vector during rebuild", zap.String("id", id), zap.Error(err))
			return nil
		}
		ids = append(ids, id)
		vecs = append(vecs, vector)
		if len(ids) >= rebuildBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("read vectors: %w", err)
	}
	if err := flush(); err != nil {
		return res, fmt.Errorf("index vectors: %w", err)
	}

	var stale []string
	for _, id := range idx.IDs() {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := idx.Delete(ctx, stale); err != nil {
			return res, fmt.Errorf("remove stale ids: %w", err)
		}
		res.Removed = len(stale)
	}

	if err := idx.Save(); err != nil {
		return res, err
	}

	logger.Info("index rebuilt",
		zap.Int("indexed", res.Indexed),
		zap.Int("removed", res.Removed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
