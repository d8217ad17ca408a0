package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const chromemCollection = "memories"

// ChromemIndex 基于 chromem-go 嵌入式向量库的索引.
// dir 非空时使用持久化 DB（写入即落盘），Save 为空操作.
type ChromemIndex struct {
	dim    int
	dir    string
	db     *chromem.DB
	col    *chromem.Collection
	logger *zap.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewChromemIndex 创建或打开 chromem 索引
func NewChromemIndex(dimension int, dir string, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, indexError("open chromem db").WithCause(err)
		}
	}

	// 向量总是由调用方提供，不允许 chromem 自行向量化
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("chromem index requires precomputed embeddings")
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, noEmbed)
	if err != nil {
		return nil, indexError("open chromem collection").WithCause(err)
	}

	return &ChromemIndex{
		dim:    dimension,
		dir:    dir,
		db:     db,
		col:    col,
		logger: logger.With(zap.String("component", "chromem_index")),
		ids:    make(map[string]struct{}),
	}, nil
}

func (c *ChromemIndex) Dimension() int { return c.dim }

func (c *ChromemIndex) Size() int {
	return c.col.Count()
}

func (c *ChromemIndex) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out
}

// Add 批量写入；中途失败时删除已写入的文档并恢复被覆盖的旧向量
func (c *ChromemIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateBatch(ids, vectors, c.dim); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := make(map[string]chromem.Document)
	for _, id := range ids {
		if _, ok := c.ids[id]; !ok {
			continue
		}
		if doc, err := c.col.GetByID(ctx, id); err == nil {
			previous[id] = doc
		}
	}

	added := make([]string, 0, len(ids))
	for i, id := range ids {
		doc := chromem.Document{
			ID:        id,
			Embedding: normalized(vectors[i]),
			Content:   id,
		}
		if err := c.col.AddDocument(ctx, doc); err != nil {
			c.rollback(added, previous)
			return indexError(fmt.Sprintf("add document %s", id)).WithCause(err)
		}
		added = append(added, id)
	}

	for _, id := range ids {
		c.ids[id] = struct{}{}
	}
	return nil
}

func (c *ChromemIndex) rollback(added []string, previous map[string]chromem.Document) {
	ctx := context.Background()
	var fresh []string
	for _, id := range added {
		if doc, ok := previous[id]; ok {
			if err := c.col.AddDocument(ctx, doc); err != nil {
				c.logger.Error("restore document failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) > 0 {
		if err := c.col.Delete(ctx, nil, nil, fresh...); err != nil {
			c.logger.Error("rollback delete failed", zap.Strings("ids", fresh), zap.Error(err))
		}
	}
}

// Delete 删除 id，不存在的 id 忽略
func (c *ChromemIndex) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.ids[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, present...); err != nil {
		return indexError("delete documents").WithCause(err)
	}
	for _, id := range present {
		delete(c.ids, id)
	}
	return nil
}

// Search chromem 要求 nResults 不超过集合大小
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := validateVector(vector, c.dim); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := c.col.QueryEmbedding(ctx, normalized(vector), k, nil, nil)
	if err != nil {
		return nil, indexError("chromem query").WithCause(err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: r.ID, Similarity: float64(r.Similarity)}
	}
	sortHits(hits)
	return hits, nil
}

// Save 持久化 DB 在每次写入时落盘
func (c *ChromemIndex) Save() error {
	return nil
}

// Load 从集合恢复 id 集合（持久化目录在打开时已加载）
func (c *ChromemIndex) Load() error {
	n := c.col.Count()
	if n == 0 {
		return nil
	}

	axis := make([]float32, c.dim)
	axis[0] = 1
	results, err := c.col.QueryEmbedding(context.Background(), axis, n, nil, nil)
	if err != nil {
		return indexError("enumerate chromem documents").WithCause(err)
	}

	c.mu.Lock()
	for _, r := range results {
		c.ids[r.ID] = struct{}{}
	}
	c.mu.Unlock()

	c.logger.Info("chromem index loaded", zap.Int("size", n), zap.String("dir", c.dir))
	return nil
}
