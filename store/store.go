package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/memengine/embedding"
	"github.com/BaSui01/memengine/index"
	"github.com/BaSui01/memengine/internal/database"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/types"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewMemory 写入一条交互记忆的参数
type NewMemory struct {
	Content   string
	Type      types.MemoryType
	Role      types.Role
	SessionID string
	Timestamp time.Time
	Weight    float64
	Metadata  map[string]string
}

// Evaluation 后台评估对记忆的更新；Metadata 与已有元数据合并
type Evaluation struct {
	Weight   float64
	GroupID  string
	Summary  string
	Metadata map[string]string
}

// EmbedFunc 写路径使用的向量化函数
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store 记忆的持久化存储，负责记忆记录、向量与向量索引的双写一致性.
// 写操作由 writeMu 串行化.
type Store struct {
	pool     *database.PoolManager
	index    index.AnnIndex
	embedder embedding.Provider
	embed    EmbedFunc
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	writeMu sync.Mutex
	entropy io.Reader
}

// Option 存储选项
type Option func(*Store)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithEmbedFunc 替换写路径的向量化调用，例如经由熔断器调用 embedder.
// 默认直接调用 embedder.Embed.
func WithEmbedFunc(fn EmbedFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.embed = fn
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建存储；表结构由 Migrate 创建
func New(pool *database.PoolManager, idx index.AnnIndex, embedder embedding.Provider, opts ...Option) (*Store, error) {
	if pool == nil || idx == nil || embedder == nil {
		return nil, fmt.Errorf("store requires pool, index and embedder")
	}
	if idx.Dimension() != embedder.Dimension() {
		return nil, fmt.Errorf("index dimension %d does not match embedding dimension %d",
			idx.Dimension(), embedder.Dimension())
	}

	s := &Store{
		pool:     pool,
		index:    idx,
		embedder: embedder,
		logger:   zap.NewNop(),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	s.embed = embedder.Embed
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "memory_store"))
	return s, nil
}

// Migrate 自动迁移 memories / memory_vectors / associations 表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db(ctx).AutoMigrate(&memoryRecord{}, &vectorRecord{}, &associationRecord{}); err != nil {
		return storageError("migrate schema", err)
	}
	return nil
}

// Index 返回底层向量索引
func (s *Store) Index() index.AnnIndex { return s.index }

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// =============================================================================
// ✍️ 双写
// =============================================================================

// AddInteractionMemory 写入一条记忆.
//
//  1. 事务外向量化，失败返回 VECTORIZATION_ERROR，不触碰任何存储
//  2. 事务内写入记忆记录与向量
//  3. 向量写入索引，失败则回滚 (INDEX_ERROR)
//  4. 提交；提交失败时从索引中移除该 id (TRANSACTION_ERROR)
func (s *Store) AddInteractionMemory(ctx context.Context, in NewMemory) (string, error) {
	if strings.TrimSpace(in.Content) == "" {
		return "", types.NewError(types.ErrInvalidInput, "memory content is empty").WithComponent("store")
	}
	switch in.Role {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
	default:
		return "", types.NewError(types.ErrInvalidInput, fmt.Sprintf("invalid role %q", in.Role)).WithComponent("store")
	}
	if in.Type == "" {
		in.Type = types.MemoryInteraction
	}

	vec, err := s.embed(ctx, in.Content)
	if err != nil {
		return "", asVectorizationError(err)
	}
	if err := embedding.Validate(vec, s.index.Dimension()); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	id := s.newID()

	rec, err := toRecord(types.Memory{
		ID:           id,
		Content:      in.Content,
		Role:         in.Role,
		Type:         in.Type,
		SessionID:    in.SessionID,
		Timestamp:    in.Timestamp,
		Weight:       in.Weight,
		LastAccessed: now,
		Metadata:     in.Metadata,
	})
	if err != nil {
		return "", types.NewError(types.ErrInvalidInput, "invalid metadata").WithCause(err).WithComponent("store")
	}
	vrec := vectorRecord{
		ID:        id,
		MemoryID:  id,
		Vector:    encodeVector(vec),
		ModelName: s.embedder.Model(),
		Timestamp: now,
	}

	var (
		indexed  bool
		indexErr error
	)
	err = s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if err := tx.Create(&vrec).Error; err != nil {
			return err
		}
		if err := s.index.Add(ctx, []string{id}, [][]float32{vec}); err != nil {
			indexErr = err
			return err
		}
		indexed = true
		return nil
	})

	switch {
	case err == nil:
	case indexed:
		// 提交失败：补偿删除索引条目
		if delErr := s.index.Delete(context.Background(), []string{id}); delErr != nil {
			s.logger.Error("compensating index delete failed", zap.String("id", id), zap.Error(delErr))
		}
		s.metrics.RecordDualWrite("compensated")
		return "", types.NewError(types.ErrTransaction, "commit failed after index add").
			WithCause(err).WithComponent("store").WithRetryable(true)
	case indexErr != nil:
		s.metrics.RecordDualWrite("rolled_back")
		if types.GetErrorCode(indexErr) == types.ErrIndex {
			return "", indexErr
		}
		return "", types.NewError(types.ErrIndex, "index add failed").WithCause(indexErr).WithComponent("store")
	default:
		s.metrics.RecordDualWrite("rolled_back")
		return "", types.NewError(types.ErrTransaction, "insert memory failed").
			WithCause(err).WithComponent("store").WithRetryable(database.IsRetryableError(err))
	}

	s.metrics.RecordDualWrite("committed")
	if err := s.index.Save(); err != nil {
		// 索引仍与数据库一致，磁盘快照可由 Rebuild 恢复
		s.logger.Warn("index checkpoint failed", zap.Error(err))
	}

	s.logger.Debug("memory stored",
		zap.String("id", id),
		zap.String("role", string(in.Role)),
		zap.String("session_id", in.SessionID))
	return id, nil
}

// Delete 删除记忆、向量、索引条目以及所有相关关联
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var vrec vectorRecord
	if err := s.db(ctx).Where("memory_id = ?", id).First(&vrec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(id)
		}
		return storageError("load vector", err)
	}
	vec, err := decodeVector(vrec.Vector)
	if err != nil {
		return storageError("decode vector", err)
	}

	removed := false
	err = s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("source_key = ? OR target_key = ?", id, id).Delete(&associationRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("memory_id = ?", id).Delete(&vectorRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&memoryRecord{}).Error; err != nil {
			return err
		}
		if err := s.index.Delete(ctx, []string{id}); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		if removed {
			if addErr := s.index.Add(context.Background(), []string{id}, [][]float32{vec}); addErr != nil {
				s.logger.Error("restoring index entry failed", zap.String("id", id), zap.Error(addErr))
			}
		}
		return types.NewError(types.ErrTransaction, "delete memory failed").WithCause(err).WithComponent("store")
	}

	if err := s.index.Save(); err != nil {
		s.logger.Warn("index checkpoint failed", zap.Error(err))
	}
	s.logger.Debug("memory deleted", zap.String("id", id))
	return nil
}

// =============================================================================
// 🔍 查询
// =============================================================================

// GetByID 按 id 读取
func (s *Store) GetByID(ctx context.Context, id string) (types.Memory, error) {
	var rec memoryRecord
	if err := s.db(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Memory{}, notFound(id)
		}
		return types.Memory{}, storageError("get memory", err)
	}
	return rec.toMemory(), nil
}

// GetByIDs 批量读取，结果保持 ids 顺序，不存在的 id 被跳过
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []memoryRecord
	if err := s.db(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, storageError("get memories", err)
	}
	byID := make(map[string]memoryRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]types.Memory, 0, len(recs))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.toMemory())
			delete(byID, id)
		}
	}
	return out, nil
}

// GetBySession 返回会话最近 limit 条记忆，按时间正序
func (s *Store) GetBySession(ctx context.Context, sessionID string, limit int) ([]types.Memory, error) {
	if sessionID == "" || limit <= 0 {
		return nil, nil
	}
	var recs []memoryRecord
	err := s.db(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, storageError("get session memories", err)
	}
	out := make([]types.Memory, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r.toMemory()
	}
	return out, nil
}

// GetRecent 最新的 limit 条记忆，新的在前
func (s *Store) GetRecent(ctx context.Context, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []memoryRecord
	err := s.db(ctx).Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, storageError("get recent memories", err)
	}
	return toMemories(recs), nil
}

// GetByTier 返回某层级权重最高的 limit 条记忆
func (s *Store) GetByTier(ctx context.Context, tier types.Tier, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []memoryRecord
	if err := tierScope(s.db(ctx), tier).Order("weight DESC").Order("timestamp DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, storageError("get tier memories", err)
	}
	return toMemories(recs), nil
}

// GetVector 读取记忆的持久化向量
func (s *Store) GetVector(ctx context.Context, id string) ([]float32, error) {
	var vrec vectorRecord
	if err := s.db(ctx).Where("memory_id = ?", id).First(&vrec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, storageError("get vector", err)
	}
	vec, err := decodeVector(vrec.Vector)
	if err != nil {
		return nil, storageError("decode vector", err)
	}
	return vec, nil
}

// Count 记忆总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db(ctx).Model(&memoryRecord{}).Count(&n).Error; err != nil {
		return 0, storageError("count memories", err)
	}
	return n, nil
}

// CountByTier 各层级记忆数
func (s *Store) CountByTier(ctx context.Context) (map[types.Tier]int64, error) {
	out := make(map[types.Tier]int64, len(types.Tiers))
	for _, tier := range types.Tiers {
		var n int64
		if err := tierScope(s.db(ctx).Model(&memoryRecord{}), tier).Count(&n).Error; err != nil {
			return nil, storageError("count tier", err)
		}
		out[tier] = n
	}
	return out, nil
}

// Vectors 按批流式读取全部持久化向量，用于索引重建
func (s *Store) Vectors(ctx context.Context, fn func(id string, vector []float32) error) error {
	var batch []vectorRecord
	result := s.db(ctx).FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
		for _, r := range batch {
			vec, err := decodeVector(r.Vector)
			if err != nil {
				s.logger.Warn("skipping undecodable vector", zap.String("memory_id", r.MemoryID), zap.Error(err))
				continue
			}
			if err := fn(r.MemoryID, vec); err != nil {
				return err
			}
		}
		return nil
	})
	if result.Error != nil {
		return storageError("stream vectors", result.Error)
	}
	return nil
}

// =============================================================================
// 🔧 更新
// =============================================================================

// UpdateEvaluation 应用后台评估结果，返回更新后的记忆
func (s *Store) UpdateEvaluation(ctx context.Context, id string, ev Evaluation) (types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return types.Memory{}, err
	}

	current.Weight = types.ClampWeight(ev.Weight)
	if ev.GroupID != "" {
		current.GroupID = ev.GroupID
	}
	if ev.Summary != "" {
		current.Summary = ev.Summary
	}
	if len(ev.Metadata) > 0 {
		if current.Metadata == nil {
			current.Metadata = make(map[string]string, len(ev.Metadata))
		}
		for k, v := range ev.Metadata {
			current.Metadata[k] = v
		}
	}

	rec, err := toRecord(current)
	if err != nil {
		return types.Memory{}, types.NewError(types.ErrInvalidInput, "invalid metadata").WithCause(err)
	}
	err = s.db(ctx).Model(&memoryRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"weight":   rec.Weight,
		"group_id": rec.GroupID,
		"summary":  rec.Summary,
		"metadata": rec.Metadata,
	}).Error
	if err != nil {
		return types.Memory{}, storageError("update evaluation", err)
	}
	return current, nil
}

// Touch 刷新最近访问时间
func (s *Store) Touch(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db(ctx).Model(&memoryRecord{}).Where("id IN ?", ids).
		Update("last_accessed", s.now().UTC()).Error
	if err != nil {
		return storageError("touch memories", err)
	}
	return nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// tierScope 按层级权重区间过滤，无穷端点不写入 SQL
func tierScope(q *gorm.DB, tier types.Tier) *gorm.DB {
	lo, hi := tier.WeightRange()
	if !math.IsInf(lo, 0) {
		q = q.Where("weight >= ?", lo)
	}
	if !math.IsInf(hi, 0) {
		q = q.Where("weight < ?", hi)
	}
	return q
}

func toMemories(recs []memoryRecord) []types.Memory {
	out := make([]types.Memory, len(recs))
	for i, r := range recs {
		out[i] = r.toMemory()
	}
	return out
}

func notFound(id string) *types.Error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("memory %s not found", id)).WithComponent("store")
}

func storageError(op string, err error) *types.Error {
	return types.NewError(types.ErrStorage, op).
		WithCause(err).
		WithComponent("store").
		WithRetryable(database.IsRetryableError(err))
}

func asVectorizationError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if types.GetErrorCode(err) == types.ErrVectorization {
		return err
	}
	return types.NewError(types.ErrVectorization, "embedding failed").WithCause(err).WithComponent("embedding")
}
