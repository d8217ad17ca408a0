package memengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/memengine/cache"
	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/embedding"
	"github.com/BaSui01/memengine/evaluator"
	"github.com/BaSui01/memengine/graph"
	"github.com/BaSui01/memengine/index"
	"github.com/BaSui01/memengine/internal/circuitbreaker"
	"github.com/BaSui01/memengine/internal/database"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/internal/tokenizer"
	"github.com/BaSui01/memengine/pipeline"
	"github.com/BaSui01/memengine/recovery"
	"github.com/BaSui01/memengine/scorer"
	"github.com/BaSui01/memengine/session"
	"github.com/BaSui01/memengine/store"
	"github.com/BaSui01/memengine/types"
)

// RequestContext 请求级标识
type RequestContext struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// StoreResult StoreInteraction 的结果
type StoreResult struct {
	UserMemoryID string `json:"user_memory_id"`
	AIMemoryID   string `json:"ai_memory_id"`
	SessionID    string `json:"session_id"`
	// Evaluation 为 queued（后台评估）或 inline（队列满时同步启发式）
	Evaluation string `json:"evaluation"`
}

// MaintenanceReport 一次维护的结果
type MaintenanceReport struct {
	Decay           graph.DecayResult `json:"decay"`
	ExpiredSessions int               `json:"expired_sessions"`
	Checkpointed    bool              `json:"checkpointed"`
}

// Option 配置 Engine
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Collector
	db        *gorm.DB
	embedder  embedding.Provider
	index     index.AnnIndex
	evaluator evaluator.Evaluator
	mirror    cache.Mirror
	now       func() time.Time
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithDB 使用已打开的数据库连接，代替按配置打开
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithEmbedder 替换嵌入模型
func WithEmbedder(p embedding.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithIndex 替换向量索引
func WithIndex(idx index.AnnIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithEvaluator 设置重要性评估器；未设置时只使用启发式评估
func WithEvaluator(ev evaluator.Evaluator) Option {
	return func(o *options) { o.evaluator = ev }
}

// WithCacheMirror 设置缓存镜像，代替按配置连接 Redis
func WithCacheMirror(m cache.Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// =============================================================================
// 🧠 Engine
// =============================================================================

// Engine 记忆引擎的对外入口，持有全部组件的生命周期
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	pool      *database.PoolManager
	embedder  embedding.Provider
	index     index.AnnIndex
	store     *store.Store
	cache     *cache.Manager[types.Memory]
	mirror    cache.Mirror
	graph     *graph.Graph
	recovery  *recovery.Manager
	sessions  *session.Manager
	enhancer  *pipeline.Enhancer
	worker    *pipeline.Worker
	scheduler *Scheduler
	metrics   *metrics.Collector

	closeOnce sync.Once
	closeErr  error
}

// New 按配置装配引擎：打开数据库、加载或重建索引、加载关联图、启动后台 worker 和维护调度
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "engine")),
		now:     o.now,
		metrics: o.metrics,
	}
	if err := e.init(ctx, o, logger); err != nil {
		_ = e.shutdown(context.Background())
		return nil, err
	}
	e.logger.Info("memory engine ready",
		zap.String("database", cfg.Database.Driver),
		zap.String("index", cfg.Index.Backend),
		zap.Int("indexed", e.index.Size()),
		zap.Int("associations", e.graph.Count()),
	)
	return e, nil
}

func (e *Engine) init(ctx context.Context, o *options, logger *zap.Logger) error {
	cfg := e.cfg

	db := o.db
	if db == nil {
		var err error
		db, err = database.Open(cfg.Database.Driver, cfg.Database.DSN(), logger)
		if err != nil {
			return err
		}
	}
	pool, err := database.NewPoolManager(db, poolConfig(cfg.Database), logger)
	if err != nil {
		return err
	}
	e.pool = pool

	e.embedder = o.embedder
	if e.embedder == nil {
		if e.embedder, err = embedding.New(cfg.Embedding, logger); err != nil {
			return err
		}
	}

	e.index = o.index
	if e.index == nil {
		if e.index, err = index.New(cfg.Index, e.embedder.Dimension(), logger); err != nil {
			return err
		}
	}
	if e.index.Dimension() != e.embedder.Dimension() {
		return fmt.Errorf("index dimension %d does not match embedding dimension %d",
			e.index.Dimension(), e.embedder.Dimension())
	}

	e.recovery = recovery.NewManager(recovery.PolicyFromConfig(cfg.Recovery), logger,
		recovery.WithStateListener(func(component string, from, to circuitbreaker.State) {
			e.metrics.RecordBreakerTransition(component, from.String(), to.String())
		}))

	// 存储路径上的向量化走 embedding 熔断器，嵌入故障不计入 store
	e.store, err = store.New(pool, e.index, e.embedder,
		store.WithLogger(logger), store.WithMetrics(e.metrics), store.WithClock(e.now),
		store.WithEmbedFunc(e.embedGuarded))
	if err != nil {
		return err
	}
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}
	if err := e.reconcileIndex(ctx); err != nil {
		return err
	}

	mirror := o.mirror
	if mirror == nil && cfg.Cache.Redis.Enabled {
		rm, err := cache.NewRedisMirror(cfg.Cache.Redis, logger)
		if err != nil {
			// 镜像不可用只影响跨进程共享
			e.logger.Warn("redis mirror unavailable, continuing without it", zap.Error(err))
		} else {
			mirror = rm
		}
	}
	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithMetrics(e.metrics)}
	if mirror != nil {
		e.mirror = mirror
		cacheOpts = append(cacheOpts, cache.WithMirror(mirror))
	}
	e.cache = cache.New[types.Memory](cfg.Cache, cacheOpts...)

	e.graph = graph.New(cfg.Association, e.store,
		graph.WithLogger(logger), graph.WithMetrics(e.metrics), graph.WithClock(e.now))
	if err := e.graph.Load(ctx); err != nil {
		return err
	}

	e.sessions = session.NewManager(cfg.Session.Timeout,
		session.WithLogger(logger), session.WithClock(e.now))

	e.enhancer, err = pipeline.NewEnhancer(cfg.Pipeline, pipeline.Deps{
		Embedder:  e.embedder,
		Index:     e.index,
		Store:     e.store,
		Cache:     e.cache,
		Graph:     e.graph,
		Scorer:    scorer.New(cfg.Scorer, scorer.WithClock(e.now)),
		Recovery:  e.recovery,
		Tokenizer: tokenizer.New(cfg.Pipeline.TokenizerEncoding, logger),
		Metrics:   e.metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	e.worker, err = pipeline.NewWorker(cfg.Async, pipeline.WorkerDeps{
		Store:     e.store,
		Index:     e.index,
		Graph:     e.graph,
		Cache:     e.cache,
		Evaluator: o.evaluator,
		Recovery:  e.recovery,
		Metrics:   e.metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Maintenance.Enabled {
		e.scheduler = NewScheduler(cfg.Maintenance.Interval, e.RunMaintenance, logger)
		e.scheduler.Start()
	}
	return nil
}

// reconcileIndex 索引与存储数量不一致且开启 RebuildOnStart 时从存储重建
func (e *Engine) reconcileIndex(ctx context.Context) error {
	count, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	if int64(e.index.Size()) == count {
		return nil
	}
	if !e.cfg.Index.RebuildOnStart {
		e.logger.Warn("vector index out of sync with store",
			zap.Int("indexed", e.index.Size()),
			zap.Int64("stored", count),
		)
		return nil
	}
	e.logger.Warn("vector index out of sync with store, rebuilding",
		zap.Int("indexed", e.index.Size()),
		zap.Int64("stored", count),
	)
	_, err = index.Rebuild(ctx, e.index, e.store, e.logger)
	return err
}

func poolConfig(cfg config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	pc.HealthCheckInterval = cfg.HealthCheckInterval
	// 内存库每个连接都是独立的数据库
	if cfg.Driver == "sqlite" && (cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory")) {
		pc.MaxOpenConns = 1
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	return pc
}

// =============================================================================
// 📖 读路径
// =============================================================================

// EnhanceQuery 返回为本次查询组装的上下文. 只有 ctx 取消时返回错误
func (e *Engine) EnhanceQuery(ctx context.Context, text string, rc RequestContext) (string, error) {
	res, err := e.Enhance(ctx, text, rc)
	if err != nil {
		return "", err
	}
	return res.Context, nil
}

// Enhance 与 EnhanceQuery 相同，但返回完整的管道结果（记忆、分类、阶段记录）
func (e *Engine) Enhance(ctx context.Context, text string, rc RequestContext) (pipeline.Result, error) {
	q := pipeline.Query{Text: text}
	if rc.SessionID != "" || rc.UserID != "" {
		sess, _ := e.sessions.Resolve(rc.SessionID, rc.UserID)
		q.SessionID = sess.ID
	}
	return e.enhancer.Enhance(ctx, q)
}

// GetMemory 先查缓存再查存储
func (e *Engine) GetMemory(ctx context.Context, id string) (types.Memory, error) {
	if m, ok := e.cache.Get(ctx, id); ok {
		return m, nil
	}
	m, err := e.store.GetByID(ctx, id)
	if err != nil {
		return types.Memory{}, err
	}
	e.cache.Put(ctx, m.ID, m, m.Content)
	return m, nil
}

// Related 返回与记忆关联的记忆
func (e *Engine) Related(ctx context.Context, id string, opts graph.RelatedOptions) ([]graph.Related, error) {
	return e.graph.GetRelated(ctx, id, opts)
}

// =============================================================================
// ✍️ 写路径
// =============================================================================

// StoreInteraction 双写一轮对话的两条记忆，用 precedes 关联配对，
// 然后提交后台评估并立即返回. 两条记忆要么都写入，要么都不写入
func (e *Engine) StoreInteraction(ctx context.Context, userText, aiText string, rc RequestContext) (StoreResult, error) {
	result, err := e.storeInteraction(ctx, userText, aiText, rc)
	status := "ok"
	if err != nil {
		status = string(types.GetErrorCode(err))
		if status == "" {
			status = "error"
		}
	}
	e.metrics.RecordInteraction(status)
	return result, err
}

func (e *Engine) storeInteraction(ctx context.Context, userText, aiText string, rc RequestContext) (StoreResult, error) {
	userText, aiText = strings.TrimSpace(userText), strings.TrimSpace(aiText)
	if userText == "" || aiText == "" {
		return StoreResult{}, types.NewError(types.ErrInvalidInput, "user and assistant text are required")
	}

	sess, _ := e.sessions.Resolve(rc.SessionID, rc.UserID)
	var meta map[string]string
	if rc.UserID != "" {
		meta = map[string]string{"user_id": rc.UserID}
	}

	now := e.now().UTC()
	userID, err := e.add(ctx, store.NewMemory{
		Content: userText, Type: types.MemoryInteraction, Role: types.RoleUser,
		SessionID: sess.ID, Timestamp: now, Weight: types.DefaultWeight, Metadata: meta,
	})
	if err != nil {
		return StoreResult{}, err
	}
	aiID, err := e.add(ctx, store.NewMemory{
		Content: aiText, Type: types.MemoryInteraction, Role: types.RoleAssistant,
		SessionID: sess.ID, Timestamp: now.Add(time.Millisecond), Weight: types.DefaultWeight, Metadata: meta,
	})
	if err != nil {
		if delErr := e.store.Delete(context.Background(), userID); delErr != nil {
			e.logger.Error("orphaned user memory", zap.String("id", userID), zap.Error(delErr))
		}
		return StoreResult{}, err
	}

	if _, err := e.graph.Create(ctx, userID, aiID, types.AssocPrecedes, e.cfg.Association.PairStrength); err != nil {
		e.logger.Warn("pairing interaction failed", zap.String("user_memory_id", userID), zap.Error(err))
	}
	if err := e.sessions.RecordTurn(sess.ID); err != nil {
		e.logger.Debug("session turn not recorded", zap.Error(err))
	}

	result := StoreResult{UserMemoryID: userID, AIMemoryID: aiID, SessionID: sess.ID, Evaluation: "queued"}
	task := pipeline.Task{
		UserMemoryID: userID,
		AIMemoryID:   aiID,
		SessionID:    sess.ID,
		UserText:     userText,
		AIText:       aiText,
	}
	if err := e.worker.Enqueue(task); err != nil {
		if !types.IsErrorCode(err, types.ErrQueueFull) {
			return result, err
		}
		e.logger.Warn("evaluation queue full, applying heuristic inline", zap.String("user_memory_id", userID))
		if _, err := e.worker.ApplyHeuristic(ctx, task); err != nil {
			e.logger.Warn("inline evaluation failed", zap.Error(err))
		}
		result.Evaluation = "inline"
	}
	return result, nil
}

func (e *Engine) add(ctx context.Context, in store.NewMemory) (string, error) {
	id, _, err := recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentStore,
		func(ctx context.Context) (string, error) {
			return e.store.AddInteractionMemory(ctx, in)
		})
	return id, err
}

func (e *Engine) embedGuarded(ctx context.Context, text string) ([]float32, error) {
	vec, _, err := recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentEmbedding,
		func(ctx context.Context) ([]float32, error) {
			return e.embedder.Embed(ctx, text)
		})
	return vec, err
}

// DeleteMemory 删除记忆及其向量、索引项、关联和缓存副本
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	if _, err := e.graph.RemoveMemory(ctx, id); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.cache.Delete(ctx, id)
	return nil
}

// EndSession 结束会话
func (e *Engine) EndSession(sessionID string) (session.Session, error) {
	return e.sessions.End(sessionID)
}

// =============================================================================
// 🔧 维护
// =============================================================================

// RunMaintenance 执行一次关联衰减、会话清理和索引落盘
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	decay, err := e.graph.Decay(ctx, e.cfg.Maintenance.DecayDaysThreshold)
	if err != nil {
		return report, err
	}
	report.Decay = decay
	report.ExpiredSessions = e.sessions.ExpireInactive()

	if err := e.index.Save(); err != nil {
		return report, err
	}
	report.Checkpointed = true

	e.metrics.RecordDBConnections(e.pool.Stats().OpenConnections, e.pool.Stats().Idle)
	e.logger.Info("maintenance completed",
		zap.Int("examined", decay.Examined),
		zap.Int("decayed", decay.Decayed),
		zap.Int("removed", decay.Removed),
		zap.Int("expired_sessions", report.ExpiredSessions),
	)
	return report, nil
}

// RebuildIndex 从存储中的向量重建索引
func (e *Engine) RebuildIndex(ctx context.Context) (index.RebuildResult, error) {
	return index.Rebuild(ctx, e.index, e.store, e.logger)
}

// Ready 检查数据库可用
func (e *Engine) Ready(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Probes 返回就绪探针：数据库，以及支持 Ping 的缓存镜像
func (e *Engine) Probes() map[string]func(ctx context.Context) error {
	probes := map[string]func(ctx context.Context) error{"database": e.Ready}
	if p, ok := e.mirror.(pinger); ok {
		probes["redis"] = p.Ping
	}
	return probes
}

// Close 停止调度与后台 worker（在 DrainTimeout 内排空队列），保存索引并释放资源
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closeErr = e.shutdown(ctx)
		e.logger.Info("memory engine closed")
	})
	return e.closeErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	var errs []error
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.worker != nil {
		dctx := ctx
		if e.cfg.Async.DrainTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, e.cfg.Async.DrainTimeout)
			defer cancel()
		}
		if err := e.worker.Close(dctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.index != nil && e.store != nil {
		if err := e.index.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save index: %w", err))
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := e.embedder.(interface{ Close() }); ok {
		c.Close()
	} else if c, ok := e.embedder.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
