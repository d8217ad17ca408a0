package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memengine/cache"
	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/evaluator"
	"github.com/BaSui01/memengine/graph"
	"github.com/BaSui01/memengine/index"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/internal/pool"
	"github.com/BaSui01/memengine/internal/telemetry"
	"github.com/BaSui01/memengine/recovery"
	"github.com/BaSui01/memengine/store"
	"github.com/BaSui01/memengine/types"
)

// =============================================================================
// 🧵 后台评估
// =============================================================================

// Task 一轮对话的后台评估任务
type Task struct {
	UserMemoryID string `json:"user_memory_id"`
	AIMemoryID   string `json:"ai_memory_id"`
	SessionID    string `json:"session_id"`
	UserText     string `json:"user_text"`
	AIText       string `json:"ai_text"`
}

// MemoryWriter 后台评估需要的存储能力
type MemoryWriter interface {
	GetByIDs(ctx context.Context, ids []string) ([]types.Memory, error)
	GetBySession(ctx context.Context, sessionID string, limit int) ([]types.Memory, error)
	GetVector(ctx context.Context, id string) ([]float32, error)
	UpdateEvaluation(ctx context.Context, id string, ev store.Evaluation) (types.Memory, error)
}

// Linker 关联图写入能力
type Linker interface {
	Create(ctx context.Context, source, target string, typ types.AssociationType, strength float64) (string, error)
	Edges(memoryID string, dir graph.Direction) []types.Association
}

// WorkerDeps 后台评估依赖. Evaluator 为空时只使用启发式评估
type WorkerDeps struct {
	Store     MemoryWriter
	Index     index.AnnIndex
	Graph     Linker
	Cache     *cache.Manager[types.Memory]
	Evaluator evaluator.Evaluator
	Recovery  *recovery.Manager
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Outcome 单个任务的处理结果
type Outcome struct {
	Evaluation evaluator.Result `json:"evaluation"`
	Fallback   bool             `json:"fallback"`
	Links      int              `json:"links"`
	Flagged    []string         `json:"flagged,omitempty"`
}

// Worker 单 worker 的 FIFO 后台评估管道. Enqueue 不阻塞调用方
type Worker struct {
	cfg       config.AsyncConfig
	store     MemoryWriter
	index     index.AnnIndex
	graph     Linker
	cache     *cache.Manager[types.Memory]
	evaluator evaluator.Evaluator
	recovery  *recovery.Manager
	limiter   *rate.Limiter
	queue     *pool.Queue
	metrics   *metrics.Collector
	logger    *zap.Logger

	// onDone 测试钩子
	onDone func(Task, Outcome, error)
}

// WorkerOption 配置 Worker
type WorkerOption func(*Worker)

// WithTaskHook 在每个任务处理完后回调
func WithTaskHook(fn func(Task, Outcome, error)) WorkerOption {
	return func(w *Worker) { w.onDone = fn }
}

// NewWorker 创建并启动后台评估 worker
func NewWorker(cfg config.AsyncConfig, deps WorkerDeps, opts ...WorkerOption) (*Worker, error) {
	if deps.Store == nil || deps.Index == nil {
		return nil, errors.New("pipeline: worker requires store and index")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := deps.Recovery
	if rec == nil {
		rec = recovery.NewManager(recovery.Policy{}, logger)
	}

	limit := rate.Inf
	if cfg.EvaluatorRPS > 0 {
		limit = rate.Limit(cfg.EvaluatorRPS)
	}
	burst := cfg.EvaluatorBurst
	if burst <= 0 {
		burst = 1
	}

	w := &Worker{
		cfg:       cfg,
		store:     deps.Store,
		index:     deps.Index,
		graph:     deps.Graph,
		cache:     deps.Cache,
		evaluator: deps.Evaluator,
		recovery:  rec,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "evaluation_worker")),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.queue = pool.NewQueue(pool.QueueConfig{
		Workers:   1,
		QueueSize: cfg.QueueSize,
		Overflow:  pool.OverflowPolicy(cfg.Overflow),
		PanicHandler: func(r any) {
			w.logger.Error("evaluation task panicked", zap.Any("panic", r))
		},
		OnDrop: func() {
			w.logger.Warn("oldest evaluation task dropped")
			w.metrics.RecordQueueRejected()
		},
	})
	return w, nil
}

// Enqueue 提交任务. 队列满时返回 QUEUE_FULL，关闭后返回 INVALID_INPUT
func (w *Worker) Enqueue(task Task) error {
	err := w.queue.Submit(func(ctx context.Context) error {
		defer func() { w.metrics.SetQueueDepth(w.queue.Stats().Queued) }()
		out, err := w.Process(ctx, task)
		if w.onDone != nil {
			w.onDone(task, out, err)
		}
		return err
	})
	w.metrics.SetQueueDepth(w.queue.Stats().Queued)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, pool.ErrQueueFull):
		w.metrics.RecordQueueRejected()
		return types.NewError(types.ErrQueueFull, "evaluation queue is full").
			WithCause(err).
			WithRetryable(true)
	case errors.Is(err, pool.ErrQueueClosed):
		return types.NewError(types.ErrInvalidInput, "evaluation worker is closed").WithCause(err)
	default:
		return err
	}
}

// Process 处理一个任务：评估、更新权重、自动关联、标记摘要并使缓存失效
func (w *Worker) Process(ctx context.Context, task Task) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "memengine.evaluate",
		attribute.String("session_id", task.SessionID),
	)
	out, err := w.process(ctx, task)
	telemetry.EndSpan(span, err)
	if err != nil {
		w.logger.Warn("evaluation task failed",
			zap.String("user_memory_id", task.UserMemoryID),
			zap.Error(err),
		)
	}
	return out, err
}

func (w *Worker) process(ctx context.Context, task Task) (Outcome, error) {
	var out Outcome
	defer w.invalidate(ctx, task)

	req := evaluator.Request{
		UserText: task.UserText,
		AIText:   task.AIText,
		History:  w.history(ctx, task),
	}
	out.Evaluation, out.Fallback = w.evaluate(ctx, req)
	w.metrics.RecordEvaluation(out.Evaluation.Source)

	updated, err := w.apply(ctx, task, out.Evaluation)
	if err != nil {
		return out, err
	}

	for i, m := range updated {
		partner := task.AIMemoryID
		if i == 1 {
			partner = task.UserMemoryID
		}
		n, err := w.autoLink(ctx, m, partner)
		if err != nil {
			w.logger.Warn("auto link failed", zap.String("memory_id", m.ID), zap.Error(err))
		}
		out.Links += n
	}

	for _, m := range updated {
		flagged, err := w.flagForSummary(ctx, m)
		if err != nil {
			w.logger.Warn("summary flag failed", zap.String("memory_id", m.ID), zap.Error(err))
			continue
		}
		if flagged {
			out.Flagged = append(out.Flagged, m.ID)
		}
	}

	w.logger.Debug("evaluation applied",
		zap.String("user_memory_id", task.UserMemoryID),
		zap.Float64("weight", out.Evaluation.Weight),
		zap.String("source", out.Evaluation.Source),
		zap.Int("links", out.Links),
	)
	return out, nil
}

// ApplyHeuristic 在队列拒绝任务时同步应用启发式权重，只更新两条记忆本身
func (w *Worker) ApplyHeuristic(ctx context.Context, task Task) (evaluator.Result, error) {
	res := evaluator.Estimate(evaluator.Request{UserText: task.UserText, AIText: task.AIText})
	w.metrics.RecordEvaluation(res.Source)
	_, err := w.apply(ctx, task, res)
	w.invalidate(ctx, task)
	return res, err
}

// history 取会话中本轮之前的最近 HistoryTurns 条
func (w *Worker) history(ctx context.Context, task Task) []string {
	if task.SessionID == "" || w.cfg.HistoryTurns <= 0 {
		return nil
	}
	mems, err := w.store.GetBySession(ctx, task.SessionID, w.cfg.HistoryTurns+2)
	if err != nil {
		w.logger.Debug("history unavailable", zap.Error(err))
		return nil
	}
	lines := make([]string, 0, len(mems))
	for _, m := range mems {
		if m.ID == task.UserMemoryID || m.ID == task.AIMemoryID {
			continue
		}
		lines = append(lines, turnText(m))
	}
	if len(lines) > w.cfg.HistoryTurns {
		lines = lines[len(lines)-w.cfg.HistoryTurns:]
	}
	return lines
}

// evaluate 调用评估器，失败时回退到启发式. 返回值表示是否发生回退
func (w *Worker) evaluate(ctx context.Context, req evaluator.Request) (evaluator.Result, bool) {
	if w.evaluator == nil {
		return evaluator.Estimate(req), false
	}

	res, _, err := recovery.ExecuteTyped(ctx, w.recovery, recovery.ComponentEvaluator,
		func(ctx context.Context) (evaluator.Result, error) {
			if err := w.limiter.Wait(ctx); err != nil {
				return evaluator.Result{}, err
			}
			if w.cfg.EvaluatorTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, w.cfg.EvaluatorTimeout)
				defer cancel()
			}
			return w.evaluator.Evaluate(ctx, req)
		})
	if err != nil {
		w.logger.Warn("evaluator unavailable, using heuristic", zap.Error(err))
		return evaluator.Estimate(req), true
	}
	if res.Source == "" {
		res.Source = "evaluator"
	}
	return res, false
}

// apply 把评估结果写到本轮的两条记忆上
func (w *Worker) apply(ctx context.Context, task Task, res evaluator.Result) ([]types.Memory, error) {
	meta := map[string]string{"evaluation_source": res.Source}
	if res.Emotion != "" {
		meta["emotion"] = res.Emotion
	}

	var (
		updated []types.Memory
		errs    []error
	)
	for _, id := range []string{task.UserMemoryID, task.AIMemoryID} {
		if id == "" {
			continue
		}
		m, err := w.store.UpdateEvaluation(ctx, id, store.Evaluation{
			Weight:   res.Weight,
			GroupID:  res.Topic,
			Metadata: meta,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", id, err))
			continue
		}
		updated = append(updated, m)
	}
	return updated, errors.Join(errs...)
}

// autoLink 把 m 关联到最相似的已有记忆：同组为 same_topic，否则 related
func (w *Worker) autoLink(ctx context.Context, m types.Memory, partner string) (int, error) {
	if w.graph == nil || w.cfg.AutoLinkTopK <= 0 {
		return 0, nil
	}
	vec, err := w.store.GetVector(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	hits, _, err := recovery.ExecuteTyped(ctx, w.recovery, recovery.ComponentIndex,
		func(ctx context.Context) ([]index.Hit, error) {
			return w.index.Search(ctx, vec, w.cfg.AutoLinkTopK+2)
		})
	if err != nil {
		return 0, err
	}

	similarity := make(map[string]float64)
	ids := make([]string, 0, w.cfg.AutoLinkTopK)
	for _, h := range hits {
		if len(ids) >= w.cfg.AutoLinkTopK {
			break
		}
		if h.ID == m.ID || h.ID == partner || h.Similarity < w.cfg.AutoLinkMinSimilarity {
			continue
		}
		ids = append(ids, h.ID)
		similarity[h.ID] = h.Similarity
	}
	if len(ids) == 0 {
		return 0, nil
	}

	others, err := w.store.GetByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	linked := 0
	var errs []error
	for _, o := range others {
		typ := types.AssocRelated
		if m.GroupID != "" && o.GroupID == m.GroupID {
			typ = types.AssocSameTopic
		}
		if _, err := w.graph.Create(ctx, m.ID, o.ID, typ, types.ClampStrength(similarity[o.ID])); err != nil {
			errs = append(errs, err)
			continue
		}
		linked++
	}
	return linked, errors.Join(errs...)
}

// flagForSummary 对 archive 及以上且关联数足够的记忆打上 needs_summary
func (w *Worker) flagForSummary(ctx context.Context, m types.Memory) (bool, error) {
	if w.graph == nil || m.Tier().Rank() < types.TierArchive.Rank() {
		return false, nil
	}
	if m.Metadata["needs_summary"] == "true" {
		return false, nil
	}
	related := make(map[string]struct{})
	for _, a := range w.graph.Edges(m.ID, graph.DirectionBoth) {
		other := a.TargetKey
		if other == m.ID {
			other = a.SourceKey
		}
		related[other] = struct{}{}
	}
	if len(related) < w.cfg.SummaryMinRelated {
		return false, nil
	}
	_, err := w.store.UpdateEvaluation(ctx, m.ID, store.Evaluation{
		Weight:   m.Weight,
		Metadata: map[string]string{"needs_summary": "true"},
	})
	return err == nil, err
}

func (w *Worker) invalidate(ctx context.Context, task Task) {
	if w.cache == nil {
		return
	}
	w.cache.Delete(ctx, task.UserMemoryID)
	w.cache.Delete(ctx, task.AIMemoryID)
}

// WorkerStats 后台评估统计
type WorkerStats struct {
	Queue   pool.QueueStats `json:"queue"`
	Limiter float64         `json:"limiter_tokens"`
}

// Stats 返回队列统计
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Queue:   w.queue.Stats(),
		Limiter: w.limiter.TokensAt(time.Now()),
	}
}

// Close 停止接收并排空队列，ctx 到期后放弃剩余任务
func (w *Worker) Close(ctx context.Context) error {
	err := w.queue.Close(ctx)
	w.metrics.SetQueueDepth(0)
	if err != nil {
		w.logger.Warn("evaluation queue not drained", zap.Error(err))
	}
	return err
}
