package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/memengine/cache"
	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/embedding"
	"github.com/BaSui01/memengine/graph"
	"github.com/BaSui01/memengine/index"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/internal/telemetry"
	"github.com/BaSui01/memengine/internal/tokenizer"
	"github.com/BaSui01/memengine/recovery"
	"github.com/BaSui01/memengine/scorer"
	"github.com/BaSui01/memengine/types"
)

// =============================================================================
// 🔎 查询增强状态机
// =============================================================================

// Stage 管道阶段
type Stage string

const (
	StageInit             Stage = "INIT"
	StageVectorize        Stage = "VECTORIZE"
	StageCacheLookup      Stage = "CACHE_LOOKUP"
	StageIndexSearch      Stage = "INDEX_SEARCH"
	StageAssocExpand      Stage = "ASSOC_EXPAND"
	StageHistoryAggregate Stage = "HISTORY_AGGREGATE"
	StageRankDedupe       Stage = "RANK_DEDUPE"
	StageAssemble         Stage = "ASSEMBLE"
	StageDone             Stage = "DONE"
)

// Stages 按执行顺序列出所有阶段
var Stages = []Stage{
	StageInit, StageVectorize, StageCacheLookup, StageIndexSearch, StageAssocExpand,
	StageHistoryAggregate, StageRankDedupe, StageAssemble, StageDone,
}

// StageStatus 阶段结果
type StageStatus string

const (
	StatusOK       StageStatus = "ok"
	StatusDegraded StageStatus = "degraded"
	StatusFailed   StageStatus = "failed"
	StatusSkipped  StageStatus = "skipped"
)

// StageTrace 单个阶段的执行记录
type StageTrace struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Items    int           `json:"items"`
	Error    string        `json:"error,omitempty"`
}

// Query 增强请求
type Query struct {
	Text      string
	SessionID string
}

// Result 增强结果
type Result struct {
	Context  string          `json:"context"`
	Memories []scorer.Scored `json:"memories"`
	Sections []Section       `json:"sections"`
	Trace    []StageTrace    `json:"trace"`
	Degraded bool            `json:"degraded"`
	Tokens   int             `json:"tokens"`
}

// MemoryReader 管道读取记忆所需的存储能力
type MemoryReader interface {
	GetByIDs(ctx context.Context, ids []string) ([]types.Memory, error)
	GetBySession(ctx context.Context, sessionID string, limit int) ([]types.Memory, error)
	GetByTier(ctx context.Context, tier types.Tier, limit int) ([]types.Memory, error)
	Touch(ctx context.Context, ids ...string) error
}

// Expander 关联扩展
type Expander interface {
	GetRelated(ctx context.Context, memoryID string, opts graph.RelatedOptions) ([]graph.Related, error)
}

// Deps 管道依赖. Graph、Recovery、Tokenizer、Metrics、Logger 可为空
type Deps struct {
	Embedder  embedding.Provider
	Index     index.AnnIndex
	Store     MemoryReader
	Cache     *cache.Manager[types.Memory]
	Graph     Expander
	Scorer    *scorer.Scorer
	Recovery  *recovery.Manager
	Tokenizer tokenizer.Tokenizer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// historyTiers 历史聚合读取的层级
var historyTiers = []types.Tier{types.TierCore, types.TierArchive, types.TierLongTerm}

// Enhancer 同步查询增强管道，运行在调用方的 goroutine 上
type Enhancer struct {
	cfg       config.PipelineConfig
	embedder  embedding.Provider
	index     index.AnnIndex
	store     MemoryReader
	cache     *cache.Manager[types.Memory]
	graph     Expander
	scorer    *scorer.Scorer
	recovery  *recovery.Manager
	assembler assembler
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewEnhancer 创建查询增强管道
func NewEnhancer(cfg config.PipelineConfig, deps Deps) (*Enhancer, error) {
	if deps.Embedder == nil || deps.Index == nil || deps.Store == nil || deps.Cache == nil || deps.Scorer == nil {
		return nil, errors.New("pipeline: embedder, index, store, cache and scorer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := deps.Recovery
	if rec == nil {
		rec = recovery.NewManager(recovery.Policy{}, logger)
	}
	tok := deps.Tokenizer
	if tok == nil {
		tok = tokenizer.New(cfg.TokenizerEncoding, logger)
	}
	if cfg.RetrievalWorkers <= 0 {
		cfg.RetrievalWorkers = 1
	}

	return &Enhancer{
		cfg:       cfg,
		embedder:  deps.Embedder,
		index:     deps.Index,
		store:     deps.Store,
		cache:     deps.Cache,
		graph:     deps.Graph,
		scorer:    deps.Scorer,
		recovery:  rec,
		assembler: assembler{tok: tok, budget: cfg.MaxContextTokens},
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "enhancer")),
	}, nil
}

// run 单次执行的中间状态
type run struct {
	query      Query
	terms      string
	vector     []float32
	candidates []scorer.Candidate
	seen       map[string]struct{}
	session    []types.Memory
	ranked     []scorer.Scored
	result     Result
}

func (r *run) add(m types.Memory, similarity float64, source string) bool {
	if _, ok := r.seen[m.ID]; ok {
		return false
	}
	r.seen[m.ID] = struct{}{}
	r.candidates = append(r.candidates, scorer.Candidate{Memory: m, Similarity: similarity, Source: source})
	return true
}

// Enhance 执行完整的增强流程. 只在 ctx 取消时返回错误，
// 其余故障都降级为空或部分结果并记录在 Trace 中
func (e *Enhancer) Enhance(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "memengine.enhance",
		attribute.String("session_id", q.SessionID),
		attribute.Int("query_len", len(q.Text)),
	)

	r := &run{query: q, terms: strings.TrimSpace(q.Text), seen: make(map[string]struct{})}
	res, err := e.execute(ctx, r)
	telemetry.EndSpan(span, err)

	status := "ok"
	switch {
	case err != nil:
		status = "cancelled"
	case res.Degraded:
		status = "degraded"
	}
	e.metrics.RecordEnhance(status, time.Since(start))
	return res, err
}

func (e *Enhancer) execute(ctx context.Context, r *run) (Result, error) {
	r.result.Trace = append(r.result.Trace, StageTrace{Stage: StageInit, Status: StatusOK})
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	vecErr := e.stage(ctx, r, StageVectorize, e.vectorize)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if vecErr != nil {
		// 向量化失败：只返回角色设定和最近的会话轮次
		for _, s := range []Stage{StageCacheLookup, StageIndexSearch, StageAssocExpand} {
			r.result.Trace = append(r.result.Trace, StageTrace{Stage: s, Status: StatusSkipped})
		}
		e.stage(ctx, r, StageHistoryAggregate, e.sessionOnly)
		r.result.Trace = append(r.result.Trace, StageTrace{Stage: StageRankDedupe, Status: StatusSkipped})
	} else {
		for _, st := range []struct {
			stage Stage
			fn    stageFunc
		}{
			{StageCacheLookup, e.cacheLookup},
			{StageIndexSearch, e.indexSearch},
			{StageAssocExpand, e.assocExpand},
			{StageHistoryAggregate, e.historyAggregate},
			{StageRankDedupe, e.rankDedupe},
		} {
			e.stage(ctx, r, st.stage, st.fn)
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
	}

	e.stage(ctx, r, StageAssemble, e.assemble)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	r.result.Trace = append(r.result.Trace, StageTrace{Stage: StageDone, Status: StatusOK})
	return r.result, nil
}

type stageFunc func(ctx context.Context, r *run) (int, error)

// stage 运行单个阶段并记录 span、指标与 Trace
func (e *Enhancer) stage(ctx context.Context, r *run, stage Stage, fn stageFunc) error {
	start := time.Now()
	sctx, span := telemetry.StartSpan(ctx, "memengine.stage."+strings.ToLower(string(stage)))
	n, err := fn(sctx, r)
	span.SetAttributes(attribute.Int("items", n))
	telemetry.EndSpan(span, err)

	elapsed := time.Since(start)
	e.metrics.RecordStage(string(stage), elapsed)

	tr := StageTrace{Stage: stage, Status: StatusOK, Duration: elapsed, Items: n}
	if err != nil {
		tr.Status = StatusDegraded
		if stage == StageVectorize {
			tr.Status = StatusFailed
		}
		tr.Error = err.Error()
		r.result.Degraded = true
		e.logger.Warn("stage degraded",
			zap.String("stage", string(stage)),
			zap.Error(err),
		)
	}
	r.result.Trace = append(r.result.Trace, tr)
	return err
}

// --- 阶段实现 ---

func (e *Enhancer) vectorize(ctx context.Context, r *run) (int, error) {
	if r.terms == "" {
		return 0, types.NewError(types.ErrVectorization, "empty query")
	}
	vec, _, err := recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentEmbedding,
		func(ctx context.Context) ([]float32, error) {
			return e.embedder.Embed(ctx, r.terms)
		})
	if err != nil {
		return 0, err
	}
	if err := embedding.Validate(vec, e.embedder.Dimension()); err != nil {
		return 0, err
	}
	r.vector = vec
	return 1, nil
}

func (e *Enhancer) cacheLookup(_ context.Context, r *run) (int, error) {
	n := 0
	for _, m := range e.cache.SearchByContent(r.terms, e.cfg.CacheSearchLimit) {
		if r.add(m, 0, "cache") {
			n++
		}
	}
	return n, nil
}

func (e *Enhancer) indexSearch(ctx context.Context, r *run) (int, error) {
	hits, _, err := recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentIndex,
		func(ctx context.Context) ([]index.Hit, error) {
			return e.index.Search(ctx, r.vector, e.cfg.SearchTopK)
		})
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(hits))
	similarity := make(map[string]float64, len(hits))
	for _, h := range hits {
		if h.Similarity < e.cfg.MinSimilarity {
			continue
		}
		ids = append(ids, h.ID)
		similarity[h.ID] = h.Similarity
	}

	mems, err := e.resolve(ctx, ids)
	n := 0
	for _, m := range mems {
		if r.add(m, similarity[m.ID], "index") {
			n++
		}
	}
	return n, err
}

func (e *Enhancer) assocExpand(ctx context.Context, r *run) (int, error) {
	if e.graph == nil {
		return 0, nil
	}
	seeds := make([]string, 0, e.cfg.AssocSeeds)
	for _, c := range r.candidates {
		if len(seeds) >= e.cfg.AssocSeeds {
			break
		}
		if c.Source == "index" {
			seeds = append(seeds, c.Memory.ID)
		}
	}

	var (
		ids   []string
		errs  []error
		dedup = make(map[string]struct{})
	)
	for _, seed := range seeds {
		related, err := e.graph.GetRelated(ctx, seed, graph.RelatedOptions{
			Depth:       e.cfg.AssocDepth,
			MinStrength: e.cfg.AssocMinStrength,
			MaxResults:  e.cfg.AssocMaxResults,
			Direction:   graph.DirectionBoth,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, rel := range related {
			if _, ok := r.seen[rel.MemoryID]; ok {
				continue
			}
			if _, ok := dedup[rel.MemoryID]; ok {
				continue
			}
			dedup[rel.MemoryID] = struct{}{}
			ids = append(ids, rel.MemoryID)
		}
	}

	mems, err := e.resolve(ctx, ids)
	if err != nil {
		errs = append(errs, err)
	}
	n := 0
	for _, m := range mems {
		if r.add(m, 0, "association") {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (e *Enhancer) historyAggregate(ctx context.Context, r *run) (int, error) {
	var (
		mu      sync.Mutex
		byTier  = make([][]types.Memory, len(historyTiers))
		session []types.Memory
		errs    []error
	)
	fail := func(branch string, err error) {
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", branch, err))
		mu.Unlock()
	}

	// 分支失败只记录，不影响其他分支
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RetrievalWorkers)
	for i, tier := range historyTiers {
		g.Go(func() error {
			mems, _, err := recovery.ExecuteTyped(gctx, e.recovery, recovery.ComponentStore,
				func(ctx context.Context) ([]types.Memory, error) {
					return e.store.GetByTier(ctx, tier, e.cfg.TierFetchLimit)
				})
			if err != nil {
				fail(string(tier), err)
				return nil
			}
			byTier[i] = mems
			return nil
		})
	}
	if r.query.SessionID != "" {
		g.Go(func() error {
			mems, err := e.sessionTurns(gctx, r.query.SessionID)
			if err != nil {
				fail("session", err)
				return nil
			}
			session = mems
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, mems := range byTier {
		for _, m := range mems {
			if r.add(m, 0, "history") {
				n++
			}
		}
	}
	r.session = session
	return n + len(session), errors.Join(errs...)
}

func (e *Enhancer) sessionOnly(ctx context.Context, r *run) (int, error) {
	if r.query.SessionID == "" {
		return 0, nil
	}
	mems, err := e.sessionTurns(ctx, r.query.SessionID)
	if err != nil {
		return 0, err
	}
	r.session = mems
	return len(mems), nil
}

// sessionTurns 返回会话最近 SessionTurns 条记录（按时间正序）
func (e *Enhancer) sessionTurns(ctx context.Context, sessionID string) ([]types.Memory, error) {
	if e.cfg.SessionTurns <= 0 {
		return nil, nil
	}
	mems, _, err := recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentStore,
		func(ctx context.Context) ([]types.Memory, error) {
			return e.store.GetBySession(ctx, sessionID, e.cfg.SessionTurns)
		})
	return mems, err
}

func (e *Enhancer) rankDedupe(_ context.Context, r *run) (int, error) {
	inSession := make(map[string]struct{}, len(r.session))
	for _, m := range r.session {
		inSession[m.ID] = struct{}{}
	}
	cands := make([]scorer.Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		if _, ok := inSession[c.Memory.ID]; ok {
			continue
		}
		cands = append(cands, c)
	}
	r.ranked = e.scorer.RankAndDedupe(cands, r.terms, e.cfg.MaxResults)
	return len(r.ranked), nil
}

func (e *Enhancer) assemble(ctx context.Context, r *run) (int, error) {
	sections := buildSections(e.cfg.RoleSetting, r.session, r.ranked)
	text, tokens, kept := e.assembler.Assemble(sections)

	r.result.Context = text
	r.result.Tokens = tokens
	r.result.Sections = kept
	r.result.Memories = keptMemories(r.ranked, kept)

	if len(r.result.Memories) == 0 {
		return len(kept), nil
	}
	ids := make([]string, 0, len(r.result.Memories))
	for _, s := range r.result.Memories {
		ids = append(ids, s.Memory.ID)
	}
	if err := e.store.Touch(ctx, ids...); err != nil {
		e.logger.Debug("touch failed", zap.Error(err))
	}
	return len(kept), nil
}

// resolve 先查缓存，未命中的再查存储并回填缓存. 返回顺序与 ids 一致
func (e *Enhancer) resolve(ctx context.Context, ids []string) ([]types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found := make(map[string]types.Memory, len(ids))
	var missing []string
	for _, id := range ids {
		if m, ok := e.cache.Get(ctx, id); ok {
			found[id] = m
			continue
		}
		missing = append(missing, id)
	}

	var err error
	if len(missing) > 0 {
		var mems []types.Memory
		mems, _, err = recovery.ExecuteTyped(ctx, e.recovery, recovery.ComponentStore,
			func(ctx context.Context) ([]types.Memory, error) {
				return e.store.GetByIDs(ctx, missing)
			})
		for _, m := range mems {
			found[m.ID] = m
			e.cache.Put(ctx, m.ID, m, m.Content)
		}
	}

	out := make([]types.Memory, 0, len(found))
	for _, id := range ids {
		if m, ok := found[id]; ok {
			out = append(out, m)
		}
	}
	return out, err
}
