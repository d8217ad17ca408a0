package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/types"
	"go.uber.org/zap"
)

// Persister 关联的持久化后端（记忆存储）
type Persister interface {
	SaveAssociation(ctx context.Context, a types.Association) error
	DeleteAssociations(ctx context.Context, ids ...string) error
	LoadAssociations(ctx context.Context) ([]types.Association, error)
}

// Direction 遍历方向
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// RelatedOptions 多跳检索参数
type RelatedOptions struct {
	Depth       int
	MinStrength float64
	MaxResults  int
	Direction   Direction
}

// Related 一条检索结果
type Related struct {
	MemoryID     string            `json:"memory_id"`
	Association  types.Association `json:"association"`
	Hops         int               `json:"hops"`
	PathStrength float64           `json:"path_strength"`
}

// DecayResult 一次衰减的统计
type DecayResult struct {
	Examined   int      `json:"examined"`
	Decayed    int      `json:"decayed"`
	Removed    int      `json:"removed"`
	RemovedIDs []string `json:"removed_ids,omitempty"`
}

// =============================================================================
// 🕸️ 关联图
// =============================================================================

// Graph 记忆之间有向、带类型和强度的关联.
// 内存中维护出边/入边邻接表，每次变更逐条写穿到 Persister.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]*types.Association
	// out 记录从某条记忆出发的关联 ID
	out map[string]map[string]struct{}
	// in 记录指向某条记忆的关联 ID
	in map[string]map[string]struct{}

	cfg       config.AssociationConfig
	persister Persister
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// Option 关联图选项
type Option func(*Graph)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Graph) { g.metrics = m }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// New 创建关联图. persister 为 nil 时只在内存中维护
func New(cfg config.AssociationConfig, persister Persister, opts ...Option) *Graph {
	g := &Graph{
		edges:     make(map[string]*types.Association),
		out:       make(map[string]map[string]struct{}),
		in:        make(map[string]map[string]struct{}),
		cfg:       cfg,
		persister: persister,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "association_graph"))
	return g
}

// Load 从持久化后端重新加载全部关联
func (g *Graph) Load(ctx context.Context) error {
	if g.persister == nil {
		return nil
	}
	all, err := g.persister.LoadAssociations(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[string]*types.Association, len(all))
	g.out = make(map[string]map[string]struct{})
	g.in = make(map[string]map[string]struct{})
	for i := range all {
		g.linkLocked(all[i])
	}
	g.logger.Info("associations loaded", zap.Int("count", len(all)))
	return nil
}

// =============================================================================
// ✍️ 变更
// =============================================================================

// Create 创建关联. source == target 时不做任何事并返回空 id；
// 同一 (source, target, type) 已存在时按 StrengthenDelta 增强而不是重复创建
func (g *Graph) Create(ctx context.Context, source, target string, typ types.AssociationType, strength float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if source == target {
		return "", nil
	}
	if source == "" || target == "" {
		return "", types.NewError(types.ErrInvalidInput, "association source and target are required").WithComponent("graph")
	}
	if !typ.Valid() {
		return "", types.NewError(types.ErrInvalidInput, fmt.Sprintf("unknown association type %q", typ)).WithComponent("graph")
	}

	id := types.AssociationID(source, target, typ)
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	var next types.Association
	op := "create"
	if existing, ok := g.edges[id]; ok {
		next = *existing
		next.Strength = types.ClampStrength(existing.Strength + g.cfg.StrengthenDelta)
		next.LastActivated = now
		op = "strengthen"
	} else {
		next = types.Association{
			ID:            id,
			SourceKey:     source,
			TargetKey:     target,
			Type:          typ,
			Strength:      types.ClampStrength(strength),
			CreatedAt:     now,
			LastActivated: now,
		}
	}

	if err := g.saveLocked(ctx, next); err != nil {
		return "", err
	}
	g.metrics.RecordAssociation(op, 1)
	g.logger.Debug("association saved",
		zap.String("op", op),
		zap.String("id", id),
		zap.String("source", source),
		zap.String("target", target),
		zap.String("type", string(typ)),
		zap.Float64("strength", next.Strength))
	return id, nil
}

// Strengthen 增加强度（上限 1）
func (g *Graph) Strengthen(ctx context.Context, id string, delta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.edges[id]
	if !ok {
		return notFound(id)
	}
	next := *existing
	next.Strength = types.ClampStrength(existing.Strength + delta)
	next.LastActivated = g.now().UTC()
	if err := g.saveLocked(ctx, next); err != nil {
		return err
	}
	g.metrics.RecordAssociation("strengthen", 1)
	return nil
}

// Weaken 降低强度；低于 MinStrength 时删除该关联并返回 true
func (g *Graph) Weaken(ctx context.Context, id string, delta float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.edges[id]
	if !ok {
		return false, notFound(id)
	}
	strength := types.ClampStrength(existing.Strength - delta)
	if strength < g.cfg.MinStrength {
		if err := g.deleteLocked(ctx, id); err != nil {
			return false, err
		}
		g.metrics.RecordAssociation("remove", 1)
		return true, nil
	}
	next := *existing
	next.Strength = strength
	if err := g.saveLocked(ctx, next); err != nil {
		return false, err
	}
	g.metrics.RecordAssociation("weaken", 1)
	return false, nil
}

// Remove 删除一条关联
func (g *Graph) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return notFound(id)
	}
	if err := g.deleteLocked(ctx, id); err != nil {
		return err
	}
	g.metrics.RecordAssociation("remove", 1)
	return nil
}

// RemoveMemory 删除与某条记忆相关的所有关联，返回删除数量
func (g *Graph) RemoveMemory(ctx context.Context, memoryID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.out[memoryID])+len(g.in[memoryID]))
	for id := range g.out[memoryID] {
		ids = append(ids, id)
	}
	for id := range g.in[memoryID] {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)

	if g.persister != nil {
		if err := g.persister.DeleteAssociations(ctx, ids...); err != nil {
			return 0, err
		}
	}
	for _, id := range ids {
		g.unlinkLocked(id)
	}
	g.metrics.RecordAssociation("remove", len(ids))
	return len(ids), nil
}

// =============================================================================
// 🔍 查询
// =============================================================================

// Get 按 id 读取
func (g *Graph) Get(id string) (types.Association, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.edges[id]
	if !ok {
		return types.Association{}, false
	}
	return *a, true
}

// Count 关联总数
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Edges 返回与 memoryID 相邻的关联（按 id 排序）
func (g *Graph) Edges(memoryID string, dir Direction) []types.Association {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.Association, 0)
	for _, step := range g.stepsLocked(memoryID, dir) {
		out = append(out, *step.edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type step struct {
	edge     *types.Association
	neighbor string
}

// stepsLocked 按方向列出邻边；强度降序，id 升序
func (g *Graph) stepsLocked(memoryID string, dir Direction) []step {
	var steps []step
	if dir == DirectionOut || dir == DirectionBoth {
		for id := range g.out[memoryID] {
			e := g.edges[id]
			steps = append(steps, step{edge: e, neighbor: e.TargetKey})
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		for id := range g.in[memoryID] {
			e := g.edges[id]
			steps = append(steps, step{edge: e, neighbor: e.SourceKey})
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].edge.Strength != steps[j].edge.Strength {
			return steps[i].edge.Strength > steps[j].edge.Strength
		}
		return steps[i].edge.ID < steps[j].edge.ID
	})
	return steps
}

// GetRelated 从 memoryID 出发按广度优先检索关联记忆.
// 只走强度不低于 MinStrength 的边，跨跳去重，结果不超过 MaxResults；
// 被走过的边刷新 LastActivated
func (g *Graph) GetRelated(ctx context.Context, memoryID string, opts RelatedOptions) ([]Related, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Depth <= 0 {
		opts.Depth = 1
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.Direction == "" {
		opts.Direction = DirectionBoth
	}

	type frontierNode struct {
		id       string
		strength float64
	}

	var results []Related
	g.mu.RLock()
	visited := map[string]bool{memoryID: true}
	frontier := []frontierNode{{id: memoryID, strength: 1}}
	for hop := 1; hop <= opts.Depth && len(frontier) > 0 && len(results) < opts.MaxResults; hop++ {
		var next []frontierNode
		for _, node := range frontier {
			for _, st := range g.stepsLocked(node.id, opts.Direction) {
				if st.edge.Strength < opts.MinStrength || visited[st.neighbor] {
					continue
				}
				visited[st.neighbor] = true
				path := node.strength * st.edge.Strength
				results = append(results, Related{
					MemoryID:     st.neighbor,
					Association:  *st.edge,
					Hops:         hop,
					PathStrength: path,
				})
				next = append(next, frontierNode{id: st.neighbor, strength: path})
			}
		}
		frontier = next
	}
	g.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Hops != results[j].Hops {
			return results[i].Hops < results[j].Hops
		}
		return results[i].PathStrength > results[j].PathStrength
	})
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}

	g.activate(ctx, results)
	return results, nil
}

// activate 刷新被走过的边；写穿失败只记录日志
func (g *Graph) activate(ctx context.Context, results []Related) {
	if len(results) == 0 {
		return
	}
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range results {
		e, ok := g.edges[results[i].Association.ID]
		if !ok {
			continue
		}
		next := *e
		next.LastActivated = now
		if err := g.saveLocked(ctx, next); err != nil {
			g.logger.Warn("association activation not persisted",
				zap.String("id", next.ID), zap.Error(err))
			continue
		}
		results[i].Association = next
	}
}

// =============================================================================
// ⏳ 衰减
// =============================================================================

// Decay 衰减超过 daysThreshold 天未激活的关联：
// 降低 rate × (未激活天数 − 阈值) / 30，单次不超过 MaxDecayPerCall；
// 低于 MinStrength 的关联被删除. 强度只减不增
func (g *Graph) Decay(ctx context.Context, daysThreshold float64) (DecayResult, error) {
	if err := ctx.Err(); err != nil {
		return DecayResult{}, err
	}
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var res DecayResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e := g.edges[id]
		res.Examined++

		reduction := DecayAmount(g.cfg, now.Sub(e.LastActivated), daysThreshold)
		if reduction <= 0 {
			continue
		}
		strength := types.ClampStrength(e.Strength - reduction)
		if strength < g.cfg.MinStrength {
			if err := g.deleteLocked(ctx, id); err != nil {
				return res, err
			}
			res.Removed++
			res.RemovedIDs = append(res.RemovedIDs, id)
			continue
		}
		next := *e
		next.Strength = strength
		if err := g.saveLocked(ctx, next); err != nil {
			return res, err
		}
		res.Decayed++
	}

	g.metrics.RecordAssociation("decay", res.Decayed)
	g.metrics.RecordAssociation("remove", res.Removed)
	g.logger.Info("association decay completed",
		zap.Int("examined", res.Examined),
		zap.Int("decayed", res.Decayed),
		zap.Int("removed", res.Removed))
	return res, nil
}

// DecayAmount 计算一条关联本次应衰减的强度，结果在 [0, MaxDecayPerCall]
func DecayAmount(cfg config.AssociationConfig, inactive time.Duration, daysThreshold float64) float64 {
	days := inactive.Hours() / 24
	if days <= daysThreshold {
		return 0
	}
	amount := cfg.DecayRate * (days - daysThreshold) / 30
	if amount > cfg.MaxDecayPerCall {
		amount = cfg.MaxDecayPerCall
	}
	if amount < 0 {
		return 0
	}
	return amount
}

// =============================================================================
// 🔧 内部实现（调用方持有写锁）
// =============================================================================

func (g *Graph) saveLocked(ctx context.Context, a types.Association) error {
	if g.persister != nil {
		if err := g.persister.SaveAssociation(ctx, a); err != nil {
			return asStorageError(err)
		}
	}
	if _, ok := g.edges[a.ID]; ok {
		*g.edges[a.ID] = a
		return nil
	}
	g.linkLocked(a)
	return nil
}

func (g *Graph) deleteLocked(ctx context.Context, id string) error {
	if g.persister != nil {
		if err := g.persister.DeleteAssociations(ctx, id); err != nil {
			return asStorageError(err)
		}
	}
	g.unlinkLocked(id)
	return nil
}

func (g *Graph) linkLocked(a types.Association) {
	copied := a
	g.edges[a.ID] = &copied
	if g.out[a.SourceKey] == nil {
		g.out[a.SourceKey] = make(map[string]struct{})
	}
	g.out[a.SourceKey][a.ID] = struct{}{}
	if g.in[a.TargetKey] == nil {
		g.in[a.TargetKey] = make(map[string]struct{})
	}
	g.in[a.TargetKey][a.ID] = struct{}{}
}

func (g *Graph) unlinkLocked(id string) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	delete(g.edges, id)
	if set := g.out[e.SourceKey]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(g.out, e.SourceKey)
		}
	}
	if set := g.in[e.TargetKey]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(g.in, e.TargetKey)
		}
	}
}

func notFound(id string) *types.Error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("association %s not found", id)).WithComponent("graph")
}

func asStorageError(err error) error {
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewError(types.ErrStorage, "persist association").WithCause(err).WithComponent("graph")
}
