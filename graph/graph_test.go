package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/embedding"
	"github.com/BaSui01/memengine/index"
	"github.com/BaSui01/memengine/internal/database"
	"github.com/BaSui01/memengine/store"
	"github.com/BaSui01/memengine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func testConfig() config.AssociationConfig {
	return config.AssociationConfig{
		MinStrength:     0.1,
		DecayRate:       0.1,
		MaxDecayPerCall: 0.2,
		StrengthenDelta: 0.1,
		PairStrength:    0.8,
	}
}

// mapPersister 内存持久化，可注入失败
type mapPersister struct {
	mu    sync.Mutex
	rows  map[string]types.Association
	fail  bool
	saves int
}

func newMapPersister() *mapPersister {
	return &mapPersister{rows: make(map[string]types.Association)}
}

func (p *mapPersister) SaveAssociation(_ context.Context, a types.Association) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("database unavailable")
	}
	p.saves++
	p.rows[a.ID] = a
	return nil
}

func (p *mapPersister) DeleteAssociations(_ context.Context, ids ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("database unavailable")
	}
	for _, id := range ids {
		delete(p.rows, id)
	}
	return nil
}

func (p *mapPersister) LoadAssociations(context.Context) ([]types.Association, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Association, 0, len(p.rows))
	for _, a := range p.rows {
		out = append(out, a)
	}
	return out, nil
}

func mustCreate(t *testing.T, g *Graph, src, tgt string, typ types.AssociationType, s float64) string {
	t.Helper()
	id, err := g.Create(context.Background(), src, tgt, typ, s)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func relatedIDs(rs []Related) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.MemoryID
	}
	return out
}

// =============================================================================
// 🧪 创建与增强
// =============================================================================

func TestGraph_Create(t *testing.T) {
	ctx := context.Background()
	p := newMapPersister()
	g := New(testConfig(), p)

	id, err := g.Create(ctx, "a", "a", types.AssocRelated, 0.5)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, g.Count())

	_, err = g.Create(ctx, "a", "b", "friends", 0.5)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
	_, err = g.Create(ctx, "", "b", types.AssocRelated, 0.5)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))

	id = mustCreate(t, g, "a", "b", types.AssocRelated, 1.7)
	assert.Equal(t, types.AssociationID("a", "b", types.AssocRelated), id)
	a, ok := g.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1.0, a.Strength)
	assert.Contains(t, p.rows, id)
}

func TestGraph_CreateExistingStrengthens(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil)

	id := mustCreate(t, g, "a", "b", types.AssocRelated, 0.5)
	again, err := g.Create(ctx, "a", "b", types.AssocRelated, 0.9)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, g.Count())

	a, _ := g.Get(id)
	assert.InDelta(t, 0.6, a.Strength, 1e-9)

	// 不同类型是另一条边
	mustCreate(t, g, "a", "b", types.AssocCauses, 0.5)
	assert.Equal(t, 2, g.Count())
}

func TestGraph_StrengthenWeaken(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil)
	id := mustCreate(t, g, "a", "b", types.AssocRelated, 0.5)

	require.NoError(t, g.Strengthen(ctx, id, 0.7))
	a, _ := g.Get(id)
	assert.Equal(t, 1.0, a.Strength)

	removed, err := g.Weaken(ctx, id, 0.5)
	require.NoError(t, err)
	assert.False(t, removed)
	a, _ = g.Get(id)
	assert.InDelta(t, 0.5, a.Strength, 1e-9)

	removed, err = g.Weaken(ctx, id, 0.45)
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok := g.Get(id)
	assert.False(t, ok)

	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(g.Strengthen(ctx, id, 0.1)))
	_, err = g.Weaken(ctx, id, 0.1)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestGraph_PersistFailureLeavesGraphUnchanged(t *testing.T) {
	ctx := context.Background()
	p := newMapPersister()
	g := New(testConfig(), p)
	id := mustCreate(t, g, "a", "b", types.AssocRelated, 0.5)

	p.fail = true
	_, err := g.Create(ctx, "b", "c", types.AssocRelated, 0.5)
	assert.Equal(t, types.ErrStorage, types.GetErrorCode(err))
	assert.Equal(t, 1, g.Count())

	assert.Error(t, g.Strengthen(ctx, id, 0.2))
	a, _ := g.Get(id)
	assert.InDelta(t, 0.5, a.Strength, 1e-9)

	assert.Error(t, g.Remove(ctx, id))
	assert.Equal(t, 1, g.Count())
}

// =============================================================================
// 🧪 遍历
// =============================================================================

func buildChain(t *testing.T, g *Graph) {
	// d → a → b → c, a → e (弱)
	mustCreate(t, g, "a", "b", types.AssocRelated, 0.9)
	mustCreate(t, g, "b", "c", types.AssocElaborates, 0.5)
	mustCreate(t, g, "d", "a", types.AssocCauses, 0.8)
	mustCreate(t, g, "a", "e", types.AssocRelated, 0.15)
}

func TestGraph_GetRelatedOutgoing(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil)
	buildChain(t, g)

	rs, err := g.GetRelated(ctx, "a", RelatedOptions{Depth: 2, MinStrength: 0.2, MaxResults: 10, Direction: DirectionOut})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, relatedIDs(rs))
	assert.Equal(t, 1, rs[0].Hops)
	assert.Equal(t, 2, rs[1].Hops)
	assert.InDelta(t, 0.45, rs[1].PathStrength, 1e-9)

	rs, err = g.GetRelated(ctx, "a", RelatedOptions{Depth: 1, MinStrength: 0, Direction: DirectionOut})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "e"}, relatedIDs(rs))
}

func TestGraph_GetRelatedIncoming(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil)
	buildChain(t, g)

	rs, err := g.GetRelated(ctx, "c", RelatedOptions{Depth: 3, Direction: DirectionIn})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "d"}, relatedIDs(rs))

	rs, err = g.GetRelated(ctx, "d", RelatedOptions{Depth: 3, Direction: DirectionIn})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestGraph_GetRelatedBothDirections(t *testing.T) {
	ctx := context.Background()
	g := New(testConfig(), nil)
	buildChain(t, g)

	rs, err := g.GetRelated(ctx, "a", RelatedOptions{Depth: 1, MinStrength: 0.2, Direction: DirectionBoth})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, relatedIDs(rs))

	rs, err = g.GetRelated(ctx, "a", RelatedOptions{Depth: 3, MinStrength: 0, MaxResults: 2, Direction: DirectionBoth})
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	// 环路不会重复访问
	mustCreate(t, g, "c", "a", types.AssocRelated, 0.9)
	rs, err = g.GetRelated(ctx, "a", RelatedOptions{Depth: 5, Direction: DirectionOut})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "e", "c"}, relatedIDs(rs))
}

func TestGraph_GetRelatedActivatesEdges(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	p := newMapPersister()
	g := New(testConfig(), p, WithClock(clock.Now))
	id := mustCreate(t, g, "a", "b", types.AssocRelated, 0.9)

	clock.Advance(48 * time.Hour)
	rs, err := g.GetRelated(ctx, "a", RelatedOptions{Direction: DirectionOut})
	require.NoError(t, err)
	require.Len(t, rs, 1)

	a, _ := g.Get(id)
	assert.Equal(t, clock.Now(), a.LastActivated)
	assert.Equal(t, clock.Now(), rs[0].Association.LastActivated)
	assert.Equal(t, clock.Now(), p.rows[id].LastActivated)
}

// =============================================================================
// 🧪 衰减
// =============================================================================

func TestGraph_Decay(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := New(testConfig(), newMapPersister(), WithClock(clock.Now))

	strong := mustCreate(t, g, "a", "b", types.AssocRelated, 0.9)
	weak := mustCreate(t, g, "b", "c", types.AssocRelated, 0.15)
	clock.Advance(10 * 24 * time.Hour)
	fresh := mustCreate(t, g, "c", "d", types.AssocRelated, 0.5)

	// 40 天未激活，阈值 7 天：0.1 × 33/30 = 0.11
	clock.Advance(30 * 24 * time.Hour)
	res, err := g.Decay(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 2, res.Decayed)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{weak}, res.RemovedIDs)

	a, _ := g.Get(strong)
	assert.InDelta(t, 0.79, a.Strength, 1e-9)
	f, _ := g.Get(fresh)
	// 30 天未激活：0.1 × 23/30
	assert.InDelta(t, 0.5-0.1*23.0/30.0, f.Strength, 1e-9)

	// 远超阈值时单次衰减被封顶
	clock.Advance(365 * 24 * time.Hour)
	_, err = g.Decay(ctx, 7)
	require.NoError(t, err)
	a, _ = g.Get(strong)
	assert.InDelta(t, 0.59, a.Strength, 1e-9)
}

func TestDecayAmount(t *testing.T) {
	cfg := testConfig()
	day := 24 * time.Hour
	assert.Zero(t, DecayAmount(cfg, 5*day, 7))
	assert.Zero(t, DecayAmount(cfg, 7*day, 7))
	assert.InDelta(t, 0.1, DecayAmount(cfg, 37*day, 7), 1e-9)
	assert.Equal(t, 0.2, DecayAmount(cfg, 1000*day, 7))
}

// Property: decay never increases a strength, and every edge it weakens either
// stays at or above the minimum strength or is removed.
func TestGraph_DecayMonotone(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clock := newClock()
		g := New(testConfig(), nil, WithClock(clock.Now))

		n := rapid.IntRange(1, 12).Draw(rt, "edges")
		for i := 0; i < n; i++ {
			src := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "src")
			tgt := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "tgt")
			s := rapid.Float64Range(0, 1).Draw(rt, "strength")
			if _, err := g.Create(ctx, src, tgt, types.AssocRelated, s); err != nil {
				rt.Fatal(err)
			}
			clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(rt, "gap")) * 24 * time.Hour)
		}

		before := map[string]float64{}
		g.mu.RLock()
		for id, e := range g.edges {
			before[id] = e.Strength
		}
		g.mu.RUnlock()

		threshold := rapid.Float64Range(0, 60).Draw(rt, "threshold")
		res, err := g.Decay(ctx, threshold)
		if err != nil {
			rt.Fatal(err)
		}

		g.mu.RLock()
		defer g.mu.RUnlock()
		for id, e := range g.edges {
			if e.Strength > before[id] {
				rt.Fatalf("edge %s increased from %v to %v", id, before[id], e.Strength)
			}
			if e.Strength != before[id] && e.Strength < testConfig().MinStrength {
				rt.Fatalf("edge %s decayed below the minimum but was kept", id)
			}
			if before[id]-e.Strength > testConfig().MaxDecayPerCall+1e-9 {
				rt.Fatalf("edge %s decayed more than the cap", id)
			}
		}
		for _, id := range res.RemovedIDs {
			if _, ok := g.edges[id]; ok {
				rt.Fatalf("removed edge %s still present", id)
			}
		}
		if len(g.edges)+res.Removed != len(before) {
			rt.Fatalf("edge count mismatch")
		}
	})
}

// =============================================================================
// 🧪 删除与持久化
// =============================================================================

func TestGraph_RemoveMemory(t *testing.T) {
	ctx := context.Background()
	p := newMapPersister()
	g := New(testConfig(), p)
	buildChain(t, g)

	n, err := g.RemoveMemory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, g.Count())
	assert.Len(t, p.rows, 1)
	assert.Empty(t, g.Edges("a", DirectionBoth))
	assert.Len(t, g.Edges("b", DirectionOut), 1)

	n, err = g.RemoveMemory(ctx, "zzz")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGraph_WriteThroughToStore(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open("sqlite", ":memory:", zap.NewNop())
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	defer pool.Close()

	s, err := store.New(pool, index.NewFlatIndex(16, "", nil), embedding.NewHashProvider(16, ""))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	g := New(testConfig(), s)
	ab := mustCreate(t, g, "a", "b", types.AssocRelated, 0.6)
	mustCreate(t, g, "b", "c", types.AssocPrecedes, 0.4)
	require.NoError(t, g.Strengthen(ctx, ab, 0.2))

	reloaded := New(testConfig(), s)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Count())
	a, ok := reloaded.Get(ab)
	require.True(t, ok)
	assert.InDelta(t, 0.8, a.Strength, 1e-9)

	rs, err := reloaded.GetRelated(ctx, "c", RelatedOptions{Depth: 2, Direction: DirectionIn})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, relatedIDs(rs))

	_, err = reloaded.RemoveMemory(ctx, "b")
	require.NoError(t, err)
	n, err := s.CountAssociations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
