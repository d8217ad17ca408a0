package cache

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/internal/metrics"
	"github.com/BaSui01/memengine/internal/textutil"
	"go.uber.org/zap"
)

// TierName 缓存层名称
type TierName string

const (
	TierHot  TierName = "hot"
	TierWarm TierName = "warm"
	TierCold TierName = "cold"
)

var tierNames = [...]TierName{TierHot, TierWarm, TierCold}

// Entry 缓存条目
type Entry[V any] struct {
	Key            string    `json:"key"`
	Value          V         `json:"value"`
	Tags           []string  `json:"tags,omitempty"`
	Tier           TierName  `json:"tier"`
	AccessCount    int       `json:"access_count"`
	LastAccessTime time.Time `json:"last_access_time"`
	ExpiresAt      time.Time `json:"expires_at"`

	tokens []string
}

// expired 零值 ExpiresAt 表示永不过期
func (e *Entry[V]) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// =============================================================================
// 💾 多级缓存管理器
// =============================================================================

// Manager 热/温/冷三级 LRU 缓存.
//
// 新条目进入热层；某层 LRU 淘汰的条目降级到下一层，冷层淘汰即丢弃.
// 温/冷层条目命中 PromoteAfter 次后提升一层. 所有层由同一把锁保护.
type Manager[V any] struct {
	mu      sync.RWMutex
	tiers   [3]*lruTier[V]
	keyword map[string]map[string]struct{}

	promoteAfter int
	mirror       Mirror
	mirrorTTL    time.Duration

	stats   counters
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

type counters struct {
	misses       atomic.Uint64
	mirrorHits   atomic.Uint64
	missLatency  atomic.Int64
	tierHits     [3]atomic.Uint64
	tierLatency  [3]atomic.Int64
	evictions    [3]atomic.Uint64
	promotions   [3]atomic.Uint64
	mirrorErrors atomic.Uint64
}

// Option 缓存选项
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	mirror  Mirror
	now     func() time.Time
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithMirror 设置二级镜像（Redis）
func WithMirror(m Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New 创建缓存管理器
func New[V any](cfg config.CacheConfig, opts ...Option) *Manager[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	promote := cfg.PromoteAfter
	if promote <= 0 {
		promote = 1
	}

	m := &Manager[V]{
		keyword:      make(map[string]map[string]struct{}),
		promoteAfter: promote,
		mirror:       o.mirror,
		mirrorTTL:    cfg.Cold.TTL,
		metrics:      o.metrics,
		logger:       o.logger.With(zap.String("component", "cache")),
		now:          o.now,
	}
	for i, tc := range [...]config.TierConfig{cfg.Hot, cfg.Warm, cfg.Cold} {
		capacity := tc.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		m.tiers[i] = newLRUTier[V](tierNames[i], capacity, tc.TTL)
	}

	m.logger.Info("cache manager initialized",
		zap.Int("hot_capacity", m.tiers[0].capacity),
		zap.Int("warm_capacity", m.tiers[1].capacity),
		zap.Int("cold_capacity", m.tiers[2].capacity),
		zap.Bool("mirror", m.mirror != nil))
	return m
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 读取缓存. 本地未命中时回落到镜像，命中后回填冷层
func (m *Manager[V]) Get(ctx context.Context, key string) (V, bool) {
	start := time.Now()

	m.mu.Lock()
	v, tier, ok := m.lookupLocked(key)
	m.mu.Unlock()

	if ok {
		m.stats.tierHits[tier].Add(1)
		m.stats.tierLatency[tier].Add(int64(time.Since(start)))
		m.metrics.RecordCacheHit(string(tierNames[tier]))
		return v, true
	}

	if m.mirror != nil {
		if v, ok := m.fromMirror(ctx, key); ok {
			m.stats.mirrorHits.Add(1)
			m.stats.tierHits[2].Add(1)
			m.stats.tierLatency[2].Add(int64(time.Since(start)))
			m.metrics.RecordCacheHit("mirror")
			return v, true
		}
	}

	m.stats.misses.Add(1)
	m.stats.missLatency.Add(int64(time.Since(start)))
	m.metrics.RecordCacheMiss()
	var zero V
	return zero, false
}

// Put 写入热层；tags 中的关键词进入关键词索引
func (m *Manager[V]) Put(ctx context.Context, key string, value V, tags ...string) {
	e := &Entry[V]{
		Key:            key,
		Value:          value,
		Tags:           tags,
		LastAccessTime: m.now(),
	}

	m.mu.Lock()
	m.removeLocked(key)
	m.indexLocked(e)
	m.insertLocked(0, e)
	m.mu.Unlock()

	if m.mirror != nil {
		m.toMirror(ctx, e)
	}
}

// Delete 删除条目（所有层及镜像）
func (m *Manager[V]) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	m.removeLocked(key)
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Delete(ctx, key); err != nil {
			m.stats.mirrorErrors.Add(1)
			m.logger.Warn("mirror delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Clear 清空所有层、关键词索引及镜像
func (m *Manager[V]) Clear(ctx context.Context) {
	m.mu.Lock()
	for _, t := range m.tiers {
		t.clear()
	}
	m.keyword = make(map[string]map[string]struct{})
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.Clear(ctx); err != nil {
			m.stats.mirrorErrors.Add(1)
			m.logger.Warn("mirror clear failed", zap.Error(err))
		}
	}
	m.logger.Debug("cache cleared")
}

// SearchByContent 关键词检索. 按匹配关键词数降序，其次层级（热优先）、最近访问时间.
// 检索不计入命中统计，也不改变 LRU 顺序
func (m *Manager[V]) SearchByContent(query string, limit int) []V {
	if limit <= 0 {
		return nil
	}
	tokens := textutil.Keywords(query)
	if len(tokens) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make(map[string]int)
	for _, tok := range tokens {
		for key := range m.keyword[tok] {
			matches[key]++
		}
	}

	type candidate struct {
		entry *Entry[V]
		tier  int
		score int
	}
	now := m.now()
	cands := make([]candidate, 0, len(matches))
	for key, score := range matches {
		e, tier, ok := m.findLocked(key)
		if !ok || e.expired(now) {
			continue
		}
		cands = append(cands, candidate{entry: e, tier: tier, score: score})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if !a.entry.LastAccessTime.Equal(b.entry.LastAccessTime) {
			return a.entry.LastAccessTime.After(b.entry.LastAccessTime)
		}
		return a.entry.Key < b.entry.Key
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]V, len(cands))
	for i, c := range cands {
		out[i] = c.entry.Value
	}
	return out
}

// Peek 读取条目元数据，不影响统计与 LRU 顺序
func (m *Manager[V]) Peek(key string) (Entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, _, ok := m.findLocked(key)
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}

// Len 本地条目总数
func (m *Manager[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tiers {
		n += t.len()
	}
	return n
}

// Close 关闭镜像
func (m *Manager[V]) Close() error {
	if c, ok := m.mirror.(io.Closer); ok && c != nil {
		return c.Close()
	}
	return nil
}

// =============================================================================
// 🔧 内部实现（调用方持有锁）
// =============================================================================

func (m *Manager[V]) findLocked(key string) (*Entry[V], int, bool) {
	for i, t := range m.tiers {
		if e, ok := t.get(key); ok {
			return e, i, true
		}
	}
	return nil, 0, false
}

func (m *Manager[V]) lookupLocked(key string) (V, int, bool) {
	var zero V
	e, i, ok := m.findLocked(key)
	if !ok {
		return zero, 0, false
	}

	now := m.now()
	if e.expired(now) {
		m.removeLocked(key)
		return zero, 0, false
	}

	e.AccessCount++
	e.LastAccessTime = now
	m.tiers[i].touch(key)

	if i > 0 && e.AccessCount >= m.promoteAfter {
		m.tiers[i].remove(key)
		e.AccessCount = 0
		m.insertLocked(i-1, e)
		m.stats.promotions[i].Add(1)
		m.metrics.RecordCachePromotion(string(tierNames[i]), string(tierNames[i-1]))
	}
	return e.Value, i, true
}

// insertLocked 放入第 i 层，级联降级被淘汰的条目
func (m *Manager[V]) insertLocked(i int, e *Entry[V]) {
	for e != nil {
		if i >= len(m.tiers) {
			m.unindexLocked(e)
			m.logger.Debug("cache entry dropped", zap.String("key", e.Key))
			return
		}
		t := m.tiers[i]
		e.Tier = t.name
		e.ExpiresAt = time.Time{}
		if t.ttl > 0 {
			e.ExpiresAt = m.now().Add(t.ttl)
		}
		evicted := t.push(e)
		if evicted != nil {
			m.stats.evictions[i].Add(1)
			m.metrics.RecordCacheEviction(string(t.name))
			evicted.AccessCount = 0
		}
		e = evicted
		i++
	}
}

func (m *Manager[V]) removeLocked(key string) {
	for _, t := range m.tiers {
		if e, ok := t.remove(key); ok {
			m.unindexLocked(e)
			return
		}
	}
}

func (m *Manager[V]) indexLocked(e *Entry[V]) {
	seen := make(map[string]struct{})
	for _, tag := range e.Tags {
		for _, tok := range textutil.Keywords(tag) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			e.tokens = append(e.tokens, tok)
			keys, ok := m.keyword[tok]
			if !ok {
				keys = make(map[string]struct{})
				m.keyword[tok] = keys
			}
			keys[e.Key] = struct{}{}
		}
	}
}

func (m *Manager[V]) unindexLocked(e *Entry[V]) {
	for _, tok := range e.tokens {
		keys := m.keyword[tok]
		delete(keys, e.Key)
		if len(keys) == 0 {
			delete(m.keyword, tok)
		}
	}
}

// =============================================================================
// 🪞 镜像
// =============================================================================

type mirrorPayload[V any] struct {
	Value V        `json:"value"`
	Tags  []string `json:"tags,omitempty"`
}

func (m *Manager[V]) toMirror(ctx context.Context, e *Entry[V]) {
	data, err := json.Marshal(mirrorPayload[V]{Value: e.Value, Tags: e.Tags})
	if err != nil {
		m.logger.Warn("mirror encode failed", zap.String("key", e.Key), zap.Error(err))
		return
	}
	if err := m.mirror.Set(ctx, e.Key, data, m.mirrorTTL); err != nil {
		m.stats.mirrorErrors.Add(1)
		m.logger.Warn("mirror set failed", zap.String("key", e.Key), zap.Error(err))
	}
}

func (m *Manager[V]) fromMirror(ctx context.Context, key string) (V, bool) {
	var zero V
	data, err := m.mirror.Get(ctx, key)
	if err != nil {
		if !IsCacheMiss(err) {
			m.stats.mirrorErrors.Add(1)
			m.logger.Warn("mirror get failed", zap.String("key", key), zap.Error(err))
		}
		return zero, false
	}
	var p mirrorPayload[V]
	if err := json.Unmarshal(data, &p); err != nil {
		m.logger.Warn("mirror decode failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}

	e := &Entry[V]{Key: key, Value: p.Value, Tags: p.Tags, LastAccessTime: m.now()}
	m.mu.Lock()
	m.removeLocked(key)
	m.indexLocked(e)
	m.insertLocked(len(m.tiers)-1, e)
	m.mu.Unlock()
	return p.Value, true
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// TierStats 单层统计
type TierStats struct {
	Tier       TierName      `json:"tier"`
	Size       int           `json:"size"`
	Capacity   int           `json:"capacity"`
	Hits       uint64        `json:"hits"`
	Evictions  uint64        `json:"evictions"`
	Promotions uint64        `json:"promotions"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Stats 缓存统计
type Stats struct {
	Hits         uint64        `json:"hits"`
	Misses       uint64        `json:"misses"`
	HitRatio     float64       `json:"hit_ratio"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MirrorHits   uint64        `json:"mirror_hits"`
	MirrorErrors uint64        `json:"mirror_errors"`
	Keywords     int           `json:"keywords"`
	Tiers        []TierStats   `json:"tiers"`
}

// Stats 返回统计快照
func (m *Manager[V]) Stats() Stats {
	m.mu.RLock()
	sizes := [3]int{}
	for i, t := range m.tiers {
		sizes[i] = t.len()
	}
	keywords := len(m.keyword)
	m.mu.RUnlock()

	s := Stats{
		Misses:       m.stats.misses.Load(),
		MirrorHits:   m.stats.mirrorHits.Load(),
		MirrorErrors: m.stats.mirrorErrors.Load(),
		Keywords:     keywords,
		Tiers:        make([]TierStats, len(m.tiers)),
	}
	totalLatency := m.stats.missLatency.Load()
	for i, t := range m.tiers {
		hits := m.stats.tierHits[i].Load()
		lat := m.stats.tierLatency[i].Load()
		ts := TierStats{
			Tier:       t.name,
			Size:       sizes[i],
			Capacity:   t.capacity,
			Hits:       hits,
			Evictions:  m.stats.evictions[i].Load(),
			Promotions: m.stats.promotions[i].Load(),
		}
		if hits > 0 {
			ts.AvgLatency = time.Duration(lat / int64(hits))
		}
		s.Tiers[i] = ts
		s.Hits += hits
		totalLatency += lat
	}
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRatio = float64(s.Hits) / float64(lookups)
		s.AvgLatency = time.Duration(totalLatency / int64(lookups))
	}
	return s
}
