package scorer

import (
	"crypto/sha256"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/internal/textutil"
	"github.com/BaSui01/memengine/types"
)

// Candidate 待排序的候选记忆
type Candidate struct {
	Memory     types.Memory `json:"memory"`
	Similarity float64      `json:"similarity"`
	// Source 候选来源：cache / index / association / history / session
	Source string `json:"source"`
}

// Breakdown 各项得分
type Breakdown struct {
	Weight     float64 `json:"weight"`
	Overlap    float64 `json:"overlap"`
	Length     float64 `json:"length"`
	Tier       float64 `json:"tier"`
	Recency    float64 `json:"recency"`
	Similarity float64 `json:"similarity"`
}

// Total 总分
func (b Breakdown) Total() float64 {
	return b.Weight + b.Overlap + b.Length + b.Tier + b.Recency + b.Similarity
}

// Scored 排序结果
type Scored struct {
	Candidate
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// 层级加分
var tierWeights = map[types.Tier]float64{
	types.TierCore:      3,
	types.TierArchive:   2,
	types.TierLongTerm:  1,
	types.TierShortTerm: 0,
}

const (
	overlapFactor  = 2.0
	minLengthRunes = 10
	maxLengthRunes = 500
)

// Scorer 记忆排序器，无状态，可并发使用
type Scorer struct {
	similarityWeight float64
	now              func() time.Time
}

// Option 排序器选项
type Option func(*Scorer)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建排序器
func New(cfg config.ScorerConfig, opts ...Option) *Scorer {
	s := &Scorer{similarityWeight: cfg.SimilarityWeight, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score 计算单条候选的得分
//
//	weight + 2×词项重叠率 + 长度加分 + 层级加分 + 1/(1+距上次访问天数) + 相似度权重×相似度
func (s *Scorer) Score(c Candidate, queryTerms map[string]struct{}) Breakdown {
	m := c.Memory
	return Breakdown{
		Weight:     m.Weight,
		Overlap:    overlapFactor * OverlapRatio(queryTerms, m.Content),
		Length:     LengthBonus(m.Content),
		Tier:       tierWeights[m.Tier()],
		Recency:    s.recency(m),
		Similarity: s.similarityWeight * c.Similarity,
	}
}

// RankAndDedupe 打分、按内容去重（保留得分最高者）并按得分降序返回前 maxResults 条.
// 排序稳定：得分相同的候选保持输入顺序
func (s *Scorer) RankAndDedupe(candidates []Candidate, query string, maxResults int) []Scored {
	if len(candidates) == 0 || maxResults <= 0 {
		return nil
	}
	terms := textutil.KeywordSet(query)

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		b := s.Score(c, terms)
		scored[i] = Scored{Candidate: c, Score: b.Total(), Breakdown: b}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	seen := make(map[[sha256.Size]byte]struct{}, len(scored))
	out := make([]Scored, 0, min(maxResults, len(scored)))
	for _, sc := range scored {
		key := ContentKey(sc.Memory.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sc)
		if len(out) == maxResults {
			break
		}
	}
	return out
}

func (s *Scorer) recency(m types.Memory) float64 {
	last := m.LastAccessed
	if last.IsZero() {
		last = m.Timestamp
	}
	if last.IsZero() {
		return 0
	}
	days := s.now().Sub(last).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days)
}

// =============================================================================
// 🔧 评分项
// =============================================================================

// OverlapRatio |查询词 ∩ 内容词| / |查询词|
func OverlapRatio(queryTerms map[string]struct{}, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	hits := 0
	for term := range textutil.KeywordSet(content) {
		if _, ok := queryTerms[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// LengthBonus 少于 10 个字符 0，10 到 500 之间 0.5，更长 0.25
func LengthBonus(content string) float64 {
	n := utf8.RuneCountInString(content)
	switch {
	case n < minLengthRunes:
		return 0
	case n <= maxLengthRunes:
		return 0.5
	default:
		return 0.25
	}
}

// ContentKey 去重键：小写、折叠空白后的 SHA-256
func ContentKey(content string) [sha256.Size]byte {
	return sha256.Sum256([]byte(textutil.Normalize(content)))
}
