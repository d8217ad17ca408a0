package evaluator

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/memengine/internal/textutil"
)

// 启发式权重区间
const (
	HeuristicMinWeight = 0.5
	HeuristicMaxWeight = 5.0
)

// importantWords 提示长期价值的词
var importantWords = map[string]bool{
	"love": true, "hate": true, "favorite": true, "favourite": true,
	"always": true, "never": true, "remember": true, "important": true,
	"birthday": true, "family": true, "wife": true, "husband": true,
	"mother": true, "father": true, "daughter": true, "son": true,
	"friend": true, "job": true, "work": true, "allergic": true,
	"afraid": true, "dream": true, "goal": true, "name": true, "live": true,
	"喜欢": true, "讨厌": true, "记住": true, "重要": true, "生日": true,
	"家人": true, "工作": true, "梦想": true,
}

var positiveWords = map[string]bool{
	"love": true, "like": true, "enjoy": true, "happy": true, "great": true,
	"glad": true, "excited": true, "wonderful": true, "awesome": true,
	"喜欢": true, "开心": true, "高兴": true,
}

var negativeWords = map[string]bool{
	"hate": true, "sad": true, "angry": true, "upset": true, "afraid": true,
	"worried": true, "terrible": true, "awful": true, "tired": true,
	"讨厌": true, "难过": true, "生气": true, "担心": true,
}

var firstPerson = []string{"i", "my", "me", "mine", "我"}

// Heuristic 确定性的回退评估器：按长度与关键词估算权重，结果限制在 [0.5, 5.0]
type Heuristic struct{}

// Evaluate 实现 Evaluator
func (Heuristic) Evaluate(_ context.Context, req Request) (Result, error) {
	return Estimate(req), nil
}

// Estimate 启发式评估
//
//	0.5 + min(用户文本字符数/200, 1.5) + 0.75×重要词数（至多 3 个） + 1（第一人称陈述）
func Estimate(req Request) Result {
	text := req.UserText
	lower := strings.ToLower(text)
	words := textutil.Words(text)

	weight := HeuristicMinWeight
	weight += math.Min(float64(utf8.RuneCountInString(text))/200, 1.5)

	hits := 0
	for w := range importantWords {
		if containsTerm(lower, words, w) {
			hits++
		}
	}
	weight += 0.75 * float64(min(hits, 3))

	for _, p := range firstPerson {
		if containsTerm(lower, words, p) {
			weight += 1
			break
		}
	}

	return Result{
		Weight:  math.Max(HeuristicMinWeight, math.Min(HeuristicMaxWeight, weight)),
		Topic:   topic(text),
		Emotion: emotion(lower, words),
		Source:  "heuristic",
	}
}

// containsTerm 拉丁词按整词匹配，CJK 词按子串匹配
func containsTerm(lower string, words []string, term string) bool {
	r, _ := utf8.DecodeRuneInString(term)
	if textutil.IsCJK(r) {
		return strings.Contains(lower, term)
	}
	for _, w := range words {
		if w == term {
			return true
		}
	}
	return false
}

// topic 出现次数最多的关键词，并列时取先出现者
func topic(text string) string {
	counts := make(map[string]int)
	var order []string
	for _, w := range textutil.Words(text) {
		if !isTopicWord(w) {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	best := ""
	for _, w := range order {
		if best == "" || counts[w] > counts[best] {
			best = w
		}
	}
	return best
}

func isTopicWord(w string) bool {
	kws := textutil.Keywords(w)
	return len(kws) == 1 && utf8.RuneCountInString(w) >= 3 && !positiveWords[w] && !negativeWords[w]
}

func emotion(lower string, words []string) string {
	score := 0
	for w := range positiveWords {
		if containsTerm(lower, words, w) {
			score++
		}
	}
	for w := range negativeWords {
		if containsTerm(lower, words, w) {
			score--
		}
	}
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}
