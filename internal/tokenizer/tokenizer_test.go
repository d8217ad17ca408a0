package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimatorTokenizer()

	assert.Equal(t, 0, e.CountTokens(""))
	assert.Equal(t, 1, e.CountTokens("hi"))
	assert.Equal(t, 3, e.CountTokens("I love hiking"))
	assert.Equal(t, 2, e.CountTokens("你好世"))
}

func TestEstimator_Truncate(t *testing.T) {
	e := NewEstimatorTokenizer()
	text := strings.Repeat("abcd", 10)

	assert.Equal(t, text, e.Truncate(text, 100))
	assert.Equal(t, "", e.Truncate(text, 0))

	out := e.Truncate(text, 3)
	assert.Equal(t, 3, e.CountTokens(out))
	assert.True(t, strings.HasPrefix(text, out))
}

func TestEstimator_TruncateProperty(t *testing.T) {
	e := NewEstimatorTokenizer()
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		budget := rapid.IntRange(1, 50).Draw(t, "budget")

		out := e.Truncate(text, budget)
		if e.CountTokens(out) > budget {
			t.Fatalf("truncated text exceeds budget: %d > %d", e.CountTokens(out), budget)
		}
		if !strings.HasPrefix(text, out) {
			t.Fatalf("truncated text is not a prefix")
		}
	})
}

func TestNew_EstimatorEncoding(t *testing.T) {
	assert.Equal(t, "estimator", New("", nil).Name())
	assert.Equal(t, "estimator", New("estimator", nil).Name())
}

func TestNew_FallbackNeverFails(t *testing.T) {
	// tiktoken 可能因离线无法加载编码，此时应回退到估算器
	tk := New("cl100k_base", nil)
	n := tk.CountTokens("I love hiking in the mountains")
	assert.Greater(t, n, 0)

	out := tk.Truncate(strings.Repeat("word ", 200), 10)
	assert.LessOrEqual(t, tk.CountTokens(out), 10)
	assert.NotEmpty(t, tk.Name())
}
