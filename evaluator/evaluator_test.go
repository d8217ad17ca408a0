package evaluator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BaSui01/memengine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// =============================================================================
// 🧪 启发式
// =============================================================================

func TestHeuristic_Bounds(t *testing.T) {
	res, err := Heuristic{}.Evaluate(context.Background(), Request{UserText: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "heuristic", res.Source)
	assert.GreaterOrEqual(t, res.Weight, HeuristicMinWeight)
	assert.Less(t, res.Weight, 1.0)

	long := strings.Repeat("I always remember my family birthday and I love my job. ", 20)
	res = Estimate(Request{UserText: long})
	assert.Equal(t, HeuristicMaxWeight, res.Weight)
}

func TestHeuristic_PersonalFactsWeighMore(t *testing.T) {
	smallTalk := Estimate(Request{UserText: "nice weather today"})
	personal := Estimate(Request{UserText: "I love hiking with my family"})
	assert.Greater(t, personal.Weight, smallTalk.Weight)
}

func TestHeuristic_TopicAndEmotion(t *testing.T) {
	res := Estimate(Request{UserText: "I love hiking. Hiking in the alps is great!"})
	assert.Equal(t, "hiking", res.Topic)
	assert.Equal(t, "positive", res.Emotion)

	res = Estimate(Request{UserText: "I am so worried and upset about work"})
	assert.Equal(t, "negative", res.Emotion)

	res = Estimate(Request{UserText: "我喜欢徒步"})
	assert.Equal(t, "positive", res.Emotion)
	assert.Empty(t, res.Topic)

	res = Estimate(Request{UserText: "the table is brown"})
	assert.Equal(t, "neutral", res.Emotion)
}

func TestHeuristic_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := Request{UserText: rapid.String().Draw(rt, "user"), AIText: rapid.String().Draw(rt, "ai")}
		a := Estimate(req)
		b := Estimate(req)
		if a != b {
			rt.Fatalf("not deterministic: %+v vs %+v", a, b)
		}
		if a.Weight < HeuristicMinWeight || a.Weight > HeuristicMaxWeight {
			rt.Fatalf("weight %v out of range", a.Weight)
		}
	})
}

// =============================================================================
// 🧪 语言模型评估
// =============================================================================

func reply(text string) Completer {
	return CompleterFunc(func(context.Context, string) (string, error) { return text, nil })
}

func TestCompletionEvaluator_ParsesReply(t *testing.T) {
	var prompt string
	c := CompleterFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "Sure!\n```json\n{\"weight\": 8.5, \"topic\": \" hiking \", \"emotion\": \"Joy\"}\n```", nil
	})
	e, err := NewCompletionEvaluator(c, nil)
	require.NoError(t, err)

	res, err := e.Evaluate(context.Background(), Request{
		UserText: "I love hiking",
		AIText:   "Great hobby!",
		History:  []string{"user: hi", "assistant: hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Weight: 8.5, Topic: "hiking", Emotion: "joy", Source: "completion"}, res)

	assert.Contains(t, prompt, "User: I love hiking")
	assert.Contains(t, prompt, "Assistant: Great hobby!")
	assert.Contains(t, prompt, "user: hi\nassistant: hello")
	assert.Contains(t, prompt, `"maximum": 10`)
}

func TestCompletionEvaluator_BareObject(t *testing.T) {
	e, err := NewCompletionEvaluator(reply(`The score is {"weight": 3}`), nil)
	require.NoError(t, err)
	res, err := e.Evaluate(context.Background(), Request{UserText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Weight)
}

func TestCompletionEvaluator_RejectsInvalidReplies(t *testing.T) {
	for name, text := range map[string]string{
		"no json":        "I think it is quite important",
		"out of range":   `{"weight": 11}`,
		"below range":    `{"weight": 0}`,
		"missing weight": `{"topic": "hiking"}`,
		"wrong type":     `{"weight": "high"}`,
		"broken json":    `{"weight": 5,}`,
	} {
		t.Run(name, func(t *testing.T) {
			e, err := NewCompletionEvaluator(reply(text), nil)
			require.NoError(t, err)
			_, err = e.Evaluate(context.Background(), Request{UserText: "hi"})
			require.Error(t, err)
			assert.Equal(t, types.ErrEvaluation, types.GetErrorCode(err))
			assert.False(t, types.IsRetryable(err))
		})
	}
}

func TestCompletionEvaluator_CompleterFailure(t *testing.T) {
	e, err := NewCompletionEvaluator(CompleterFunc(func(context.Context, string) (string, error) {
		return "", errors.New("503 service unavailable")
	}), nil)
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), Request{UserText: "hi"})
	assert.Equal(t, types.ErrEvaluation, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, Request{UserText: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCompletionEvaluator_NilCompleter(t *testing.T) {
	_, err := NewCompletionEvaluator(nil, nil)
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var e Evaluator = Func(func(context.Context, Request) (Result, error) {
		return Result{Weight: 7, Source: "fixed"}, nil
	})
	res, err := e.Evaluate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 7.0, res.Weight)
}
