package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/evaluator"
	"github.com/BaSui01/memengine/graph"
	"github.com/BaSui01/memengine/store"
	"github.com/BaSui01/memengine/types"
)

func (f *fixture) worker(t *testing.T, cfg config.AsyncConfig, ev evaluator.Evaluator, opts ...WorkerOption) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, WorkerDeps{
		Store:     f.store,
		Index:     f.index,
		Graph:     f.graph,
		Cache:     f.cache,
		Evaluator: ev,
		Recovery:  f.recovery,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func (f *fixture) pair(t *testing.T, session, user, ai string) Task {
	t.Helper()
	return Task{
		UserMemoryID: f.add(t, user, types.RoleUser, session, types.DefaultWeight),
		AIMemoryID:   f.add(t, ai, types.RoleAssistant, session, types.DefaultWeight),
		SessionID:    session,
		UserText:     user,
		AIText:       ai,
	}
}

func fixedEvaluator(res evaluator.Result) evaluator.Evaluator {
	return evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Result, error) {
		return res, nil
	})
}

func asyncConfig() config.AsyncConfig {
	cfg := config.DefaultAsyncConfig()
	cfg.EvaluatorRPS = 0
	cfg.AutoLinkMinSimilarity = 0.2
	return cfg
}

// =============================================================================
// 🧵 Worker
// =============================================================================

func TestWorker_ProcessAppliesEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.pair(t, "s1", "I finally finished my first marathon", "Congratulations, that is a huge achievement!")
	f.cache.Put(ctx, task.UserMemoryID, types.Memory{ID: task.UserMemoryID}, "marathon")

	var seen evaluator.Request
	ev := evaluator.Func(func(_ context.Context, req evaluator.Request) (evaluator.Result, error) {
		seen = req
		return evaluator.Result{Weight: 8.5, Topic: "running", Emotion: "positive", Source: "completion"}, nil
	})
	w := f.worker(t, asyncConfig(), ev)

	out, err := w.Process(ctx, task)
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, "completion", out.Evaluation.Source)
	assert.Equal(t, task.UserText, seen.UserText)
	assert.Equal(t, task.AIText, seen.AIText)

	for _, id := range []string{task.UserMemoryID, task.AIMemoryID} {
		m, err := f.store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 8.5, m.Weight)
		assert.Equal(t, types.TierArchive, m.Tier())
		assert.Equal(t, "running", m.GroupID)
		assert.Equal(t, "positive", m.Metadata["emotion"])
		assert.Equal(t, "completion", m.Metadata["evaluation_source"])
	}

	// 缓存副本失效
	_, ok := f.cache.Peek(task.UserMemoryID)
	assert.False(t, ok)
}

func TestWorker_HistoryExcludesCurrentTurn(t *testing.T) {
	f := newFixture(t)
	f.add(t, "I moved to Lisbon last year", types.RoleUser, "s1", 5)
	f.add(t, "How are you finding it?", types.RoleAssistant, "s1", 5)
	task := f.pair(t, "s1", "I love the food here", "The pastries are famous!")

	var history []string
	ev := evaluator.Func(func(_ context.Context, req evaluator.Request) (evaluator.Result, error) {
		history = req.History
		return evaluator.Result{Weight: 5}, nil
	})
	w := f.worker(t, asyncConfig(), ev)

	_, err := w.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"user: I moved to Lisbon last year",
		"assistant: How are you finding it?",
	}, history)
}

func TestWorker_EvaluatorFailureFallsBackToHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.pair(t, "s1", "My daughter was born today and I am so happy", "What wonderful news!")

	ev := evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Result, error) {
		return evaluator.Result{}, errors.New("completion backend unavailable")
	})
	w := f.worker(t, asyncConfig(), ev)

	out, err := w.Process(ctx, task)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, "heuristic", out.Evaluation.Source)
	assert.GreaterOrEqual(t, out.Evaluation.Weight, evaluator.HeuristicMinWeight)
	assert.LessOrEqual(t, out.Evaluation.Weight, evaluator.HeuristicMaxWeight)

	m, err := f.store.GetByID(ctx, task.UserMemoryID)
	require.NoError(t, err)
	assert.Equal(t, out.Evaluation.Weight, m.Weight)
	assert.Equal(t, "heuristic", m.Metadata["evaluation_source"])
}

func TestWorker_EvaluatorTimeout(t *testing.T) {
	f := newFixture(t)
	task := f.pair(t, "s1", "I started learning piano", "That is exciting!")

	ev := evaluator.Func(func(ctx context.Context, _ evaluator.Request) (evaluator.Result, error) {
		<-ctx.Done()
		return evaluator.Result{}, ctx.Err()
	})
	cfg := asyncConfig()
	cfg.EvaluatorTimeout = 20 * time.Millisecond
	w := f.worker(t, cfg, ev)

	out, err := w.Process(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
}

func TestWorker_AutoLinksSimilarMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sameTopic := f.add(t, "I went hiking with my dog in the hills", types.RoleUser, "s0", 5)
	_, err := f.store.UpdateEvaluation(ctx, sameTopic, store.Evaluation{Weight: 5, GroupID: "hiking"})
	require.NoError(t, err)
	otherTopic := f.add(t, "I went hiking with my dog near the lake", types.RoleUser, "s0", 5)
	_, err = f.store.UpdateEvaluation(ctx, otherTopic, store.Evaluation{Weight: 5, GroupID: "pets"})
	require.NoError(t, err)

	task := f.pair(t, "s1", "I went hiking with my dog again today", "Sounds like a great day outside!")
	w := f.worker(t, asyncConfig(), fixedEvaluator(evaluator.Result{Weight: 6, Topic: "hiking"}))

	out, err := w.Process(ctx, task)
	require.NoError(t, err)
	assert.Greater(t, out.Links, 0)

	linkTypes := map[string]types.AssociationType{}
	for _, a := range f.graph.Edges(task.UserMemoryID, graph.DirectionOut) {
		linkTypes[a.TargetKey] = a.Type
	}
	assert.Equal(t, types.AssocSameTopic, linkTypes[sameTopic])
	assert.Equal(t, types.AssocRelated, linkTypes[otherTopic])
	// 不与本轮的另一条记忆自动关联
	_, linkedPartner := linkTypes[task.AIMemoryID]
	assert.False(t, linkedPartner)
}

func TestWorker_FlagsArchiveMemoriesForSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "first unrelated fact about gardening tomatoes", types.RoleUser, "s0", 5)
	b := f.add(t, "second unrelated fact about sourdough baking", types.RoleUser, "s0", 5)
	task := f.pair(t, "s1", "I got engaged this weekend", "Congratulations!")

	_, err := f.graph.Create(ctx, task.UserMemoryID, a, types.AssocRelated, 0.5)
	require.NoError(t, err)
	_, err = f.graph.Create(ctx, b, task.UserMemoryID, types.AssocCauses, 0.5)
	require.NoError(t, err)

	cfg := asyncConfig()
	cfg.AutoLinkTopK = 0
	w := f.worker(t, cfg, fixedEvaluator(evaluator.Result{Weight: 9.1, Topic: "engagement"}))

	out, err := w.Process(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, []string{task.UserMemoryID}, out.Flagged)

	m, err := f.store.GetByID(ctx, task.UserMemoryID)
	require.NoError(t, err)
	assert.Equal(t, "true", m.Metadata["needs_summary"])
	assert.Equal(t, 9.1, m.Weight)

	ai, err := f.store.GetByID(ctx, task.AIMemoryID)
	require.NoError(t, err)
	assert.Empty(t, ai.Metadata["needs_summary"])
}

func TestWorker_LowTierNotFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, "fact one", types.RoleUser, "s0", 5)
	b := f.add(t, "fact two", types.RoleUser, "s0", 5)
	task := f.pair(t, "s1", "small talk about weather", "Indeed it is sunny.")
	_, err := f.graph.Create(ctx, task.UserMemoryID, a, types.AssocRelated, 0.5)
	require.NoError(t, err)
	_, err = f.graph.Create(ctx, task.UserMemoryID, b, types.AssocRelated, 0.5)
	require.NoError(t, err)

	cfg := asyncConfig()
	cfg.AutoLinkTopK = 0
	w := f.worker(t, cfg, fixedEvaluator(evaluator.Result{Weight: 6.9}))

	out, err := w.Process(ctx, task)
	require.NoError(t, err)
	assert.Empty(t, out.Flagged)
}

func TestWorker_FIFOOrder(t *testing.T) {
	f := newFixture(t)

	var (
		mu    sync.Mutex
		order []string
	)
	w := f.worker(t, asyncConfig(), nil, WithTaskHook(func(task Task, _ Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, err)
		order = append(order, task.UserMemoryID)
	}))

	var want []string
	for i := 0; i < 5; i++ {
		task := f.pair(t, "s1", "message number", "reply")
		want = append(want, task.UserMemoryID)
		require.NoError(t, w.Enqueue(task))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestWorker_QueueFull(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ev := evaluator.Func(func(context.Context, evaluator.Request) (evaluator.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return evaluator.Result{Weight: 5}, nil
	})

	cfg := asyncConfig()
	cfg.QueueSize = 1
	cfg.EvaluatorTimeout = 0
	w := f.worker(t, cfg, ev)

	require.NoError(t, w.Enqueue(f.pair(t, "s1", "one", "a")))
	<-started
	require.NoError(t, w.Enqueue(f.pair(t, "s1", "two", "b")))

	err := w.Enqueue(f.pair(t, "s1", "three", "c"))
	require.Error(t, err)
	assert.Equal(t, types.ErrQueueFull, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, int64(1), w.Stats().Queue.Rejected)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, int64(2), w.Stats().Queue.Completed)

	err = w.Enqueue(f.pair(t, "s1", "four", "d"))
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}

func TestWorker_ApplyHeuristic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.pair(t, "s1", "I am worried about my exam tomorrow", "You have prepared well.")

	w := f.worker(t, asyncConfig(), nil)
	res, err := w.ApplyHeuristic(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "heuristic", res.Source)

	m, err := f.store.GetByID(ctx, task.AIMemoryID)
	require.NoError(t, err)
	assert.Equal(t, res.Weight, m.Weight)
	assert.Equal(t, res.Topic, m.GroupID)
}

func TestWorker_RequiresDependencies(t *testing.T) {
	_, err := NewWorker(config.DefaultAsyncConfig(), WorkerDeps{})
	require.Error(t, err)
}
