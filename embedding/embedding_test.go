package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/memengine/config"
	"github.com/BaSui01/memengine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// --- HashProvider ---

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64, "")
	a, err := p.Embed(context.Background(), "I love hiking")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "i LOVE hiking!")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, "hash-bow-v1", p.Model())
}

func TestHashProvider_UnitNorm(t *testing.T) {
	p := NewHashProvider(128, "m")
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-z]{1,8}( [a-z]{1,8}){0,6}`).Draw(t, "text")
		vec, err := p.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("embed %q: %v", text, err)
		}
		if n := math.Sqrt(cosine(vec, vec)); math.Abs(n-1) > 1e-4 {
			t.Fatalf("norm = %f", n)
		}
	})
}

func TestHashProvider_SharedWordsAreCloser(t *testing.T) {
	p := NewHashProvider(256, "")
	ctx := context.Background()

	query, err := p.Embed(ctx, "where do I go hiking on weekends")
	require.NoError(t, err)
	hiking, err := p.Embed(ctx, "I love hiking")
	require.NoError(t, err)
	cooking, err := p.Embed(ctx, "Great recipe for dumplings")
	require.NoError(t, err)

	assert.Greater(t, cosine(query, hiking), cosine(query, cooking))
}

func TestHashProvider_EmptyText(t *testing.T) {
	p := NewHashProvider(32, "")
	for _, text := range []string{"", "   ", "?!..."} {
		_, err := p.Embed(context.Background(), text)
		require.Error(t, err, text)
		assert.Equal(t, types.ErrVectorization, types.GetErrorCode(err))
	}
}

func TestHashProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashProvider(32, "").Embed(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Validate ---

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{1, 0}, 2))
	assert.Error(t, Validate([]float32{1}, 2))
	assert.Error(t, Validate([]float32{0, 0}, 2))
	assert.Error(t, Validate([]float32{float32(math.NaN()), 1}, 2))
	assert.Error(t, Validate([]float32{float32(math.Inf(1)), 1}, 2))
}

// --- Cached ---

type countingProvider struct {
	inner Provider
	calls atomic.Int32
	err   error
	bad   bool
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	if c.bad {
		return []float32{1}, nil
	}
	return c.inner.Embed(ctx, text)
}
func (c *countingProvider) Dimension() int { return c.inner.Dimension() }
func (c *countingProvider) Model() string  { return c.inner.Model() }

func TestCached_Memoizes(t *testing.T) {
	inner := &countingProvider{inner: NewHashProvider(32, "")}
	cached, err := NewCached(inner, 100, nil)
	require.NoError(t, err)
	defer cached.Close()

	a, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	b, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), inner.calls.Load())

	// 返回副本，调用方修改不影响缓存
	a[0] = 42
	c, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), c[0])
}

func TestCached_ErrorsNotCached(t *testing.T) {
	inner := &countingProvider{inner: NewHashProvider(32, ""), err: errors.New("model down")}
	cached, err := NewCached(inner, 100, nil)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "x y")
	require.Error(t, err)
	_, err = cached.Embed(context.Background(), "x y")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCached_RejectsMalformedVectors(t *testing.T) {
	inner := &countingProvider{inner: NewHashProvider(32, ""), bad: true}
	cached, err := NewCached(inner, 100, nil)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrVectorization))
}

func TestCached_ConcurrentCallers(t *testing.T) {
	inner := &countingProvider{inner: NewHashProvider(32, "")}
	cached, err := NewCached(inner, 100, nil)
	require.NoError(t, err)
	defer cached.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.Embed(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.calls.Load(), int32(20))
	assert.GreaterOrEqual(t, inner.calls.Load(), int32(1))
}

func TestNewCached_Invalid(t *testing.T) {
	_, err := NewCached(nil, 10, nil)
	assert.Error(t, err)
	_, err = NewCached(NewHashProvider(8, ""), 0, nil)
	assert.Error(t, err)
}

// --- New ---

func TestNew(t *testing.T) {
	cfg := config.DefaultEmbeddingConfig()
	p, err := New(cfg, nil)
	require.NoError(t, err)
	_, isCached := p.(*Cached)
	assert.True(t, isCached)
	assert.Equal(t, cfg.Dimension, p.Dimension())

	cfg.CacheEntries = 0
	p, err = New(cfg, nil)
	require.NoError(t, err)
	_, isHash := p.(*HashProvider)
	assert.True(t, isHash)

	cfg.Provider = "word2vec"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
