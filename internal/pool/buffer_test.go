package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ReusesAndResets(t *testing.T) {
	p := NewPool(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) bool { b.Reset(); return true },
	)

	b := p.Get()
	b.WriteString("vectors")
	p.Put(b)

	got := p.Get()
	assert.Equal(t, 0, got.Len())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.GreaterOrEqual(t, stats.News, int64(1))
}

func TestPool_RejectedObjectsAreDropped(t *testing.T) {
	p := NewPool(
		func() []byte { return make([]byte, 0, 8) },
		func(b []byte) bool { return cap(b) <= 8 },
	)
	p.Put(make([]byte, 0, 1024))
	// 超限对象不会回到池中
	assert.Equal(t, 8, cap(p.Get()))
}

func TestPoolStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, PoolStats{}.HitRate())
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}

func TestBuffers(t *testing.T) {
	b := Buffers.Get()
	b.WriteString("MEMIDX01")
	Buffers.Put(b)
	assert.Equal(t, 0, Buffers.Get().Len())
}
