package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// maxPooledBuffer 超过该容量的缓冲区不放回池中，避免一次大索引落盘长期占用内存
const maxPooledBuffer = 64 << 20

// Pool 基于 sync.Pool 的泛型对象池，带命中统计.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) bool

	gets atomic.Int64
	news atomic.Int64
}

// NewPool 创建对象池. reset 返回 false 时对象被丢弃而不是放回.
func NewPool[T any](newFunc func() T, reset func(T) bool) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get 取出一个对象
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put 归还对象
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil && !p.reset(obj) {
		return
	}
	p.pool.Put(obj)
}

// Stats 返回统计
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{Gets: p.gets.Load(), News: p.news.Load()}
}

// PoolStats 对象池统计
type PoolStats struct {
	Gets int64 `json:"gets"`
	News int64 `json:"news"`
}

// HitRate 复用率
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// Buffers 索引与向量编码共用的字节缓冲池
var Buffers = NewPool(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
	func(b *bytes.Buffer) bool {
		if b.Cap() > maxPooledBuffer {
			return false
		}
		b.Reset()
		return true
	},
)
