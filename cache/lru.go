package cache

import "time"

// ============================================================
// LRU 层（双向链表 + map，O(1) 操作）
// 不加锁，由 Manager 的锁保护
// ============================================================

type node[V any] struct {
	entry *Entry[V]
	prev  *node[V]
	next  *node[V]
}

type lruTier[V any] struct {
	name     TierName
	capacity int
	ttl      time.Duration
	items    map[string]*node[V]
	head     *node[V] // 最近使用
	tail     *node[V] // 最久未使用
}

func newLRUTier[V any](name TierName, capacity int, ttl time.Duration) *lruTier[V] {
	return &lruTier[V]{
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*node[V]),
	}
}

func (t *lruTier[V]) len() int { return len(t.items) }

func (t *lruTier[V]) get(key string) (*Entry[V], bool) {
	n, ok := t.items[key]
	if !ok {
		return nil, false
	}
	return n.entry, true
}

// touch 移动到头部
func (t *lruTier[V]) touch(key string) {
	if n, ok := t.items[key]; ok {
		t.moveToHead(n)
	}
}

// push 插入到头部；容量已满时先弹出并返回尾部条目
func (t *lruTier[V]) push(e *Entry[V]) (evicted *Entry[V]) {
	if n, ok := t.items[e.Key]; ok {
		n.entry = e
		t.moveToHead(n)
		return nil
	}
	if len(t.items) >= t.capacity && t.tail != nil {
		evicted = t.tail.entry
		t.remove(evicted.Key)
	}
	n := &node[V]{entry: e}
	t.items[e.Key] = n
	t.addToHead(n)
	return evicted
}

func (t *lruTier[V]) remove(key string) (*Entry[V], bool) {
	n, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.unlink(n)
	delete(t.items, key)
	return n.entry, true
}

func (t *lruTier[V]) clear() {
	t.items = make(map[string]*node[V])
	t.head = nil
	t.tail = nil
}

// keys 从最近到最久
func (t *lruTier[V]) keys() []string {
	out := make([]string, 0, len(t.items))
	for n := t.head; n != nil; n = n.next {
		out = append(out, n.entry.Key)
	}
	return out
}

func (t *lruTier[V]) addToHead(n *node[V]) {
	n.prev = nil
	n.next = t.head
	if t.head != nil {
		t.head.prev = n
	}
	t.head = n
	if t.tail == nil {
		t.tail = n
	}
}

func (t *lruTier[V]) unlink(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		t.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		t.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (t *lruTier[V]) moveToHead(n *node[V]) {
	if n == t.head {
		return
	}
	t.unlink(n)
	t.addToHead(n)
}
