package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/memengine/internal/pool"
)

const (
	flatMagic     = "MEMIDX02"
	flatIndexFile = "vectors.idx"
)

// FlatIndex 精确余弦检索，向量以单位化形式保存在内存.
// dir 为空时不持久化.
type FlatIndex struct {
	dim    int
	dir    string
	logger *zap.Logger

	// saveMu 串行化 Save
	saveMu sync.Mutex

	mu   sync.RWMutex
	ids  []string
	vecs [][]float32
	pos  map[string]int
}

// NewFlatIndex 创建空索引
func NewFlatIndex(dimension int, dir string, logger *zap.Logger) *FlatIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlatIndex{
		dim:    dimension,
		dir:    dir,
		logger: logger.With(zap.String("component", "flat_index")),
		pos:    make(map[string]int),
	}
}

func (f *FlatIndex) Dimension() int { return f.dim }

func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

// IDs 返回当前所有 id 的副本
func (f *FlatIndex) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

// Add 批量写入；校验在加锁修改前完成，因此失败不会留下部分写入
func (f *FlatIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateBatch(ids, vectors, f.dim); err != nil {
		return err
	}

	prepared := make([][]float32, len(vectors))
	for i, v := range vectors {
		prepared[i] = normalized(v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		if p, ok := f.pos[id]; ok {
			f.vecs[p] = prepared[i]
			continue
		}
		f.pos[id] = len(f.ids)
		f.ids = append(f.ids, id)
		f.vecs = append(f.vecs, prepared[i])
	}
	return nil
}

// Delete 删除 id，不存在的 id 忽略
func (f *FlatIndex) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		p, ok := f.pos[id]
		if !ok {
			continue
		}
		last := len(f.ids) - 1
		if p != last {
			f.ids[p] = f.ids[last]
			f.vecs[p] = f.vecs[last]
			f.pos[f.ids[p]] = p
		}
		f.ids = f.ids[:last]
		f.vecs = f.vecs[:last]
		delete(f.pos, id)
	}
	return nil
}

// Search 返回最相似的 k 个结果
func (f *FlatIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := validateVector(vector, f.dim); err != nil {
		return nil, err
	}
	q := normalized(vector)

	f.mu.RLock()
	hits := make([]Hit, len(f.ids))
	for i, id := range f.ids {
		hits[i] = Hit{ID: id, Similarity: dot(q, f.vecs[i])}
	}
	f.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// =============================================================================
// 💾 持久化
// =============================================================================

// Save 把 id 与向量写入同一个快照文件，临时文件 rename 保证原子替换.
// 文件格式: magic | dim u32 | count u64 | count × (idLen u32 | id | dim × f32)
func (f *FlatIndex) Save() error {
	if f.dir == "" {
		return nil
	}

	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	f.mu.RLock()
	size := len(f.ids)
	buf.WriteString(flatMagic)
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.dim))
	_ = binary.Write(buf, binary.LittleEndian, uint64(size))
	for i, id := range f.ids {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(id)))
		buf.WriteString(id)
		_ = binary.Write(buf, binary.LittleEndian, f.vecs[i])
	}
	f.mu.RUnlock()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return indexError("create index dir").WithCause(err)
	}
	if err := writeFileAtomic(filepath.Join(f.dir, flatIndexFile), buf.Bytes()); err != nil {
		return indexError("write index file").WithCause(err)
	}

	f.logger.Debug("flat index saved", zap.Int("size", size))
	return nil
}

// Load 从磁盘加载；文件不存在时保持空索引. 失败时索引保持原状
func (f *FlatIndex) Load() error {
	if f.dir == "" {
		return nil
	}

	raw, err := os.ReadFile(filepath.Join(f.dir, flatIndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return indexError("read index file").WithCause(err)
	}

	ids, vecs, err := decodeSnapshot(raw, f.dim)
	if err != nil {
		return err
	}

	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := pos[id]; dup {
			return indexError(fmt.Sprintf("duplicate id %q in index file", id))
		}
		pos[id] = i
	}

	f.mu.Lock()
	f.ids, f.vecs, f.pos = ids, vecs, pos
	f.mu.Unlock()

	f.logger.Info("flat index loaded", zap.Int("size", len(ids)), zap.String("dir", f.dir))
	return nil
}

func decodeSnapshot(raw []byte, dim int) ([]string, [][]float32, error) {
	r := bytes.NewReader(raw)
	magic := make([]byte, len(flatMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != flatMagic {
		return nil, nil, indexError("bad index file magic")
	}

	var fileDim uint32
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &fileDim); err != nil {
		return nil, nil, indexError("truncated index header").WithCause(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, indexError("truncated index header").WithCause(err)
	}
	if int(fileDim) != dim {
		return nil, nil, indexError(fmt.Sprintf("index dimension %d does not match configured %d", fileDim, dim))
	}
	// 每条记录至少 4 字节长度加 dim 个 float32
	if count > uint64(r.Len())/uint64(4+dim*4) {
		return nil, nil, indexError("index file size does not match header")
	}

	ids := make([]string, count)
	vecs := make([][]float32, count)
	for i := range vecs {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, indexError("truncated index entry").WithCause(err)
		}
		if n == 0 || int64(n) > int64(r.Len()) {
			return nil, nil, indexError("corrupt id length")
		}
		id := make([]byte, n)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, nil, indexError("truncated index entry").WithCause(err)
		}
		v := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, nil, indexError("truncated vector data").WithCause(err)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return nil, nil, indexError("corrupt vector data")
			}
		}
		ids[i] = string(id)
		vecs[i] = v
	}
	if r.Len() != 0 {
		return nil, nil, indexError("trailing bytes after index entries")
	}
	return ids, vecs, nil
}

// writeFileAtomic 写临时文件、fsync 后 rename
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
