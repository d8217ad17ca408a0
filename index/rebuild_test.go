package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	ids  []string
	vecs [][]float32
	err  error
}

func (s sliceSource) Vectors(ctx context.Context, fn func(string, []float32) error) error {
	if s.err != nil {
		return s.err
	}
	for i, id := range s.ids {
		if err := fn(id, s.vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := NewFlatIndex(2, dir, nil)

	// 索引中残留一个存储里已不存在的 id
	require.NoError(t, idx.Add(ctx, []string{"stale"}, [][]float32{vec(1, 1)}))

	src := sliceSource{
		ids:  []string{"a", "b", "bad"},
		vecs: [][]float32{vec(1, 0), vec(0, 1), vec(1, 2, 3)},
	}
	res, err := Rebuild(ctx, idx, src, nil)
	require.NoError(t, err)

	assert.Equal(t, RebuildResult{Indexed: 2, Removed: 1, Skipped: 1}, res)
	assert.ElementsMatch(t, []string{"a", "b"}, idx.IDs())

	// 已保存
	reloaded := NewFlatIndex(2, dir, nil)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Size())
}

func TestRebuild_LargeBatches(t *testing.T) {
	ctx := context.Background()
	idx := NewFlatIndex(2, "", nil)

	var src sliceSource
	for i := 0; i < rebuildBatchSize*2+7; i++ {
		src.ids = append(src.ids, string(rune('A'+i%26))+string(rune('a'+i/26%26))+string(rune('0'+i/676)))
		src.vecs = append(src.vecs, vec(float32(i+1), 1))
	}
	res, err := Rebuild(ctx, idx, src, nil)
	require.NoError(t, err)
	assert.Equal(t, len(src.ids), res.Indexed)
	assert.Equal(t, len(src.ids), idx.Size())
}

func TestRebuild_SourceError(t *testing.T) {
	_, err := Rebuild(context.Background(), NewFlatIndex(2, "", nil), sliceSource{err: errors.New("db down")}, nil)
	assert.Error(t, err)
}
