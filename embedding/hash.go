package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/BaSui01/memengine/internal/textutil"
)

// HashProvider 基于特征哈希的确定性词袋向量化.
// 每个词贡献 1.0，长词的字符三元组各贡献 0.5，
// 哈希高位决定符号，结果做 L2 归一化.
type HashProvider struct {
	dimension int
	model     string
}

// NewHashProvider 创建哈希向量化器
func NewHashProvider(dimension int, model string) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	if model == "" {
		model = "hash-bow-v1"
	}
	return &HashProvider{dimension: dimension, model: model}
}

func (h *HashProvider) Dimension() int { return h.dimension }
func (h *HashProvider) Model() string  { return h.model }

// Embed 生成向量；空文本或无可用特征时返回 VECTORIZATION_ERROR
func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, vectorizationError("empty text")
	}

	words := textutil.Words(text)
	if len(words) == 0 {
		return nil, vectorizationError("text has no embeddable tokens")
	}

	vec := make([]float32, h.dimension)
	for _, w := range words {
		h.add(vec, "w:"+w, 1.0)
		runes := []rune("^" + w + "$")
		if len(runes) < 6 {
			continue
		}
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}

	if !normalize(vec) {
		return nil, vectorizationError("zero vector")
	}
	return vec, nil
}

func (h *HashProvider) add(vec []float32, feature string, weight float32) {
	hs := fnv.New64a()
	_, _ = hs.Write([]byte(feature))
	sum := hs.Sum64()
	idx := int(sum % uint64(h.dimension))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// normalize 原地归一化为单位向量；零向量返回 false
func normalize(vec []float32) bool {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return false
	}
	inv := 1 / math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
	return true
}
