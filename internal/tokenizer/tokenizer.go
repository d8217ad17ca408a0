// Package tokenizer 提供上下文组装使用的 Token 计数与截断，
// 优先使用 tiktoken 精确计数，编码不可用时回退到 CJK 感知估算器。
package tokenizer

import (
	"sync"

	"go.uber.org/zap"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) int

	// Truncate 截断文本使其不超过 maxTokens 个 token.
	Truncate(text string, maxTokens int) string

	// Name 返回分词器的名称.
	Name() string
}

// fallbackTokenizer 首次使用时尝试初始化 tiktoken，失败则固定使用估算器.
type fallbackTokenizer struct {
	primary  *TiktokenTokenizer
	fallback *EstimatorTokenizer
	logger   *zap.Logger

	once   sync.Once
	active Tokenizer
}

// New 创建指定编码（如 cl100k_base）的分词器.
// encoding 为空或为 "estimator" 时直接返回估算器.
func New(encoding string, logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encoding == "" || encoding == "estimator" {
		return NewEstimatorTokenizer()
	}
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(encoding),
		fallback: NewEstimatorTokenizer(),
		logger:   logger,
	}
}

func (f *fallbackTokenizer) resolve() Tokenizer {
	f.once.Do(func() {
		if err := f.primary.init(); err != nil {
			f.logger.Warn("tiktoken unavailable, using estimator",
				zap.String("encoding", f.primary.encoding),
				zap.Error(err))
			f.active = f.fallback
			return
		}
		f.active = f.primary
	})
	return f.active
}

func (f *fallbackTokenizer) CountTokens(text string) int {
	return f.resolve().CountTokens(text)
}

func (f *fallbackTokenizer) Truncate(text string, maxTokens int) string {
	return f.resolve().Truncate(text, maxTokens)
}

func (f *fallbackTokenizer) Name() string {
	return f.resolve().Name()
}
