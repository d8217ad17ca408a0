package evaluator

import (
	"context"
)

// Request 一次重要性评估的输入
type Request struct {
	UserText string   `json:"user_text"`
	AIText   string   `json:"ai_text"`
	History  []string `json:"history,omitempty"`
}

// Result 评估结果. Weight 在 [1,10]（启发式回退在 [0.5,5]）
type Result struct {
	Weight  float64 `json:"weight"`
	Topic   string  `json:"topic,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	// Source 结果来源：evaluator 名称或 heuristic
	Source string `json:"source"`
}

// Evaluator 对一轮对话做重要性评估
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// Func 函数适配器
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Evaluate(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
