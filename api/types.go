package api

import (
	"time"
)

// =============================================================================
// 查询增强类型
// =============================================================================

// QueryRequest 查询增强请求
// @Description 查询增强请求结构
type QueryRequest struct {
	// 当前查询文本
	Query string `json:"query" example:"What do I like?" binding:"required"`
	// 会话 ID，为空时按 user_id 查找活跃会话
	SessionID string `json:"session_id,omitempty" example:"0f8e6c2a-3c55-4f0e-9c1e-7d2b1f7a9a10"`
	// 用户身份
	UserID string `json:"user_id,omitempty" example:"user-1"`
	// 是否返回阶段追踪和候选明细
	Debug bool `json:"debug,omitempty"`
}

// QueryResponse 查询增强响应
// @Description 查询增强响应结构
type QueryResponse struct {
	// 组装好的上下文文本
	Context string `json:"context"`
	// 上下文 token 数
	Tokens int `json:"tokens"`
	// 是否有阶段降级
	Degraded bool `json:"degraded"`
	// 进入上下文的记忆
	Memories []ScoredMemory `json:"memories,omitempty"`
	// 阶段追踪（仅 debug）
	Trace []StageTrace `json:"trace,omitempty"`
}

// ScoredMemory 带得分的记忆
type ScoredMemory struct {
	Memory     Memory  `json:"memory"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"`
}

// StageTrace 单个管道阶段的执行情况
type StageTrace struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Items      int    `json:"items"`
	Error      string `json:"error,omitempty"`
}

// =============================================================================
// 交互存储类型
// =============================================================================

// InteractionRequest 存储一轮对话
// @Description 交互存储请求结构
type InteractionRequest struct {
	// 用户文本
	UserText string `json:"user_text" example:"I love hiking" binding:"required"`
	// 助手回复
	AIText string `json:"ai_text" example:"Great hobby!" binding:"required"`
	// 会话 ID
	SessionID string `json:"session_id,omitempty"`
	// 用户身份
	UserID string `json:"user_id,omitempty" example:"user-1"`
}

// InteractionResponse 交互存储响应
// @Description 交互存储响应结构
type InteractionResponse struct {
	UserMemoryID string `json:"user_memory_id" example:"01J9Z5Q3D1M8X4V6K2T7R0N5BC"`
	AIMemoryID   string `json:"ai_memory_id" example:"01J9Z5Q3D1M8X4V6K2T7R0N5BD"`
	SessionID    string `json:"session_id"`
	// queued: 已进入评估队列; inline: 队列已满，已同步应用启发式权重
	Evaluation string `json:"evaluation" example:"queued"`
}

// =============================================================================
// 记忆类型
// =============================================================================

// Memory 记忆视图
// @Description 单条记忆
type Memory struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Role         string            `json:"role"`
	Type         string            `json:"type"`
	SessionID    string            `json:"session_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Weight       float64           `json:"weight"`
	Tier         string            `json:"tier"`
	GroupID      string            `json:"group_id,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
