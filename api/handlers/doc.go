// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 memengine HTTP API 的请求处理器实现。

# 核心类型

  - MemoryHandler:    查询增强、交互存储、统计与单条记忆读写
  - MemoryService:    处理器依赖的引擎能力（由 memengine.Engine 实现）
  - HealthHandler:    存活与就绪检查（/health, /ready）
  - Response:         统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo:        结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter:   包装 http.ResponseWriter 以捕获状态码与字节数

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - types.ErrorCode → HTTP 状态码映射（INVALID_INPUT 400、NOT_FOUND 404、
    QUEUE_FULL 429、CIRCUIT_OPEN 503）
  - 可扩展就绪检查：RegisterCheck / RegisterProbes
*/
package handlers
