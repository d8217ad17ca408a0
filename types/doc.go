// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 memengine 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 store、cache、graph、
pipeline 等上层模块提供统一的类型契约。

# 核心类型

  - Memory:          一条对话记忆（内容、角色、权重、分组、摘要）
  - Tier:            由权重决定的层级: core / archive / long_term / short_term
  - Association:     记忆之间带类型与强度的有向关联
  - Error:           结构化错误（Code、Message、Retryable、Cause）

# 错误码

VECTORIZATION_ERROR、INDEX_ERROR、TRANSACTION_ERROR、EVALUATION_ERROR、
STORAGE_ERROR 为组件错误；NOT_FOUND、INVALID_INPUT、CIRCUIT_OPEN、
QUEUE_FULL、RATE_LIMITED、TIMEOUT、INTERNAL_ERROR 为通用错误，
HTTP 层按错误码映射状态码。
使用 GetErrorCode / IsErrorCode 判断，errors.Is 按错误码比较。

# 上下文辅助

WithTraceID / WithSessionID / WithUserID 在 context 中传递请求级标识。
*/
package types
