// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 memengine 服务端程序入口。

# 概述

cmd/memengine 基于 cobra 组织子命令，提供 HTTP API 服务、向量索引重建、
关联衰减维护、统计输出和版本查询。配置来自 YAML 文件与 MEMENGINE_*
环境变量，日志使用 zap，指标通过 Prometheus 暴露。

# 核心类型

  - Server:      组合 Engine、chi 路由与 API/Metrics 两个 server.Manager
  - Middleware:  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、rebuild-index、decay、stats、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger，/v1 路由额外挂载基于 IP 的 RateLimiter
  - 优雅关闭：SIGINT/SIGTERM → 停止 HTTP → 排空评估队列 → 保存索引
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
