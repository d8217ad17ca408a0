// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package api defines the request and response types of the memengine HTTP API.
//
// # API Overview
//
// memengine exposes a small RESTful API:
//   - POST   /v1/query          enhance a query with remembered context
//   - POST   /v1/interactions   store one user/assistant turn
//   - GET    /v1/stats          engine statistics
//   - GET    /v1/memories/{id}  read one memory
//   - DELETE /v1/memories/{id}  delete one memory with its associations
//   - GET    /health, /ready    liveness and readiness probes
//   - GET    /metrics           Prometheus metrics
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Every JSON response uses the envelope written by handlers.WriteSuccess and
// handlers.WriteError: success, data, error, timestamp.
package api
