// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 核心类型

  - Manager：封装 http.Server 与 net.Listener，提供 Start / Run /
    Shutdown 生命周期方法。memengine serve 为 API 与 metrics
    各启动一个 Manager。
  - Config：监听地址、读写超时、空闲超时、最大请求头与优雅关闭超时。
    ConfigFor 由 config.ServerConfig 生成。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 上下文驱动：Run 阻塞至 ctx 结束后优雅关闭，配合
    signal.NotifyContext 处理 SIGINT/SIGTERM。
  - 错误传播：Errors() 返回异步错误通道。
*/
package server
