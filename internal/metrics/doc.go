// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的记忆引擎指标采集能力。

# 概述

Collector 通过 promauto.With 将全部指标注册到注入的 Registry，
未注入时为每个实例创建独立 Registry，因此同一进程内可以安全创建
多个引擎实例。Handler 直接暴露 /metrics 端点。nil Collector 上的
记录方法均为空操作，组件可以不依赖指标运行。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 管线指标：查询增强结果（ok/degraded/error）、总耗时与分阶段耗时。
  - 存储指标：交互写入结果与双写结果（committed/rolled_back/compensated）。
  - 评估指标：权重来源计数、队列深度与队列满拒绝次数。
  - 缓存指标：按层级的命中、淘汰与晋升计数。
  - 关联图与熔断器：关联变更计数、熔断状态 Gauge 与状态转换计数。
  - 数据库指标：活跃/空闲连接数。
*/
package metrics
