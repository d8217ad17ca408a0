// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package pipeline 实现记忆引擎的两条处理路径。

# 同步查询增强

Enhancer 在调用方 goroutine 上依次执行
INIT → VECTORIZE → CACHE_LOOKUP → INDEX_SEARCH → ASSOC_EXPAND →
HISTORY_AGGREGATE → RANK_DEDUPE → ASSEMBLE → DONE。
每个阶段都是一个 span 和一次指标观测，结果记录在 Result.Trace 中。
向量化失败时只返回角色设定和最近的会话轮次；之后任何阶段失败都只贡献
空结果或部分结果，不会中断流程。ASSEMBLE 按优先级拼装分类，超出 Token
预算时先压缩低优先级分类。

# 后台评估

Worker 持有一个单 worker 的有界 FIFO 队列。每个任务调用评估器（限流、
超时、熔断），失败时回退到启发式评估，然后更新两条记忆的权重、分组与
情绪，把记忆自动关联到最相似的已有记忆，标记需要摘要的记忆，并使缓存
副本失效。队列满时 Enqueue 立即返回 QUEUE_FULL。
*/
package pipeline
