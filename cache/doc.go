// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package cache 提供记忆引擎的多级缓存.

# 概述

Manager 是一个泛型的热/温/冷三级 LRU 缓存：

  - 新条目写入热层
  - 某层容量满时，最久未使用的条目降级到下一层；冷层淘汰即丢弃
  - 温/冷层条目被命中 PromoteAfter 次后提升一层
  - TTL 在访问时检查

写入时附带的标签被切分为关键词建立倒排索引，SearchByContent 按匹配
关键词数检索缓存中的值.

# Redis 镜像

可选的 RedisMirror 将写入同步到 Redis（冷层 TTL），本地未命中时回落
到 Redis 并回填冷层. 镜像失败只记录日志，不影响本地缓存.
*/
package cache
