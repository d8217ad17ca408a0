// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 store 提供记忆的持久化存储。

# 概述

Store 基于 GORM，使用 memories、memory_vectors 与 associations 三张表，
驱动可为 SQLite（纯 Go）、PostgreSQL 或 MySQL。记忆 id 使用 ULID，
按创建时间有序。

# 双写协议

AddInteractionMemory 保证一条记忆当且仅当其向量同时存在于数据库与
向量索引中：向量化在事务外完成；记录与向量在同一事务内写入；索引写入
失败时回滚；提交失败时从索引中撤销。所有写操作由存储级互斥锁串行化。

# 关联持久化

关联图的每条边逐条写穿到 associations 表，source_key / target_key
上的索引充当反向索引。
*/
package store
