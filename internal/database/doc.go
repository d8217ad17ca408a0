// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理。

# 概述

Open 按配置的驱动名（sqlite / postgres / mysql）创建 GORM 连接，
SQLite 使用纯 Go 驱动并自动创建数据目录。PoolManager 统一管理
连接池参数、后台健康检查与事务执行，记忆存储的双写协议通过
WithTransaction 运行在单个本地事务内。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 与事务方法。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。
  - TransactionFunc：事务回调函数类型。
*/
package database
