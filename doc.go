// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package memengine 为对话助手提供长期记忆引擎。

# 概述

每一轮对话被写成带权重、可关联、可缓存的记忆。新查询到来时，
Engine 在数十毫秒内从最相关的历史记忆中组装出有长度上限的上下文；
后台 worker 在不阻塞调用方的前提下重新评估重要性并调整关联。

# 快速开始

	cfg := config.DefaultConfig()
	e, err := memengine.New(ctx, cfg, memengine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	_, _ = e.StoreInteraction(ctx, "I love hiking", "Great hobby!", memengine.RequestContext{UserID: "u1"})
	text, _ := e.EnhanceQuery(ctx, "What do I like?", memengine.RequestContext{UserID: "u1"})

# 组成

  - store:       GORM 持久化，记忆与向量双写
  - index:       最近邻检索（flat / chromem），可从存储重建
  - cache:       hot / warm / cold 三级缓存，可选 Redis 镜像
  - graph:       关联图：强化、衰减、多跳遍历
  - scorer:      打分、去重、稳定排序
  - pipeline:    同步增强状态机与单 worker 评估队列
  - recovery:    按组件的熔断、重试与降级
  - session:     惰性过期的会话

# 降级语义

EnhanceQuery 除 ctx 取消外总会返回上下文；StoreInteraction 对一问一答
整体成功或整体失败，评估队列满时就地应用启发式权重。
RunMaintenance 执行关联衰减与索引落盘，Scheduler 按配置周期调用。
*/
package memengine
