// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package graph 维护记忆之间的关联图.

关联是有向、带类型和强度（[0,1]）的边，id 由 (source, target, type)
确定. 重复创建同一三元组会增强已有的边. Graph 在内存中维护出边与入边
邻接表，所有变更逐条写穿到 Persister（通常是 store.Store），启动时用
Load 恢复.

GetRelated 按广度优先做多跳检索，Decay 按未激活天数衰减强度并删除低于
MinStrength 的边.
*/
package graph
