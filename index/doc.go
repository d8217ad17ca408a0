// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 index 提供记忆向量的近邻检索。

# 概述

AnnIndex 定义批量写入、检索、删除与持久化接口。Add 在修改任何状态前
校验整批输入，失败时索引保持调用前的状态。

# 实现

  - FlatIndex：内存中的精确余弦检索。持久化为单个快照文件
    （"MEMIDX02" 魔数、小端维度与数量，随后逐条写入 id 与 float32 向量），
    以临时文件 + fsync + rename 原子替换。
  - ChromemIndex：基于 chromem-go 嵌入式向量库，可选持久化目录。

Rebuild 从记忆存储中的向量整体重建索引，用于灾难恢复。
New 在快照无法读取且开启 RebuildOnStart 时以空索引启动，交由重建恢复。
*/
package index
