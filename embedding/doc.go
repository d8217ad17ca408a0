// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 embedding 定义记忆引擎的向量化边界。

# 概述

Provider 是唯一的外部接口：Embed 返回固定维度的向量，失败时返回
VECTORIZATION_ERROR 而不是畸形向量。HashProvider 是无需外部模型的
确定性实现（特征哈希词袋 + 字符三元组），Cached 使用 ristretto
记忆化结果并用 singleflight 合并相同文本的并发请求。
*/
package embedding
