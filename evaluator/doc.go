// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package evaluator 提供对话轮次的重要性评估.

  - Evaluator 接口：输入用户/助手文本与最近历史，输出权重、主题与情绪
  - CompletionEvaluator：通过 Completer（语言模型调用边界）评估，回复
    经 JSON Schema 校验
  - Heuristic：按长度与关键词估算的确定性回退，结果限制在 [0.5, 5.0]
*/
package evaluator
