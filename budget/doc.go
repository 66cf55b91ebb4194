// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 budget 提供引擎的 token 预算协作者。

# 核心类型

  - Ledger：按小时与按天滚动的 token 账本，实现 CanAllocate、
    RecordUsage 与 DailyLimit；达到阈值时触发 Alert。
  - GormUsageStore：将用量写入 token_usage 表，进程重启后可用
    Ledger.Restore 恢复当日计数。
  - Estimator：基于 tiktoken 的 prompt token 估算，编码不可用时
    退化为按字节数估算。

单次运行的 token_budget 上限由引擎自身执行，Ledger 只负责跨运行的
滚动上限。
*/
package budget
