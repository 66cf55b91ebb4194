// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供 flowrun 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、ratelimit、
budget、checkpoint 等上层模块提供统一的错误契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable、StepID、Provider、
    RetryAfter 与 Details 明细

# 错误分类

  - ErrValidation / ErrCycle / ErrDanglingDependency：定义期或调度前的致命错误
  - ErrStepExecution / ErrTimeout：单步失败，按重试策略恢复
  - ErrBudgetExceeded：预算耗尽，停止派发
  - ErrRateLimited：限流，表现为等待而非终止
*/
package types
