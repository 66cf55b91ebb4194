// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
工作流运行、步骤执行、并行组、准入门、限流与预算。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。Collector 的方法对 nil
接收者安全，未启用指标时无需判空。

# 主要能力

  - 工作流指标：运行总数与耗时，按 workflow/status 分组。
  - 步骤指标：执行总数、耗时、重试次数、熔断器状态，按 step_type 分组。
  - 并行指标：组数量与大小、准入门在途数与等待时间。
  - 限流指标：分布式限流决策与后端错误，按 backend 分组。
  - 预算指标：按 run/daily 统计的拒绝次数；稳定性门的轮数分布。
*/
package metrics
