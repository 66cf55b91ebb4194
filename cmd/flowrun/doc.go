// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 flowrun 命令行程序。

# 子命令

  - run       加载工作流并执行；--workflow-id 与 --resume-from 从检查点恢复
  - validate  严格校验工作流文件，--watch 在文件变更后重新校验
  - graph     打印依赖图划分出的并行组
  - migrate   数据库迁移（up/down/steps/goto/force/version/status/info/reset）
  - worker    process 策略下由引擎启动，经 stdin/stdout 执行一次步骤调用
  - version   显示版本信息

# 装配

run 按配置组装执行器：分布式限流后端（memory/redis/sql）经
ratelimit.Guarded 接入按 provider 限流的执行器，检查点存储
（memory/database）、滚动 token 预算、熔断与重试参数、OpenTelemetry
以及可选的 Prometheus /metrics 端点。版本信息通过 ldflags 注入
Version、BuildTime、GitCommit。
*/
package main
