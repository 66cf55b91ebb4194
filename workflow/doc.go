// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 workflow 提供声明式工作流的加载、校验与执行引擎。

# 概述

工作流由 YAML 定义（Definition），包含输入、步骤、输出与调度设置。
Executor 根据步骤间的显式依赖（depends_on）构建依赖图，按拓扑层级
划分并行组；auto_parallel 开启时同组步骤并发执行，否则按声明顺序
逐个执行。

# 核心类型

  - Definition / StepSpec：工作流与步骤定义（LoadFile、Parse、ParseStrict）
  - DependencyGraph：依赖图，Groups 返回并行组，TopologicalOrder 返回拓扑序
  - ExecutionContext：运行期共享的键值上下文，支持点号路径
  - Registry / Handler：步骤类型到处理器的映射
  - Executor：执行与恢复（Execute、Resume）
  - ExecutionResult：运行结果：状态、步骤记录、输出与 token 用量

# 步骤生命周期

每个步骤经历 pending → running → success | failed | skipped：

  - 条件不满足时直接 skipped
  - 派发前检查单次运行预算与每日预算，超限时整个运行失败
  - 失败按 RetryPolicy 指数退避重试，最多 max_retries 次；限流等待不计入重试
  - 重试耗尽后按 on_failure 处理：abort 终止运行，skip 继续并将运行标为
    partial，retry 暂停运行并在 ExecutionResult.ResumeFrom 中给出恢复点

# 内置步骤类型

shell、checkpoint、passthrough 以及编排类型 parallel、fan_out、fan_in、
map_reduce 由 NewExecutor 自动注册；claude_code 与 openai 类型需由调用方
注册处理器。

# 并发策略

并行组通过 workflow/parallel 中的策略执行（pool、cooperative、process），
调用外部提供方的组自动使用 RateLimitedExecutor 的按提供方限流闸门。
process 策略下每次处理器调用都在 `flowrun worker` 子进程中进行，
参见 IsolatedStepWorker。
*/
package workflow
