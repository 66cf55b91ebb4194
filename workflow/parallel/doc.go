// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 parallel 实现并行组的执行策略。

# 概述

Strategy 接口只有一个方法 RunGroup(ctx, tasks, opts)。所有策略共享
同一个就绪集调度循环：任务在组内依赖全部成功后才会派发，依赖失败或
被取消的任务直接标记为 cancelled，不会运行。

# 策略

  - pool：固定大小的 worker 池（internal/pool），适合阻塞 I/O。
  - cooperative：errgroup 限流的 goroutine，默认策略。
  - process：每个任务一个子进程（flowrun worker），通过 stdin/stdout
    交换 JSON，适用于不能共享的处理器。
  - rate_limited：在 cooperative 之上增加按 provider 与全局两级准入门，
    并可在持有准入门后咨询分布式限流器。

# 取消语义

FailFast 开启时，首个失败会先取消组上下文再释放并发槽位；尚未开始的
任务不会进入 running，正在运行的任务收到取消，均报告为 cancelled。
*/
package parallel
