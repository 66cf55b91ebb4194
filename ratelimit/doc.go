// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 ratelimit 提供跨进程共享的限流器契约与三种后端实现。

# 概述

Limiter 只有一个方法 TryAcquire(ctx, key, cost)，语义是每个 key
在一个窗口内最多消耗 Limit 个单位。被拒绝时 Result.RetryAfter 给出
建议等待时间；cost 大于 Limit 的请求永远被拒绝。

# 后端

  - MemoryLimiter：进程内令牌桶（golang.org/x/time/rate），适合单机。
  - RedisLimiter：Lua 脚本实现的原子固定窗口，多实例共享。
  - SQLLimiter：gorm 事务维护 rate_limit_windows 表，支持 sqlite、
    postgres 与 mysql。

# 容错

Guarded 包装任意后端：后端出错时按 FailOpen 放行或拒绝，
记录告警日志与指标，错误不会传递给引擎。
*/
package ratelimit
