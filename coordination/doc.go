// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 coordination 提供并行组的稳定性门。

组内每个步骤在执行前发布 Intent（提供什么、依赖什么），执行后
CheckStability 在有限轮数内解析冲突并给出 StabilityReport。未收敛
只产生告警，不会阻塞工作流。Noop 是默认实现，不做任何分配。
*/
package coordination
