// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 checkpoint 提供工作流运行进度的持久化后端。

Store 同时实现 workflow.Checkpointer、workflow.StageLoader 与
workflow.CheckpointMarker，引擎据此记录每个步骤阶段、在中断后恢复，
并由 checkpoint 步骤类型写入命名检查点。

  - MemoryStore：进程内存实现，适合测试与单次运行。
  - GormStore：基于 gorm 的关系型实现，表结构与 internal/migration
    中的迁移一致（workflow_runs、workflow_stages、workflow_checkpoints）。

Stage 的语义：回调返回 nil 后才提交阶段记录；回调或提交失败时，
存储停留在上一个步骤边界。
*/
package checkpoint
