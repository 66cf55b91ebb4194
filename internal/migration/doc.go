// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 FlowRun 持久化表的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 表

迁移文件通过 embed.FS 内嵌，按方言分目录：

  - 000001_workflow_runs：workflow_runs / workflow_stages /
    workflow_checkpoints，供 checkpoint.GormStore 使用。
  - 000002_token_usage_rate_limits：token_usage（budget 账本）与
    rate_limit_windows（ratelimit.SQLLimiter）。

# SQLite

SQLite 连接由纯 Go 的 glebarez/go-sqlite 驱动（database/sql 名为
"sqlite"）打开，再交给 golang-migrate 的 sqlite3 驱动执行迁移，
与 gorm 侧使用同一个驱动，构建时无需 cgo。

# 入口

  - NewMigrator / NewMigratorFromDatabaseConfig / NewMigratorFromURL
  - CLI.Run 实现 `flowrun migrate <up|down|steps|goto|force|version|status|info>`
*/
package migration
