// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 按 config.DatabaseConfig 打开 GORM 连接并管理连接池。

Open 根据驱动名选择方言：postgres、mysql 或纯 Go 的 sqlite
（glebarez）。SQLite 文件库默认打开外键与 busy_timeout，内存库
固定单连接。

PoolManager 提供 DB、Ping、Stats、Close，后台健康检查在
Close 时退出；WithTransaction 与 WithTransactionRetry 在死锁、序列化
失败或 SQLite 写锁时指数退避重试；TxRunner 把后者交给 SQL 限流器与
检查点存储作为事务执行器。检查点、预算账本与 SQL 限流器
共用同一个 PoolManager。
*/
package database
