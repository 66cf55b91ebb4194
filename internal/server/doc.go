// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 flowrun 运维端点的 HTTP 服务器。

NewOpsHandler 暴露 /metrics（Prometheus 默认注册表，引擎指标由
internal/metrics 通过 promauto 注册）与 /healthz（可选的健康检查，
例如数据库 Ping）。Manager 负责非阻塞启动、记录实际监听地址、
异步错误通道与幂等的优雅关闭。
*/
package server
