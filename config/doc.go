// 版权所有 2024 FlowRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package config 提供 FlowRun 引擎的配置管理。

配置按 默认值 → YAML 文件 → FLOWRUN_* 环境变量 的顺序叠加，
Config.Validate 在启动前检查各段取值。FileWatcher 以轮询方式
监听文件变更，供 CLI 的 validate --watch 使用。
*/
package config
