// Package telemetry 按 config.TelemetryConfig 初始化 OpenTelemetry 的
// TracerProvider 与 MeterProvider，经 OTLP gRPC 导出步骤与调度器的 span。
// 未启用时 Init 返回 noop Providers，Shutdown 可安全调用。
package telemetry
