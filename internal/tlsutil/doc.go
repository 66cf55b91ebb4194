// Package tlsutil 提供集中式 TLS 配置，
// 用于共享限流的 Redis 连接（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
