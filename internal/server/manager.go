package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 运维端点服务器
// =============================================================================

// Manager 运行 /metrics 与 /healthz 的 HTTP 服务器
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	// 监听地址，":0" 表示随机端口
	Addr string `yaml:"addr" json:"addr"`

	// 读取请求头超时
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:              ":9464",
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// HealthFunc 返回 nil 表示健康
type HealthFunc func(ctx context.Context) error

// NewOpsHandler 组装 /metrics（默认 Prometheus 注册表）与 /healthz
func NewOpsHandler(health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "ops_server")),
	}
}

// Start 绑定端口并在后台提供服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}
	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener
	m.logger.Info("ops endpoint listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("ops server failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭，可重复调用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("ops server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Debug("ops server stopped")
	return nil
}

// Errors returns asynchronous serve errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
