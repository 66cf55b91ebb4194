// 文件变更监听器。
//
// 以轮询方式检测配置文件和工作流定义的变更，合并抖动后批量回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp 文件变更类型
type FileOp int

const (
	// FileOpCreate 文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 一次文件变更
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// fileState 用于比较的文件快照
type fileState struct {
	modTime time.Time
	size    int64
}

// FileWatcher 轮询监听一组文件
type FileWatcher struct {
	mu sync.Mutex

	paths         []string
	states        map[string]fileState
	pollInterval  time.Duration
	debounceDelay time.Duration
	running       bool

	logger *zap.Logger
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithDebounceDelay 设置抖动合并时间
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// NewFileWatcher 创建监听器，路径会被解析为绝对路径。尚不存在的文件
// 在创建时产生 CREATE 事件。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		states:        make(map[string]fileState),
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		w.paths = append(w.paths, abs)

		info, err := os.Stat(abs)
		switch {
		case err == nil:
			w.states[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
		case errors.Is(err, os.ErrNotExist):
			w.logger.Warn("file does not exist, will watch for creation", zap.String("path", abs))
		default:
			return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
		}
	}
	return w, nil
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// Run 阻塞轮询直到 ctx 结束。每批变更在 debounceDelay 内不再有新变更后
// 回调一次，同一路径只保留最后一个事件，按路径排序。
func (w *FileWatcher) Run(ctx context.Context, onChange func([]FileEvent)) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var lastChange time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return ctx.Err()
		case now := <-ticker.C:
			for _, evt := range w.poll(now) {
				pending[evt.Path] = evt
				lastChange = now
			}
			if len(pending) > 0 && now.Sub(lastChange) >= w.debounceDelay {
				onChange(flush(pending))
				pending = make(map[string]FileEvent)
			}
		}
	}
}

// poll 比较当前文件状态与上次快照
func (w *FileWatcher) poll(now time.Time) []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	for _, path := range w.paths {
		prev, tracked := w.states[path]
		info, err := os.Stat(path)
		if err != nil {
			if tracked && errors.Is(err, os.ErrNotExist) {
				delete(w.states, path)
				events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
			}
			continue
		}
		cur := fileState{modTime: info.ModTime(), size: info.Size()}
		switch {
		case !tracked:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
		w.states[path] = cur
	}
	return events
}

func flush(pending map[string]FileEvent) []FileEvent {
	out := make([]FileEvent, 0, len(pending))
	for _, evt := range pending {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
