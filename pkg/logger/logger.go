// Package logger 封装 log/slog，提供进程级的应用日志与审计日志。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 描述应用日志的输出方式。
type Config struct {
	Service     string
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig 控制审计日志的输出与轮转。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
	once    sync.Once
	initErr error
)

// Init 初始化全局日志实例，重复调用只生效一次。
func Init(cfg Config) error {
	once.Do(func() {
		st, err := build(cfg)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		current = st
		mu.Unlock()
	})
	return initErr
}

func build(cfg Config) (*state, error) {
	st := &state{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}

	writer, err := st.outputs(cfg.OutputPaths)
	if err != nil {
		st.close()
		return nil, err
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}
	service := cfg.Service
	if service == "" {
		service = "sleepyd"
	}
	st.app = slog.New(handler).With(slog.String("service", service))
	st.audit = st.app

	if cfg.Audit.Enabled {
		audit, err := st.auditLogger(cfg.Audit)
		if err != nil {
			st.close()
			return nil, err
		}
		st.audit = audit.With(slog.String("service", service))
	}
	return st, nil
}

// outputs 打开全部输出目标，未配置时写入标准输出。
func (st *state) outputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			st.closers = append(st.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func (st *state) auditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func (st *state) close() error {
	var err error
	for _, closer := range st.closers {
		err = errors.Join(err, closer.Close())
	}
	st.closers = nil
	return err
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func snapshot() *state {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st != nil {
		return st
	}
	if err := Init(Config{}); err != nil {
		return &state{app: slog.Default(), audit: slog.Default()}
	}
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L 返回全局结构化日志实例，未初始化时使用默认配置。
func L() *slog.Logger {
	return snapshot().app
}

// Audit 返回审计日志实例，未开启审计时与 L 相同。
func Audit() *slog.Logger {
	return snapshot().audit
}

// Sync 关闭所有文件输出。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return current.close()
}

// Named 返回带 component 字段的子日志实例。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Replace 替换全局日志与审计日志，返回恢复函数，主要用于测试捕获输出。
func Replace(l *slog.Logger) func() {
	prev := snapshot()
	mu.Lock()
	current = &state{app: l, audit: l}
	mu.Unlock()
	return func() {
		mu.Lock()
		current = prev
		mu.Unlock()
	}
}
