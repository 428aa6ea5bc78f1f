package api

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/hub"
	"SleepyTesting/internal/observability/metrics"
	"SleepyTesting/internal/task"
	"SleepyTesting/pkg/logger"
)

// TaskService 是接口层依赖的任务能力。
type TaskService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// AgentMonitor 提供代理状态查询与健康检查。
type AgentMonitor interface {
	Snapshot() []hub.AgentRecord
	ProbeAll(ctx context.Context)
	HealthCheck(ctx context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	tasks   TaskService
	agents  AgentMonitor
	metrics *metrics.Collector
	logger  *slog.Logger
	engine  *gin.Engine
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 指定指标集合，默认使用 metrics.Default。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, agents AgentMonitor, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		tasks:   tasks,
		agents:  agents,
		metrics: metrics.Default,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/agents", s.listAgents)
		v1.POST("/agents/health-check", s.checkAgents)
	}
	return r
}

// Handler 返回路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个请求的耗时与状态码。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTPRequest(route, c.Request.Method, status, time.Since(start))
		if status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("route", route),
				slog.String("method", c.Request.Method),
				slog.Int("status", status))
		}
	}
}

// errorResponse 按错误码返回统一的错误体。
func (s *Server) errorResponse(c *gin.Context, err error) {
	code := xerrors.CodeOf(err)
	c.JSON(statusOf(code), gin.H{
		"code":    code,
		"message": err.Error(),
	})
}

func statusOf(code xerrors.Code) int {
	switch code {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed:
		return http.StatusBadRequest
	case task.CodeTaskConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
