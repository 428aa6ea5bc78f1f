package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "SleepyTesting/internal/errors"
)

// Tool 是可被步骤调用的外部工具。
type Tool interface {
	ValidateParams(params map[string]any) error
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Func 将普通函数适配为 Tool。
type Func struct {
	Required []string
	Run      func(ctx context.Context, params map[string]any) (any, error)
}

// ValidateParams 检查必填参数是否存在且非空。
func (f Func) ValidateParams(params map[string]any) error {
	for _, name := range f.Required {
		value, ok := params[name]
		if !ok || value == nil {
			return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("缺少参数 %s", name))
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("参数 %s 不能为空", name))
		}
	}
	return nil
}

// Execute 调用包装的函数。
func (f Func) Execute(ctx context.Context, params map[string]any) (any, error) {
	if f.Run == nil {
		return nil, nil
	}
	return f.Run(ctx, params)
}

// Registry 保存按名称索引的工具，在进程启动时构建并显式传递给使用方。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具，名称重复时返回冲突错误。
func (r *Registry) Register(name string, t Tool) error {
	name = strings.TrimSpace(name)
	if name == "" || t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称与实现不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	r.tools[name] = t
	return nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("工具 %s 未注册", name))
	}
	return t, nil
}

// Call 先校验参数再执行工具。校验失败返回 VALIDATION_FAILED，执行失败返回 TOOL_EXECUTION_FAILED。
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (any, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := t.ValidateParams(params); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeValidationFailed {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, fmt.Sprintf("工具 %s 参数校验失败", name))
	}
	result, err := t.Execute(ctx, params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("工具 %s 执行失败", name))
	}
	return result, nil
}

// Ping 探测所有支持探测的工具，返回第一个失败。
func (r *Registry) Ping(ctx context.Context) error {
	r.mu.RLock()
	pingers := make(map[string]interface{ Ping(context.Context) error })
	for name, t := range r.tools {
		if pinger, ok := t.(interface{ Ping(context.Context) error }); ok {
			pingers[name] = pinger
		}
	}
	r.mu.RUnlock()
	for name, pinger := range pingers {
		if err := pinger.Ping(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("工具 %s 不可用", name))
		}
	}
	return nil
}

// Names 返回已注册的工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
