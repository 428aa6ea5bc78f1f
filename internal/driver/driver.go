package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
)

// Target 指定界面动作的作用对象：元素引用或坐标，二者至少有一个。
type Target struct {
	ElementRef  string
	Coordinates *step.Point
}

// Element 是驱动返回的元素描述。
type Element struct {
	Ref     string
	Text    string
	Visible bool
}

// Driver 是单个平台自动化会话的能力接口。
type Driver interface {
	Connect(ctx context.Context, deviceID string) error
	Click(ctx context.Context, target Target) error
	GetElement(ctx context.Context, ref string) (Element, error)
	TypeText(ctx context.Context, text, ref string) error
	IsElementPresent(ctx context.Context, ref string) (bool, error)
}

// Factory 负责为指定平台构造未连接的驱动。
type Factory interface {
	New(ctx context.Context, platform step.Platform) (Driver, error)
}

// Constructor 构造某一 (platform, framework) 组合的驱动。
type Constructor func(ctx context.Context) (Driver, error)

// Registry 以 (platform, framework) 查表构造驱动，实现 Factory。
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	frameworks   map[step.Platform]string
	fallback     step.Platform
}

// NewRegistry 创建驱动注册表，fallback 为未指定平台时使用的默认平台。
func NewRegistry(fallback step.Platform) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		frameworks:   make(map[step.Platform]string),
		fallback:     fallback,
	}
}

func tableKey(platform step.Platform, framework string) string {
	return string(platform) + "/" + strings.ToLower(framework)
}

// Register 登记构造函数；同一组合重复登记返回冲突错误。
func (r *Registry) Register(platform step.Platform, framework string, ctor Constructor) error {
	if platform == "" || strings.TrimSpace(framework) == "" || ctor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "驱动注册参数不完整")
	}
	key := tableKey(platform, framework)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[key]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("驱动 %s 已注册", key))
	}
	r.constructors[key] = ctor
	if _, ok := r.frameworks[platform]; !ok {
		r.frameworks[platform] = strings.ToLower(framework)
	}
	return nil
}

// UseFramework 指定平台默认使用的框架。
func (r *Registry) UseFramework(platform step.Platform, framework string) error {
	key := tableKey(platform, framework)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.constructors[key]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("驱动 %s 未注册", key))
	}
	r.frameworks[platform] = strings.ToLower(framework)
	return nil
}

// New 按平台当前选中的框架构造驱动。
func (r *Registry) New(ctx context.Context, platform step.Platform) (Driver, error) {
	if platform == "" {
		platform = r.fallback
	}
	r.mu.RLock()
	framework, ok := r.frameworks[platform]
	ctor := r.constructors[tableKey(platform, framework)]
	r.mu.RUnlock()
	if !ok || ctor == nil {
		return nil, xerrors.New(xerrors.CodeDriverFailure, fmt.Sprintf("平台 %s 没有可用的驱动", platform))
	}
	drv, err := ctor(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("构造 %s/%s 驱动失败", platform, framework))
	}
	return drv, nil
}

// Entries 返回已注册的组合，按字典序排列。
func (r *Registry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.constructors))
	for key := range r.constructors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var _ Factory = (*Registry)(nil)
