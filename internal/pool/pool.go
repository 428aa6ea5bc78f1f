package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"SleepyTesting/internal/driver"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
	"SleepyTesting/pkg/logger"
)

// Key 标识一个自动化会话。零值是默认键。
type Key struct {
	Platform step.Platform
	DeviceID string
}

// String 返回便于日志输出的键描述。
func (k Key) String() string {
	platform, device := string(k.Platform), k.DeviceID
	if platform == "" {
		platform = "default"
	}
	if device == "" {
		device = "default"
	}
	return platform + "/" + device
}

type slot struct {
	done   chan struct{}
	handle driver.Driver
	err    error
}

// Pool 为每个 (platform, device_id) 懒加载并缓存唯一的驱动句柄。
// 句柄在进程生命周期内不会被淘汰。
type Pool struct {
	factory driver.Factory

	mu        sync.Mutex
	handles   map[Key]driver.Driver
	inflight  map[Key]*slot
	allowList map[step.Platform]map[string]struct{}
	closed    bool
	logger    *slog.Logger
}

// Option 定义 Pool 的可选配置。
type Option func(*Pool)

// WithAllowedDevices 限制平台可连接的设备 ID，未配置的平台不受限。
func WithAllowedDevices(platform step.Platform, ids ...string) Option {
	return func(p *Pool) {
		if len(ids) == 0 {
			return
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		p.allowList[platform] = set
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 创建资源池。
func New(factory driver.Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:   factory,
		handles:   make(map[Key]driver.Driver),
		inflight:  make(map[Key]*slot),
		allowList: make(map[step.Platform]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("pool")
	}
	return p
}

// RegisterDefault 预先登记默认键对应的句柄，只能登记一次。
func (p *Pool) RegisterDefault(handle driver.Driver) error {
	if handle == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "默认句柄不能为空")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[Key{}]; ok {
		return xerrors.New(xerrors.CodePoolKeyConflict, "默认句柄已登记")
	}
	p.handles[Key{}] = handle
	return nil
}

// GetOrCreate 返回键对应的句柄，不存在时创建。同一个键的并发调用只会触发一次创建；
// 创建失败不会被缓存，下次调用会重新尝试。
func (p *Pool) GetOrCreate(ctx context.Context, platform step.Platform, deviceID string) (driver.Driver, error) {
	key := Key{Platform: platform, DeviceID: deviceID}
	if err := p.checkAllowed(key); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if handle, ok := p.handles[key]; ok {
			p.mu.Unlock()
			return handle, nil
		}
		if s, ok := p.inflight[key]; ok {
			p.mu.Unlock()
			select {
			case <-s.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if s.err == nil {
				return s.handle, nil
			}
			// 上一次创建失败，重新竞争创建权。
			continue
		}
		if p.factory == nil {
			p.mu.Unlock()
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "资源池未配置驱动工厂")
		}
		s := &slot{done: make(chan struct{})}
		p.inflight[key] = s
		p.mu.Unlock()

		s.handle, s.err = p.create(ctx, key)

		p.mu.Lock()
		delete(p.inflight, key)
		if s.err == nil {
			if _, exists := p.handles[key]; exists {
				s.err = xerrors.New(xerrors.CodePoolKeyConflict, fmt.Sprintf("键 %s 出现重复句柄", key))
			} else {
				p.handles[key] = s.handle
			}
		}
		p.mu.Unlock()
		close(s.done)

		if s.err != nil {
			return nil, s.err
		}
		p.logger.Info("创建驱动句柄", slog.String("key", key.String()))
		return s.handle, nil
	}
}

func (p *Pool) create(ctx context.Context, key Key) (driver.Driver, error) {
	handle, err := p.factory.New(ctx, key.Platform)
	if err != nil {
		return nil, err
	}
	if key.DeviceID != "" {
		if err := handle.Connect(ctx, key.DeviceID); err != nil {
			closeHandle(handle)
			return nil, xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("连接设备 %s 失败", key))
		}
	}
	return handle, nil
}

func (p *Pool) checkAllowed(key Key) error {
	if key.DeviceID == "" {
		return nil
	}
	p.mu.Lock()
	allowed, ok := p.allowList[key.Platform]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if _, ok := allowed[key.DeviceID]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("设备 %s 不在平台 %s 的允许列表中", key.DeviceID, key.Platform))
	}
	return nil
}

// Len 返回已缓存的句柄数量。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Keys 返回已缓存的键。
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	keys := make([]Key, 0, len(p.handles))
	for key := range p.handles {
		keys = append(keys, key)
	}
	p.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close 在进程退出时关闭实现了 io.Closer 的句柄。
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	handles := make([]driver.Driver, 0, len(p.handles))
	for _, handle := range p.handles {
		handles = append(handles, handle)
	}
	p.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		if closer, ok := handle.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Ping 报告资源池是否仍可创建句柄。
func (p *Pool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodeDriverFailure, "资源池已关闭")
	}
	if p.factory == nil {
		return xerrors.New(xerrors.CodeDriverFailure, "资源池未配置驱动工厂")
	}
	return nil
}

func closeHandle(handle driver.Driver) {
	if closer, ok := handle.(io.Closer); ok {
		_ = closer.Close()
	}
}
