// Package evidence 为每个步骤生成执行前后的证据引用。
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"
)

// Capturer 生成一条证据并返回其引用。
type Capturer interface {
	Capture(ctx context.Context, label string) (string, error)
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// PathCapturer 生成带时间戳的截图路径，不做真实截图。
type PathCapturer struct {
	dir string
	seq atomic.Uint64
	now func() time.Time
}

// NewPathCapturer 创建证据目录并返回捕获器。
func NewPathCapturer(dir string) (*PathCapturer, error) {
	if dir == "" {
		dir = "screenshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建证据目录失败: %w", err)
	}
	return &PathCapturer{dir: dir, now: time.Now}, nil
}

// Capture 返回 {dir}/{label}_{时间戳}_{序号}.png，同一秒内的多次捕获也不会重名。
func (c *PathCapturer) Capture(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := unsafeLabel.ReplaceAllString(label, "_")
	if name == "" {
		name = "screenshot"
	}
	seq := c.seq.Add(1)
	filename := fmt.Sprintf("%s_%s_%04d.png", name, c.now().Format("20060102_150405"), seq)
	return filepath.Join(c.dir, filename), nil
}

var _ Capturer = (*PathCapturer)(nil)
