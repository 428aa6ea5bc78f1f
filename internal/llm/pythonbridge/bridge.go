package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/llm"
)

// exitCodeTransient 约定脚本以该退出码表示可重试的瞬时故障。
const exitCodeTransient = 75

// Client 通过调用 Python 脚本实现步骤生成。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type devicePayload struct {
	Platform string `json:"platform"`
	DeviceID string `json:"device_id,omitempty"`
}

// GenerateSteps 通过 stdin 传入请求，脚本在 stdout 输出步骤 JSON。
func (c *Client) GenerateSteps(ctx context.Context, req llm.Request) (*llm.Response, error) {
	devices := make([]devicePayload, 0, len(req.Devices))
	for _, device := range req.Devices {
		devices = append(devices, devicePayload{Platform: string(device.Platform), DeviceID: device.ID})
	}
	payload := map[string]any{
		"task":          req.Task,
		"devices":       devices,
		"tools":         req.Tools,
		"system_prompt": llm.SystemPrompt,
		"prompt":        llm.BuildUserPrompt(req),
		"timestamp":     time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalRemote, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		msg := fmt.Sprintf("执行 Python 脚本失败: stderr=%s", strings.TrimSpace(stderr.String()))
		if ctx.Err() != nil {
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, err, msg)
			}
			return nil, xerrors.Wrap(xerrors.CodeFatalRemote, err, msg)
		}
		var exitErr *exec.ExitError
		if stdErrors.As(err, &exitErr) && exitErr.ExitCode() == exitCodeTransient {
			return nil, xerrors.Wrap(xerrors.CodeTransientRemote, err, msg)
		}
		return nil, xerrors.Wrap(xerrors.CodeFatalRemote, err, msg)
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, xerrors.New(xerrors.CodeFatalRemote, "Python 脚本未输出内容")
	}
	return &llm.Response{Content: content, Model: "python-bridge"}, nil
}

// Ping 确认解释器与脚本均可找到，不启动子进程。
func (c *Client) Ping(_ context.Context) error {
	if _, err := exec.LookPath(c.pythonExec); err != nil {
		return xerrors.Wrap(xerrors.CodeServiceUnavailable, err, "找不到 Python 解释器")
	}
	script := c.scriptPath
	if !filepath.IsAbs(script) && c.workingDir != "" {
		script = filepath.Join(c.workingDir, script)
	}
	if _, err := os.Stat(script); err != nil {
		return xerrors.Wrap(xerrors.CodeServiceUnavailable, err, "Python 脚本不可用")
	}
	return nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
