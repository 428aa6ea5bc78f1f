// Package presentation 负责把运行状态展示给使用者。
package presentation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"SleepyTesting/pkg/logger"
)

// Presenter 是面向使用者的输出与交互接口。
type Presenter interface {
	Inform(msg string)
	Warn(msg string)
	Error(msg string)
	Prompt(ctx context.Context, msg string) (string, error)
}

var (
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// Console 在终端输出带颜色的消息，并从输入流读取回答。
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	reader *bufio.Reader
}

// NewConsole 创建终端展示器。
func NewConsole(out io.Writer, in io.Reader) *Console {
	return &Console{out: out, reader: bufio.NewReader(in)}
}

func (c *Console) write(style lipgloss.Style, level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", style.Render(level), msg)
}

// Inform 输出普通消息。
func (c *Console) Inform(msg string) { c.write(infoStyle, "INFO", msg) }

// Warn 输出警告。
func (c *Console) Warn(msg string) { c.write(warnStyle, "WARNING", msg) }

// Error 输出错误。
func (c *Console) Error(msg string) { c.write(errorStyle, "ERROR", msg) }

// Prompt 显示提示并读取一行输入。
func (c *Console) Prompt(ctx context.Context, msg string) (string, error) {
	c.mu.Lock()
	fmt.Fprintf(c.out, "%s\n> ", promptStyle.Render(msg))
	c.mu.Unlock()

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.reader.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- answer{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.line, a.err
	}
}

// Log 把消息写入结构化日志，用于无终端的守护进程模式。
type Log struct {
	logger *slog.Logger
}

// NewLog 创建日志展示器。
func NewLog() *Log {
	return &Log{logger: logger.Named("presenter")}
}

// Inform 记录 info 日志。
func (l *Log) Inform(msg string) { l.logger.Info(msg) }

// Warn 记录 warn 日志。
func (l *Log) Warn(msg string) { l.logger.Warn(msg) }

// Error 记录 error 日志。
func (l *Log) Error(msg string) { l.logger.Error(msg) }

// Prompt 在守护进程模式下无法交互。
func (l *Log) Prompt(context.Context, string) (string, error) {
	return "", fmt.Errorf("守护进程模式不支持交互输入")
}

var (
	_ Presenter = (*Console)(nil)
	_ Presenter = (*Log)(nil)
)
