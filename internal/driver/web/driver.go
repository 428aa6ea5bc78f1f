package web

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"SleepyTesting/internal/driver"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/pkg/logger"
)

// Framework 是该驱动在注册表中的框架名。
const Framework = "rod"

// Config 描述浏览器驱动的启动参数。
type Config struct {
	Headless       bool
	BrowserBin     string
	UserDataDir    string
	StartURL       string
	ViewportWidth  int
	ViewportHeight int
	ActionTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserDataDir == "" {
		c.UserDataDir = filepath.Join("data", "browser")
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
}

// Driver 通过 Chrome DevTools 协议操作浏览器页面。
// 设备 ID 对应独立的浏览器用户目录。
type Driver struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	device  string
}

// New 创建未连接的浏览器驱动。
func New(cfg Config) *Driver {
	cfg.applyDefaults()
	return &Driver{cfg: cfg}
}

// Constructor 返回可登记到驱动注册表的构造函数。
func Constructor(cfg Config) driver.Constructor {
	return func(context.Context) (driver.Driver, error) {
		return New(cfg), nil
	}
}

// Connect 启动浏览器并打开 stealth 页面。
func (d *Driver) Connect(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(ctx, deviceID)
}

func (d *Driver) connectLocked(ctx context.Context, deviceID string) error {
	if d.page != nil {
		if deviceID == "" || deviceID == d.device {
			return nil
		}
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("浏览器已连接到 %s，不能切换到 %s", d.device, deviceID))
	}

	profile := deviceID
	if profile == "" {
		profile = "default"
	}
	launch := launcher.New().
		Leakless(true).
		Headless(d.cfg.Headless).
		UserDataDir(filepath.Join(d.cfg.UserDataDir, profile))
	if d.cfg.BrowserBin != "" {
		launch = launch.Bin(d.cfg.BrowserBin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, "启动浏览器失败")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, "连接浏览器失败")
	}
	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, "创建 stealth 页面失败")
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  d.cfg.ViewportWidth,
		Height: d.cfg.ViewportHeight,
	}); err != nil {
		logger.Named("driver.web").Warn("设置视口失败", slog.Any("error", err))
	}
	if d.cfg.StartURL != "" {
		if err := page.Navigate(d.cfg.StartURL); err != nil {
			_ = browser.Close()
			return xerrors.Wrap(xerrors.CodeDriverFailure, err, "打开起始页面失败")
		}
	}

	d.browser = browser
	d.page = page
	d.device = deviceID
	return nil
}

func (d *Driver) activePage(ctx context.Context) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.page == nil {
		if err := d.connectLocked(ctx, ""); err != nil {
			return nil, err
		}
	}
	return d.page.Context(ctx).Timeout(d.cfg.ActionTimeout), nil
}

// Click 按坐标或 CSS 选择器点击。
func (d *Driver) Click(ctx context.Context, target driver.Target) error {
	page, err := d.activePage(ctx)
	if err != nil {
		return err
	}
	if target.Coordinates != nil {
		point := proto.Point{X: target.Coordinates.X, Y: target.Coordinates.Y}
		if err := page.Mouse.MoveTo(point); err != nil {
			return xerrors.Wrap(xerrors.CodeDriverFailure, err, "移动鼠标失败")
		}
		if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return xerrors.Wrap(xerrors.CodeDriverFailure, err, "坐标点击失败")
		}
		return nil
	}
	if strings.TrimSpace(target.ElementRef) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "点击需要元素引用或坐标")
	}
	el, err := page.Element(target.ElementRef)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("元素 %s 不存在", target.ElementRef))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("点击 %s 失败", target.ElementRef))
	}
	return nil
}

// GetElement 读取元素的文本与可见性。
func (d *Driver) GetElement(ctx context.Context, ref string) (driver.Element, error) {
	page, err := d.activePage(ctx)
	if err != nil {
		return driver.Element{}, err
	}
	el, err := page.Element(ref)
	if err != nil {
		return driver.Element{}, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("元素 %s 不存在", ref))
	}
	text, err := el.Text()
	if err != nil {
		return driver.Element{}, xerrors.Wrap(xerrors.CodeDriverFailure, err, "读取元素文本失败")
	}
	visible, err := el.Visible()
	if err != nil {
		return driver.Element{}, xerrors.Wrap(xerrors.CodeDriverFailure, err, "读取元素可见性失败")
	}
	return driver.Element{Ref: ref, Text: text, Visible: visible}, nil
}

// TypeText 向元素输入文本；未指定元素时插入到当前焦点。
func (d *Driver) TypeText(ctx context.Context, text, ref string) error {
	page, err := d.activePage(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(ref) == "" {
		if err := page.InsertText(text); err != nil {
			return xerrors.Wrap(xerrors.CodeDriverFailure, err, "输入文本失败")
		}
		return nil
	}
	el, err := page.Element(ref)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("元素 %s 不存在", ref))
	}
	if err := el.SelectAllText(); err != nil {
		logger.Named("driver.web").Debug("选中已有文本失败", slog.String("ref", ref), slog.Any("error", err))
	}
	if err := el.Input(text); err != nil {
		return xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("向 %s 输入失败", ref))
	}
	return nil
}

// IsElementPresent 判断选择器是否命中元素。
func (d *Driver) IsElementPresent(ctx context.Context, ref string) (bool, error) {
	page, err := d.activePage(ctx)
	if err != nil {
		return false, err
	}
	has, _, err := page.Has(ref)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeDriverFailure, err, "查询元素失败")
	}
	return has, nil
}

// Close 关闭浏览器。
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.page = nil
	return err
}

var _ driver.Driver = (*Driver)(nil)
