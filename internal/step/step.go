package step

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform 表示自动化目标平台。
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// ParsePlatform 将字符串规范化为平台枚举。
func ParsePlatform(raw string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "android":
		return PlatformAndroid, true
	case "ios":
		return PlatformIOS, true
	case "web":
		return PlatformWeb, true
	default:
		return "", false
	}
}

// Point 是屏幕坐标。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ToolResultKey 是工具执行结果写回步骤参数时使用的键。
const ToolResultKey = "tool_result"

// UIStep 描述一个原子操作，要么是工具调用，要么是界面动作。
type UIStep struct {
	Action      string         `json:"action,omitempty"`
	Target      string         `json:"target,omitempty"`
	Coordinates *Point         `json:"coordinates,omitempty"`
	Platform    Platform       `json:"platform,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolParams  map[string]any `json:"tool_params,omitempty"`
}

// IsToolCall 判断步骤是否为工具调用。
func (s UIStep) IsToolCall() bool {
	return strings.TrimSpace(s.ToolName) != ""
}

// Clone 返回步骤的深拷贝（参数表为浅层复制）。
func (s UIStep) Clone() UIStep {
	clone := s
	if s.Coordinates != nil {
		point := *s.Coordinates
		clone.Coordinates = &point
	}
	clone.Parameters = cloneMap(s.Parameters)
	clone.ToolParams = cloneMap(s.ToolParams)
	return clone
}

// Fingerprint 由 (platform, device_id, action, target-or-coordinates) 计算确定性键。
// 每个分量单独加引号，第四个分量带类型前缀，保证不同语义的步骤不会得到相同的键。
func Fingerprint(s UIStep) string {
	var locator string
	switch {
	case s.IsToolCall():
		locator = "tool:" + s.ToolName
	case s.Coordinates != nil:
		locator = "c:" + formatFloat(s.Coordinates.X) + "," + formatFloat(s.Coordinates.Y)
	default:
		locator = "t:" + s.Target
	}
	parts := []string{
		strconv.Quote(string(s.Platform)),
		strconv.Quote(s.DeviceID),
		strconv.Quote(s.Action),
		strconv.Quote(locator),
	}
	return strings.Join(parts, "|")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// String 返回便于日志输出的简短描述。
func (s UIStep) String() string {
	if s.IsToolCall() {
		return fmt.Sprintf("tool %s", s.ToolName)
	}
	target := s.Target
	if s.Coordinates != nil {
		target = fmt.Sprintf("(%s,%s)", formatFloat(s.Coordinates.X), formatFloat(s.Coordinates.Y))
	}
	if s.DeviceID != "" {
		return fmt.Sprintf("%s %s on %s/%s", s.Action, target, s.Platform, s.DeviceID)
	}
	return fmt.Sprintf("%s %s on %s", s.Action, target, s.Platform)
}

// Device 是任务描述中识别出的 (platform, device_id) 组合。
type Device struct {
	Platform Platform `json:"platform"`
	ID       string   `json:"device_id,omitempty"`
}

// Plan 是步骤生成器的输出。
type Plan struct {
	Steps        []UIStep `json:"steps"`
	Devices      []Device `json:"devices"`
	OriginalTask string   `json:"original_task"`
}

// Verdict 是监督者对单个步骤给出的判定。
type Verdict struct {
	Passed      bool   `json:"passed"`
	Message     string `json:"message,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// ExecutionResult 对应一次已执行步骤的结果，顺序与输入步骤一致。
type ExecutionResult struct {
	Step        UIStep `json:"step"`
	Passed      bool   `json:"passed"`
	Message     string `json:"message,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
