package decomposer

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
)

// loginAction 是解锁需要认证的动作的步骤名称。
const loginAction = "login"

// DefaultAuthRequiredActions 是默认需要先登录的动作集合。
var DefaultAuthRequiredActions = []string{"check_notifications", "send_message", "view_profile"}

// ParseSteps 解析模型输出，支持裸数组、{"steps": [...]} 以及 markdown 代码块包裹。
func ParseSteps(content string) ([]step.UIStep, error) {
	body := stripCodeFence(strings.TrimSpace(content))
	if body == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "模型输出为空")
	}

	var steps []step.UIStep
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &steps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "模型输出不是合法的步骤数组")
		}
		return steps, nil
	}

	var wrapped struct {
		Steps *[]step.UIStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "模型输出不是合法的 JSON")
	}
	if wrapped.Steps == nil {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "模型输出缺少 steps 字段")
	}
	return *wrapped.Steps, nil
}

func stripCodeFence(body string) string {
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// validator 按固定顺序校验整批步骤。
type validator struct {
	detection    Detection
	authRequired map[string]struct{}
}

func newValidator(detection Detection, authRequired []string) validator {
	set := make(map[string]struct{}, len(authRequired))
	for _, action := range authRequired {
		action = strings.ToLower(strings.TrimSpace(action))
		if action != "" {
			set[action] = struct{}{}
		}
	}
	return validator{detection: detection, authRequired: set}
}

// validate 校验并就地规范化步骤，缺省平台在只识别出一个平台时自动补全。
func (v validator) validate(steps []step.UIStep) error {
	if len(steps) == 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "模型没有生成任何步骤")
	}

	loggedIn := false
	for idx := range steps {
		s := &steps[idx]
		if err := v.checkShape(idx, s); err != nil {
			return err
		}
		if err := v.checkPlatform(idx, s); err != nil {
			return err
		}
		if s.DeviceID != "" && !v.detection.HasDevice(s.Platform, s.DeviceID) {
			return invalidStep(idx, fmt.Sprintf("设备 %s 不在任务提及的 %s 设备中", s.DeviceID, s.Platform))
		}

		action := strings.ToLower(strings.TrimSpace(s.Action))
		if action == loginAction {
			loggedIn = true
			continue
		}
		if _, ok := v.authRequired[action]; ok && !loggedIn {
			return invalidStep(idx, fmt.Sprintf("动作 %s 需要先执行 login", s.Action))
		}
	}
	return nil
}

func (v validator) checkShape(idx int, s *step.UIStep) error {
	if s.IsToolCall() {
		return nil
	}
	if strings.TrimSpace(s.Action) == "" {
		return invalidStep(idx, "缺少 action 或 tool_name")
	}
	if strings.TrimSpace(s.Target) == "" && s.Coordinates == nil {
		return invalidStep(idx, "缺少 target 或 coordinates")
	}
	return nil
}

func (v validator) checkPlatform(idx int, s *step.UIStep) error {
	if s.Platform == "" {
		if s.IsToolCall() {
			return nil
		}
		if len(v.detection.Platforms) != 1 {
			return invalidStep(idx, "缺少 platform")
		}
		s.Platform = v.detection.Platforms[0]
		return nil
	}
	platform, ok := step.ParsePlatform(string(s.Platform))
	if !ok {
		return invalidStep(idx, fmt.Sprintf("未知平台 %s", s.Platform))
	}
	s.Platform = platform
	if !v.detection.HasPlatform(platform) {
		return invalidStep(idx, fmt.Sprintf("平台 %s 未在任务中出现", platform))
	}
	return nil
}

func invalidStep(idx int, reason string) error {
	return xerrors.New(xerrors.CodeValidationFailed,
		fmt.Sprintf("第 %d 个步骤校验失败: %s", idx, reason),
		xerrors.WithMetadata("step_index", fmt.Sprint(idx)))
}
