package llm

import (
	"fmt"
	"strings"
)

// SystemPrompt 约束模型输出为结构化步骤列表。
const SystemPrompt = "" +
	"You are the step planner of a cross-device UI automation system. " +
	"Split the user's task into atomic UI steps and respond with JSON only: " +
	"{\"steps\": [{\"action\": string, \"target\": string, \"coordinates\": {\"x\": number, \"y\": number}, " +
	"\"platform\": \"android\"|\"ios\"|\"web\", \"device_id\": string, \"parameters\": object, " +
	"\"description\": string, \"tool_name\": string, \"tool_params\": object}]}. " +
	"Use tool_name instead of action when an external tool should be called. " +
	"Any action that needs an authenticated session must come after a \"login\" step on the same device."

// BuildUserPrompt 组装用户提示词。
func BuildUserPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("## 任务\n")
	builder.WriteString(strings.TrimSpace(req.Task))
	builder.WriteString("\n")

	if len(req.Devices) > 0 {
		builder.WriteString("\n## 设备\n")
		for _, device := range req.Devices {
			if device.ID == "" {
				builder.WriteString(fmt.Sprintf("- %s\n", device.Platform))
				continue
			}
			builder.WriteString(fmt.Sprintf("- %s: %s\n", device.Platform, device.ID))
		}
	}

	if len(req.Tools) > 0 {
		builder.WriteString("\n## 可用工具\n")
		builder.WriteString(strings.Join(req.Tools, ", "))
		builder.WriteString("\n")
	}

	if len(req.Knowledge) > 0 {
		builder.WriteString("\n## 知识库\n")
		for idx, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), truncate(card.Content)))
			if idx >= 4 {
				break
			}
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 200 {
		return string([]rune(text)[:200]) + "..."
	}
	return text
}
