package llm

import (
	"context"

	"SleepyTesting/internal/step"
)

// Request 描述一次步骤生成请求的上下文。
type Request struct {
	Task      string
	Devices   []step.Device
	Knowledge []KnowledgeCard
	Tools     []string
}

// Response 是大模型返回的原始内容，由步骤生成器负责解析与校验。
type Response struct {
	Content string
	Model   string
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了生成步骤的大模型能力。
// 失败时必须返回带错误码的错误：RATE_LIMITED、TIMEOUT、SERVICE_UNAVAILABLE、
// TRANSIENT_REMOTE 表示可重试，其他错误码视为不可重试。
type Client interface {
	GenerateSteps(ctx context.Context, req Request) (*Response, error)
}
