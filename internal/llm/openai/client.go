package openai

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	HTTPClient  *http.Client
}

// Client 通过 openai-go SDK 生成测试步骤。
// SDK 自带的重试被关闭，重试由步骤生成器统一负责。
type Client struct {
	client      *openai.Client
	model       string
	temperature float64
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/") + "/"

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := openai.NewClient(opts...)
	return &Client{
		client:      &client,
		model:       model,
		temperature: temperature,
	}, nil
}

// GenerateSteps 请求模型把任务拆分为步骤，返回未经校验的原始内容。
func (c *Client) GenerateSteps(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(llm.SystemPrompt),
			openai.UserMessage(llm.BuildUserPrompt(req)),
		},
		Temperature: openai.Opt[float64](c.temperature),
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeFatalRemote, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeFatalRemote, "OpenAI 响应内容为空")
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{Content: content, Model: model}, nil
}

// classify 将 SDK 错误映射为统一错误码。
func classify(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if stdErrors.As(err, &apiErr) {
		msg := fmt.Sprintf("OpenAI 返回错误状态 %d", apiErr.StatusCode)
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return xerrors.Wrap(xerrors.CodeRateLimited, err, msg)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return xerrors.Wrap(xerrors.CodeTimeout, err, msg)
		case http.StatusServiceUnavailable:
			return xerrors.Wrap(xerrors.CodeServiceUnavailable, err, msg)
		case http.StatusInternalServerError, http.StatusBadGateway:
			return xerrors.Wrap(xerrors.CodeTransientRemote, err, msg)
		default:
			return xerrors.Wrap(xerrors.CodeFatalRemote, err, msg)
		}
	}
	if stdErrors.Is(err, context.Canceled) && ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeFatalRemote, err, "OpenAI 请求已取消")
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
	}
	return xerrors.Wrap(xerrors.CodeTransientRemote, err, "请求 OpenAI 失败")
}

var _ llm.Client = (*Client)(nil)
