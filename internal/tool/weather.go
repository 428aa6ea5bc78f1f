package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "SleepyTesting/internal/errors"
)

// WeatherToolName 是天气工具的注册名。
const WeatherToolName = "weather"

const defaultWeatherEndpoint = "https://api.openweathermap.org/data/2.5/weather"

// WeatherConfig 描述 OpenWeatherMap 兼容接口。
type WeatherConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

// Weather 按城市查询当前天气。
type Weather struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewWeather 创建天气工具。
func NewWeather(cfg WeatherConfig) (*Weather, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "天气工具缺少 API Key")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultWeatherEndpoint
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Weather{apiKey: cfg.APIKey, endpoint: endpoint, client: client}, nil
}

// ValidateParams 要求 city 为非空字符串。
func (w *Weather) ValidateParams(params map[string]any) error {
	city, ok := params["city"].(string)
	if !ok || strings.TrimSpace(city) == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "city 必须是非空字符串")
	}
	return nil
}

type weatherPayload struct {
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Execute 返回 temperature、description、humidity 三个字段。
func (w *Weather) Execute(ctx context.Context, params map[string]any) (any, error) {
	query := url.Values{}
	query.Set("q", strings.TrimSpace(params["city"].(string)))
	query.Set("appid", w.apiKey)
	query.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求天气接口失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("天气接口返回状态码 %d", resp.StatusCode)
	}

	var payload weatherPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("解析天气响应失败: %w", err)
	}
	description := ""
	if len(payload.Weather) > 0 {
		description = payload.Weather[0].Description
	}
	return map[string]any{
		"temperature": payload.Main.Temp,
		"description": description,
		"humidity":    payload.Main.Humidity,
	}, nil
}

var _ Tool = (*Weather)(nil)
