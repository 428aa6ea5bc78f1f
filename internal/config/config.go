package config

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SLEEPY_CONFIG"

// Config 描述了 SleepyTesting 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Decomposer DecomposerConfig `json:"decomposer" yaml:"decomposer"`
	Hub        HubConfig        `json:"hub" yaml:"hub"`
	Drivers    DriversConfig    `json:"drivers" yaml:"drivers"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	TaskQueue  TaskQueueConfig  `json:"task_queue" yaml:"task_queue"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Evidence   EvidenceConfig   `json:"evidence" yaml:"evidence"`
	Knowledge  KnowledgeConfig  `json:"knowledge" yaml:"knowledge"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
	Tools      ToolsConfig      `json:"tools" yaml:"tools"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。MetricsAddress 非空时额外启动独立的指标端口。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// LLMConfig 用于配置步骤生成的远程调用方式。
type LLMConfig struct {
	Provider              string             `json:"provider" yaml:"provider"`
	OpenAI                OpenAIConfig       `json:"openai" yaml:"openai"`
	Python                PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
	MaxConcurrentRequests int64              `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	CallTimeoutSeconds    int                `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	Retry                 RetryConfig        `json:"retry" yaml:"retry"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// RetryConfig 控制步骤生成的指数退避。
type RetryConfig struct {
	MaxAttempts   int `json:"max_attempts" yaml:"max_attempts"`
	MinWaitMillis int `json:"min_wait_ms" yaml:"min_wait_ms"`
	MaxWaitMillis int `json:"max_wait_ms" yaml:"max_wait_ms"`
}

// DecomposerConfig 控制步骤校验规则。
type DecomposerConfig struct {
	AuthRequiredActions []string `json:"auth_required_actions" yaml:"auth_required_actions"`
	DefaultPlatform     string   `json:"default_platform" yaml:"default_platform"`
}

// HubConfig 控制代理生命周期。
type HubConfig struct {
	ErrorThreshold             int `json:"error_threshold" yaml:"error_threshold"`
	MaxRetries                 int `json:"max_retries" yaml:"max_retries"`
	HeartbeatIntervalSeconds   int `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	HealthCheckIntervalSeconds int `json:"health_check_interval_seconds" yaml:"health_check_interval_seconds"`
}

// DriversConfig 描述平台与自动化框架的对应关系以及设备白名单。
type DriversConfig struct {
	DefaultPlatform string              `json:"default_platform" yaml:"default_platform"`
	Frameworks      map[string]string   `json:"frameworks" yaml:"frameworks"`
	AllowedDevices  map[string][]string `json:"allowed_devices" yaml:"allowed_devices"`
	Web             WebDriverConfig     `json:"web" yaml:"web"`
}

// WebDriverConfig 对应浏览器驱动的参数。
type WebDriverConfig struct {
	Headless             bool   `json:"headless" yaml:"headless"`
	BrowserBin           string `json:"browser_bin" yaml:"browser_bin"`
	UserDataDir          string `json:"user_data_dir" yaml:"user_data_dir"`
	StartURL             string `json:"start_url" yaml:"start_url"`
	ViewportWidth        int    `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight       int    `json:"viewport_height" yaml:"viewport_height"`
	ActionTimeoutSeconds int    `json:"action_timeout_seconds" yaml:"action_timeout_seconds"`
}

// MemoryConfig 选择模式库的持久化后端。
type MemoryConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Path   string      `json:"path" yaml:"path"`
	DSN    string      `json:"dsn" yaml:"dsn"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// TaskQueueConfig 选择任务队列实现。
type TaskQueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 是 Redis 任务队列参数。
type RedisQueue struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 任务队列参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// StorageConfig 描述任务状态的存储。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql。
type TaskStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// EvidenceConfig 指定截图证据目录。
type EvidenceConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// KnowledgeConfig 指定知识库文件。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// AlertingConfig 配置告警渠道，日志渠道始终开启。
type AlertingConfig struct {
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

// WebhookConfig 描述 webhook 告警。
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// ToolsConfig 配置内置工具。
type ToolsConfig struct {
	Weather WeatherToolConfig `json:"weather" yaml:"weather"`
}

// WeatherToolConfig 描述天气工具，未配置 api_key 时不注册。
type WeatherToolConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析配置文件。path 为空时读取 SLEEPY_CONFIG；两者都为空时只使用默认值。
// 配置目录与当前目录下的 .env 会被加载，已有的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		if path != "" {
			baseDir = filepath.Dir(path)
		}
	}

	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}
	return nil
}

func loadDotEnv(dirs ...string) error {
	seen := make(map[string]struct{})
	for _, dir := range append(dirs, ".") {
		file := filepath.Join(dir, ".env")
		abs, err := filepath.Abs(file)
		if err == nil {
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
		}
		if err := godotenv.Load(file); err != nil {
			if stdErrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("加载 %s 失败: %w", file, err)
		}
	}
	return nil
}

// applyEnv 让环境变量覆盖文件中的敏感或常变字段。
func (c *Config) applyEnv() {
	setString(&c.Server.Address, "SLEEPY_SERVER_ADDRESS")
	setString(&c.Logging.Level, "SLEEPY_LOG_LEVEL")
	setString(&c.LLM.Provider, "SLEEPY_LLM_PROVIDER")
	setString(&c.LLM.OpenAI.APIKey, "API_KEY")
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.LLM.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.TaskQueue.Driver, "SLEEPY_TASK_QUEUE_DRIVER")
	setString(&c.Memory.Driver, "SLEEPY_MEMORY_DRIVER")
	setString(&c.Storage.TaskStore.DSN, "SLEEPY_TASK_STORE_DSN")
	setString(&c.Tools.Weather.APIKey, "OPENWEATHER_API_KEY")
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join(c.Runtime.DataDir, "audit.log"))
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, baseDir)
	if c.LLM.MaxConcurrentRequests <= 0 {
		c.LLM.MaxConcurrentRequests = 5
	}
	if c.LLM.CallTimeoutSeconds <= 0 {
		c.LLM.CallTimeoutSeconds = 60
	}
	if c.LLM.Retry.MaxAttempts <= 0 {
		c.LLM.Retry.MaxAttempts = 5
	}
	if c.LLM.Retry.MinWaitMillis <= 0 {
		c.LLM.Retry.MinWaitMillis = 1000
	}
	if c.LLM.Retry.MaxWaitMillis <= 0 {
		c.LLM.Retry.MaxWaitMillis = 10000
	}

	if c.Drivers.DefaultPlatform == "" {
		c.Drivers.DefaultPlatform = "web"
	}
	if c.Decomposer.DefaultPlatform == "" {
		c.Decomposer.DefaultPlatform = c.Drivers.DefaultPlatform
	}
	if c.Drivers.Frameworks == nil {
		c.Drivers.Frameworks = map[string]string{"web": "rod"}
	}
	c.Drivers.Web.UserDataDir = resolve(baseDir, c.Drivers.Web.UserDataDir, filepath.Join(c.Runtime.DataDir, "browser"))

	if c.Hub.ErrorThreshold <= 0 {
		c.Hub.ErrorThreshold = 3
	}
	if c.Hub.MaxRetries <= 0 {
		c.Hub.MaxRetries = 3
	}
	if c.Hub.HeartbeatIntervalSeconds <= 0 {
		c.Hub.HeartbeatIntervalSeconds = 30
	}
	if c.Hub.HealthCheckIntervalSeconds <= 0 {
		c.Hub.HealthCheckIntervalSeconds = c.Hub.HeartbeatIntervalSeconds
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "file"
	}
	switch c.Memory.Driver {
	case "file":
		c.Memory.Path = resolve(baseDir, c.Memory.Path, filepath.Join(c.Runtime.DataDir, "memory.json"))
	case "sqlite":
		c.Memory.Path = resolve(baseDir, c.Memory.Path, filepath.Join(c.Runtime.DataDir, "memory.db"))
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.BufferSize <= 0 {
		c.TaskQueue.BufferSize = 64
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	c.Evidence.Dir = resolve(baseDir, c.Evidence.Dir, filepath.Join(c.Runtime.DataDir, "evidence"))
	if c.Knowledge.Path != "" {
		c.Knowledge.Path = resolve(baseDir, c.Knowledge.Path, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查枚举字段与必填项。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持 %q，可选值 %s", field, value, strings.Join(allowed, "/")))
	}
	check("llm.provider", c.LLM.Provider, "openai", "python_bridge")
	check("drivers.default_platform", c.Drivers.DefaultPlatform, "web", "android", "ios")
	check("decomposer.default_platform", c.Decomposer.DefaultPlatform, "web", "android", "ios")
	check("memory.driver", c.Memory.Driver, "memory", "file", "sqlite", "redis", "mysql")
	check("task_queue.driver", c.TaskQueue.Driver, "memory", "redis", "rabbitmq")
	check("storage.task_store.driver", c.Storage.TaskStore.Driver, "memory", "mysql")
	for platform := range c.Drivers.Frameworks {
		check("drivers.frameworks", platform, "web", "android", "ios")
	}
	for platform := range c.Drivers.AllowedDevices {
		check("drivers.allowed_devices", platform, "web", "android", "ios")
	}

	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		errs = append(errs, fmt.Errorf("llm.python_bridge.script_path 不能为空"))
	}
	if c.Memory.Driver == "mysql" && c.Memory.DSN == "" {
		errs = append(errs, fmt.Errorf("memory.dsn 不能为空"))
	}
	if c.Memory.Driver == "redis" && c.Memory.Redis.Address == "" {
		errs = append(errs, fmt.Errorf("memory.redis.address 不能为空"))
	}
	if c.TaskQueue.Driver == "redis" && c.TaskQueue.Redis.Address == "" {
		errs = append(errs, fmt.Errorf("task_queue.redis.address 不能为空"))
	}
	if c.TaskQueue.Driver == "rabbitmq" && c.TaskQueue.RabbitMQ.URL == "" {
		errs = append(errs, fmt.Errorf("task_queue.rabbitmq.url 不能为空"))
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.task_store.dsn 不能为空"))
	}
	if c.LLM.Retry.MinWaitMillis > c.LLM.Retry.MaxWaitMillis {
		errs = append(errs, fmt.Errorf("llm.retry.min_wait_ms 不能大于 max_wait_ms"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("配置无效: %w", stdErrors.Join(errs...))
	}
	return nil
}
