package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"FinAssist/internal/auth"
	"FinAssist/pkg/logger"
)

// DefaultPath 是未设置 FINASSIST_CONFIG 时使用的配置文件路径。
const DefaultPath = "configs/finassist.yaml"

// envPrefix 是所有环境变量覆盖项的前缀。
const envPrefix = "FINASSIST_"

// Config 描述了 FinAssist 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Redis      RedisConfig      `yaml:"redis"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Market     MarketConfig     `yaml:"market"`
	Gatherer   GathererConfig   `yaml:"gatherer"`
	Prompt     PromptConfig     `yaml:"prompt"`
	LLM        LLMConfig        `yaml:"llm"`
	Events     EventsConfig     `yaml:"events"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Auth       auth.Config      `yaml:"auth"`
	Logging    logger.Config    `yaml:"logging"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout 限制单个回合的处理时间。
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，为空则只挂在 API 路由上。
	MetricsAddress string `yaml:"metrics_addr"`
}

// SessionConfig 描述会话存储与保留策略。
type SessionConfig struct {
	Driver   string        `yaml:"driver"`
	TTL      time.Duration `yaml:"ttl"`
	MaxTurns int           `yaml:"max_turns"`
	MaxAge   time.Duration `yaml:"max_age"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// RedisConfig 是 Redis 连接信息，会话存储、分布式锁与事件发布共用。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MySQLConfig 是 MySQL 连接信息，知识库与回合归档共用。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ClassifierConfig 配置意图识别使用的股票名称映射。
type ClassifierConfig struct {
	MappingFile string  `yaml:"mapping_file"`
	Watch       bool    `yaml:"watch"`
	Threshold   float64 `yaml:"threshold"`
}

// KnowledgeConfig 配置知识库来源。
type KnowledgeConfig struct {
	Driver       string  `yaml:"driver"`
	File         string  `yaml:"file"`
	Watch        bool    `yaml:"watch"`
	TopK         int     `yaml:"top_k"`
	MinRelevance float64 `yaml:"min_relevance"`
}

// MarketConfig 配置行情数据源。
type MarketConfig struct {
	Driver      string        `yaml:"driver"`
	Fixtures    string        `yaml:"fixtures"`
	SinaBaseURL string        `yaml:"sina_base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// GathererConfig 配置证据收集。
type GathererConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PromptConfig 配置提示词预算。
type PromptConfig struct {
	HistoryTurns     int `yaml:"history_turns"`
	HistoryChars     int `yaml:"history_chars"`
	MaxEvidenceRunes int `yaml:"max_evidence_runes"`
}

// LLMConfig 用于配置回答生成的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	Timeout  time.Duration      `yaml:"timeout"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Ollama   OllamaConfig       `yaml:"ollama"`
	Python   PythonBridgeConfig `yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口（含通义千问兼容模式）。
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// OllamaConfig 描述本地 Ollama 服务。
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// EventsConfig 配置生命周期事件的发布方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Channel  string         `yaml:"channel"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ArchiveConfig 配置回合归档。
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
}

// AlertingConfig 配置告警渠道，未填写的渠道不启用。
type AlertingConfig struct {
	DingTalkWebhook string        `yaml:"dingtalk_webhook"`
	SlackWebhook    string        `yaml:"slack_webhook"`
	SlackChannel    string        `yaml:"slack_channel"`
	Timeout         time.Duration `yaml:"timeout"`

	// MinSeverity 是钉钉与 Slack 接收告警的最低严重程度，审计日志始终全部记录。
	MinSeverity    string        `yaml:"min_severity"`
	SuppressWindow time.Duration `yaml:"suppress_window"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Locate 返回配置文件路径，优先使用 FINASSIST_CONFIG。
func Locate() string {
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// LoadDotEnv 加载 .env 文件中的变量，不覆盖已存在的环境变量，文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("加载环境变量文件 %s 失败: %w", path, err)
		}
	}
	return nil
}

// Load 负责解析指定路径的 YAML 配置文件，随后应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	return finish(&cfg, filepath.Dir(path))
}

// Default 返回仅由默认值与环境变量构成的配置，相对路径以 baseDir 为基准。
func Default(baseDir string) (*Config, error) {
	return finish(&Config{}, baseDir)
}

func finish(cfg *Config, baseDir string) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 使用 FINASSIST_* 环境变量覆盖文件中的配置。
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SERVER_ADDR":        &c.Server.Address,
		"METRICS_ADDR":       &c.Server.MetricsAddress,
		"SESSION_DRIVER":     &c.Session.Driver,
		"REDIS_ADDR":         &c.Redis.Address,
		"REDIS_PASSWORD":     &c.Redis.Password,
		"MYSQL_DSN":          &c.MySQL.DSN,
		"KNOWLEDGE_DRIVER":   &c.Knowledge.Driver,
		"MARKET_DRIVER":      &c.Market.Driver,
		"LLM_PROVIDER":       &c.LLM.Provider,
		"LLM_API_KEY":        &c.LLM.OpenAI.APIKey,
		"LLM_BASE_URL":       &c.LLM.OpenAI.BaseURL,
		"LLM_MODEL":          &c.LLM.OpenAI.Model,
		"OLLAMA_BASE_URL":    &c.LLM.Ollama.BaseURL,
		"EVENTS_DRIVER":      &c.Events.Driver,
		"RABBITMQ_URL":       &c.Events.RabbitMQ.URL,
		"ARCHIVE_DRIVER":     &c.Archive.Driver,
		"DINGTALK_WEBHOOK":   &c.Alerting.DingTalkWebhook,
		"SLACK_WEBHOOK":      &c.Alerting.SlackWebhook,
		"LOG_LEVEL":          &c.Logging.Level,
		"LOG_FORMAT":         &c.Logging.Format,
		"DATA_DIR":           &c.Runtime.DataDir,
		"CLASSIFIER_MAPPING": &c.Classifier.MappingFile,
	}
	for name, target := range strs {
		if value, ok := os.LookupEnv(envPrefix + name); ok {
			*target = strings.TrimSpace(value)
		}
	}

	if value, ok := os.LookupEnv(envPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("解析 %sREDIS_DB 失败: %w", envPrefix, err)
		}
		c.Redis.DB = db
	}
	if value, ok := os.LookupEnv(envPrefix + "SESSION_TTL"); ok {
		ttl, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("解析 %sSESSION_TTL 失败: %w", envPrefix, err)
		}
		c.Session.TTL = ttl
	}
	if key := strings.TrimSpace(os.Getenv(envPrefix + "API_KEY")); key != "" {
		user := strings.TrimSpace(os.Getenv(envPrefix + "API_USER"))
		if user == "" {
			user = "default"
		}
		c.Auth.Mode = auth.ModeAPIKey
		c.Auth.Keys = append(c.Auth.Keys, auth.Key{Name: "env", UserID: user, Key: key})
	}
	// 兼容通义千问的常用变量名。
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY"))
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 45 * time.Second
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = time.Hour
	}
	if c.Session.MaxTurns <= 0 {
		c.Session.MaxTurns = 5
	}
	if c.Session.MaxAge <= 0 {
		c.Session.MaxAge = 24 * time.Hour
	}
	if c.Session.LockTTL <= 0 {
		c.Session.LockTTL = 30 * time.Second
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	dataDir := c.Runtime.DataDir

	if c.Classifier.MappingFile == "" {
		c.Classifier.MappingFile = filepath.Join(dataDir, "stock_mapping.csv")
	} else {
		c.Classifier.MappingFile = resolve(baseDir, c.Classifier.MappingFile)
	}

	if c.Knowledge.Driver == "" {
		c.Knowledge.Driver = "static"
	}
	if c.Knowledge.File == "" {
		c.Knowledge.File = filepath.Join(dataDir, "knowledge.json")
	} else {
		c.Knowledge.File = resolve(baseDir, c.Knowledge.File)
	}
	if c.Knowledge.TopK <= 0 {
		c.Knowledge.TopK = 3
	}
	if c.Knowledge.MinRelevance <= 0 {
		c.Knowledge.MinRelevance = 0.1
	}

	if c.Market.Driver == "" {
		c.Market.Driver = "static"
	}
	if c.Market.Fixtures == "" {
		c.Market.Fixtures = filepath.Join(dataDir, "quotes.json")
	} else {
		c.Market.Fixtures = resolve(baseDir, c.Market.Fixtures)
	}
	if c.Market.Timeout <= 0 {
		c.Market.Timeout = 5 * time.Second
	}
	if c.Market.CacheTTL <= 0 {
		c.Market.CacheTTL = 10 * time.Second
	}

	if c.Gatherer.Timeout <= 0 {
		c.Gatherer.Timeout = 8 * time.Second
	}

	if c.Prompt.HistoryTurns <= 0 {
		c.Prompt.HistoryTurns = 3
	}
	if c.Prompt.HistoryChars <= 0 {
		c.Prompt.HistoryChars = 2000
	}
	if c.Prompt.MaxEvidenceRunes <= 0 {
		c.Prompt.MaxEvidenceRunes = 600
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "file"
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(dataDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查驱动取值与必要字段。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, "|")))
	}

	check("session.driver", c.Session.Driver, "memory", "redis")
	check("knowledge.driver", c.Knowledge.Driver, "static", "mysql")
	check("market.driver", c.Market.Driver, "static", "live")
	check("llm.provider", c.LLM.Provider, "none", "openai", "ollama", "python_bridge")
	check("events.driver", c.Events.Driver, "none", "log", "redis", "rabbitmq")
	check("archive.driver", c.Archive.Driver, "none", "file", "mysql")
	check("alerting.min_severity", c.Alerting.MinSeverity, "info", "warning", "critical")
	check("auth.mode", string(c.Auth.Mode), string(auth.ModeDisabled), string(auth.ModeAPIKey))

	if c.Server.MetricsAddress != "" && c.Server.MetricsAddress == c.Server.Address {
		errs = append(errs, errors.New("server.metrics_addr 不能与 server.address 相同"))
	}
	if (c.Knowledge.Driver == "mysql" || c.Archive.Driver == "mysql") && c.MySQL.DSN == "" {
		errs = append(errs, errors.New("使用 MySQL 时必须配置 mysql.dsn"))
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("使用 RabbitMQ 时必须配置 events.rabbitmq.url"))
	}
	if c.LLM.Provider == "openai" && c.LLM.OpenAI.APIKey == "" {
		errs = append(errs, fmt.Errorf("使用 openai 时必须配置 llm.openai.api_key 或 %sLLM_API_KEY", envPrefix))
	}
	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		errs = append(errs, errors.New("使用 python_bridge 时必须配置 llm.python_bridge.script_path"))
	}
	if c.Auth.Mode == auth.ModeAPIKey && len(c.Auth.Keys) == 0 {
		errs = append(errs, fmt.Errorf("使用 api_key 认证时必须配置 auth.keys 或 %sAPI_KEY", envPrefix))
	}
	if c.Knowledge.MinRelevance > 1 {
		errs = append(errs, errors.New("knowledge.min_relevance 必须位于 [0,1]"))
	}
	return errors.Join(errs...)
}

// UsesRedis 表示是否有组件需要 Redis 连接。
func (c *Config) UsesRedis() bool {
	return c.Session.Driver == "redis" || c.Events.Driver == "redis"
}

// UsesMySQL 表示是否有组件需要 MySQL 连接。
func (c *Config) UsesMySQL() bool {
	return c.Knowledge.Driver == "mysql" || c.Archive.Driver == "mysql"
}
