package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// EngineConfig 分析引擎配置
type EngineConfig struct {
	MaxLayers      int   `mapstructure:"max_layers"`       // 解混淆层数上限
	TimeoutMS      int64 `mapstructure:"timeout_ms"`       // 解混淆时间预算
	ScanBudgetMS   int64 `mapstructure:"scan_budget_ms"`   // 单次扫描时间预算
	MaxContentSize int64 `mapstructure:"max_content_size"` // 请求内容硬上限
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	Mode             string `mapstructure:"mode"` // enforce, observe
	TimeLimitMS      int64  `mapstructure:"time_limit_ms"`
	MemoryLimitBytes int64  `mapstructure:"memory_limit_bytes"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// RulesConfig 自定义规则热加载配置
type RulesConfig struct {
	WatchDir string `mapstructure:"watch_dir"` // 为空则不启用热加载
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	// RabbitMQ
	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.mode", "SERVER_MODE")

	// Sandbox
	viper.BindEnv("sandbox.mode", "SANDBOX_MODE")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.MaxLayers <= 0 {
		cfg.Engine.MaxLayers = 10
	}
	if cfg.Engine.TimeoutMS <= 0 {
		cfg.Engine.TimeoutMS = 30000
	}
	if cfg.Engine.ScanBudgetMS <= 0 {
		cfg.Engine.ScanBudgetMS = 10000
	}
	if cfg.Engine.MaxContentSize <= 0 {
		cfg.Engine.MaxContentSize = 64 * 1024 * 1024
	}
	if cfg.Sandbox.Mode == "" {
		cfg.Sandbox.Mode = "enforce"
	}
	if cfg.Sandbox.TimeLimitMS <= 0 {
		cfg.Sandbox.TimeLimitMS = 30000
	}
	if cfg.Sandbox.MemoryLimitBytes <= 0 {
		cfg.Sandbox.MemoryLimitBytes = 256 * 1024 * 1024
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
