// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Messaging     MessagingConfig     `mapstructure:"messaging"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Ops           OpsConfig           `mapstructure:"ops"`
	Bot           BotConfig           `mapstructure:"bot"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
	// Enabled 为 false 时检索走数据库余弦相似度兜底路径。
	Enabled bool `mapstructure:"enabled"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// LLMConfig 存储大语言模型 API 相关的配置。
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Dimensions     int           `mapstructure:"dimensions"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// MessagingConfig 存储消息平台（webhook 入站/消息 API 出站）的配置。
type MessagingConfig struct {
	APIURL string `mapstructure:"api_url"`
	Secret string `mapstructure:"secret"`
}

// RateLimitConfig 控制对 LLM API 的跨进程全局限流。
type RateLimitConfig struct {
	// MinInterval 为两次出站调用之间的最小间隔，0 表示不限流。
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// WorkerConfig 存储任务队列 worker 的配置。
type WorkerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// OpsConfig 存储运维接口相关的配置。
type OpsConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
	// OperatorPasswordHash 是 bcrypt 后的运维口令。
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
}

// BotConfig 存储机器人行为的默认值，settings 表中的同名键优先生效。
type BotConfig struct {
	ResetCommand string `mapstructure:"reset_command"`
	Mention      string `mapstructure:"mention"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// Load 从指定路径读取 YAML 配置文件并解析为 Config。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.InitialBackoff == 0 {
		cfg.LLM.InitialBackoff = time.Second
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 3 * time.Second
	}
	if cfg.Bot.ResetCommand == "" {
		cfg.Bot.ResetCommand = "/reset"
	}
	if cfg.Bot.HistoryLimit == 0 {
		cfg.Bot.HistoryLimit = 20
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "ragbot-go-consumer"
	}
	if cfg.Ops.TokenExpireHours == 0 {
		cfg.Ops.TokenExpireHours = 12
	}
}
