package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Bet        BetConfig        `yaml:"bet" json:"bet"`
	Channel    ChannelConfig    `yaml:"channel" json:"channel"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Expiry     ExpiryConfig     `yaml:"expiry" json:"expiry"`
	Webhook    WebhookConfig    `yaml:"webhook" json:"webhook"`
	Lock       LockConfig       `yaml:"lock" json:"lock"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 返回 PostgreSQL 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool        `yaml:"enabled" json:"enabled"`
	Brokers  []string    `yaml:"brokers" json:"brokers"`
	GroupID  string      `yaml:"group_id" json:"group_id"`
	ClientID string      `yaml:"client_id" json:"client_id"`
	Topics   KafkaTopics `yaml:"topics" json:"topics"`
}

// KafkaTopics 主题名
type KafkaTopics struct {
	ChainEvents    string `yaml:"chain_events" json:"chain_events"`
	BotEvents      string `yaml:"bot_events" json:"bot_events"`
	BetChanged     string `yaml:"bet_changed" json:"bet_changed"`
	ChannelChanged string `yaml:"channel_changed" json:"channel_changed"`
	DeadLetter     string `yaml:"dead_letter" json:"dead_letter"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL              string          `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs       []string        `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID             int64           `yaml:"chain_id" json:"chain_id"`
	PrivateKey          string          `yaml:"private_key" json:"-"`
	Contracts           ContractsConfig `yaml:"contracts" json:"contracts"`
	GasLimit            uint64          `yaml:"gas_limit" json:"gas_limit"`
	SubmitRatePerSecond float64         `yaml:"submit_rate_per_second" json:"submit_rate_per_second"`
	SubmitBurst         int             `yaml:"submit_burst" json:"submit_burst"`
	RequestTimeout      time.Duration   `yaml:"request_timeout" json:"request_timeout"`
}

// ContractsConfig 合约部署字节码 (hex)
type ContractsConfig struct {
	Bet            string `yaml:"bet" json:"bet"`
	PaymentChannel string `yaml:"payment_channel" json:"payment_channel"`
}

// BetConfig 赌约配置
type BetConfig struct {
	MinAmount        decimal.Decimal `yaml:"min_amount" json:"min_amount"`
	MinExpiryHorizon time.Duration   `yaml:"min_expiry_horizon" json:"min_expiry_horizon"`
	PlatformFeeBps   int64           `yaml:"platform_fee_bps" json:"platform_fee_bps"`
	OrganizerFeeBps  int64           `yaml:"organizer_fee_bps" json:"organizer_fee_bps"`

	// 加入策略: 参与者数量达到 ActivationThreshold 时进入 ACTIVE
	ActivationThreshold  int  `yaml:"activation_threshold" json:"activation_threshold"`
	AllowJoinWhileActive bool `yaml:"allow_join_while_active" json:"allow_join_while_active"`
	MaxParticipants      int  `yaml:"max_participants" json:"max_participants"` // 0 表示不限

	// 为 true 时 ResolveBet 直接标记 RESOLVED, 不等待链上确认
	ResolutionAuthoritative bool `yaml:"resolution_authoritative" json:"resolution_authoritative"`
}

// ChannelConfig 支付通道配置
type ChannelConfig struct {
	Enabled         bool            `yaml:"enabled" json:"enabled"`
	ChallengePeriod time.Duration   `yaml:"challenge_period" json:"challenge_period"`
	Timelock        time.Duration   `yaml:"timelock" json:"timelock"`
	MinTxAmount     decimal.Decimal `yaml:"min_tx_amount" json:"min_tx_amount"`
	MaxTotal        decimal.Decimal `yaml:"max_total" json:"max_total"` // 0 表示不限
}

// DispatcherConfig 事件分发配置
type DispatcherConfig struct {
	Shards         int           `yaml:"shards" json:"shards"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
	DedupeCacheTTL time.Duration `yaml:"dedupe_cache_ttl" json:"dedupe_cache_ttl"`
}

// ExpiryConfig 过期扫描配置
type ExpiryConfig struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
}

// WebhookConfig Webhook 配置
type WebhookConfig struct {
	Secret string `yaml:"secret" json:"-"`
}

// LockConfig 分布式锁配置, 未启用时使用进程内锁
type LockConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Filename   string `yaml:"filename" json:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-bet"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "eidos-bet"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "eidos-bet"
	}
	topics := &cfg.Kafka.Topics
	if topics.ChainEvents == "" {
		topics.ChainEvents = "bet-chain-events"
	}
	if topics.BotEvents == "" {
		topics.BotEvents = "bet-bot-events"
	}
	if topics.BetChanged == "" {
		topics.BetChanged = "bet-state-changed"
	}
	if topics.ChannelChanged == "" {
		topics.ChannelChanged = "channel-state-changed"
	}
	if topics.DeadLetter == "" {
		topics.DeadLetter = "bet-chain-events-dlq"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.GasLimit == 0 {
		cfg.Blockchain.GasLimit = 500000
	}
	if cfg.Blockchain.SubmitRatePerSecond == 0 {
		cfg.Blockchain.SubmitRatePerSecond = 10
	}
	if cfg.Blockchain.SubmitBurst == 0 {
		cfg.Blockchain.SubmitBurst = 20
	}
	if cfg.Blockchain.RequestTimeout == 0 {
		cfg.Blockchain.RequestTimeout = 30 * time.Second
	}

	if cfg.Bet.MinExpiryHorizon == 0 {
		cfg.Bet.MinExpiryHorizon = 5 * time.Minute
	}
	if cfg.Bet.PlatformFeeBps == 0 {
		cfg.Bet.PlatformFeeBps = 500
	}
	if cfg.Bet.OrganizerFeeBps == 0 {
		cfg.Bet.OrganizerFeeBps = 500
	}
	if cfg.Bet.ActivationThreshold == 0 {
		cfg.Bet.ActivationThreshold = 1
	}

	if cfg.Channel.ChallengePeriod == 0 {
		cfg.Channel.ChallengePeriod = 24 * time.Hour
	}
	if cfg.Channel.Timelock == 0 {
		cfg.Channel.Timelock = 7 * 24 * time.Hour
	}

	if cfg.Dispatcher.Shards == 0 {
		cfg.Dispatcher.Shards = 16
	}
	if cfg.Dispatcher.QueueSize == 0 {
		cfg.Dispatcher.QueueSize = 256
	}
	if cfg.Dispatcher.DedupeCacheTTL == 0 {
		cfg.Dispatcher.DedupeCacheTTL = 24 * time.Hour
	}

	if cfg.Expiry.Interval == 0 {
		cfg.Expiry.Interval = time.Minute
	}
	if cfg.Expiry.BatchSize == 0 {
		cfg.Expiry.BatchSize = 100
	}

	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Lock.RetryInterval == 0 {
		cfg.Lock.RetryInterval = 50 * time.Millisecond
	}
	if cfg.Lock.MaxRetries == 0 {
		cfg.Lock.MaxRetries = 100
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Bet.MinAmount.IsNegative() || !c.Bet.MinAmount.Equal(c.Bet.MinAmount.Truncate(0)) {
		return fmt.Errorf("bet.min_amount must be a non-negative integer")
	}
	if c.Bet.PlatformFeeBps < 0 || c.Bet.OrganizerFeeBps < 0 || c.Bet.PlatformFeeBps+c.Bet.OrganizerFeeBps > 10000 {
		return fmt.Errorf("bet fee bps out of range: platform=%d organizer=%d", c.Bet.PlatformFeeBps, c.Bet.OrganizerFeeBps)
	}
	if c.Bet.ActivationThreshold < 1 {
		return fmt.Errorf("bet.activation_threshold must be >= 1")
	}
	if c.Bet.MaxParticipants > 0 && c.Bet.MaxParticipants < c.Bet.ActivationThreshold {
		return fmt.Errorf("bet.max_participants (%d) below activation_threshold (%d)", c.Bet.MaxParticipants, c.Bet.ActivationThreshold)
	}
	if c.Channel.ChallengePeriod < time.Second {
		return fmt.Errorf("channel.challenge_period must be at least 1s")
	}
	if c.Channel.MinTxAmount.IsNegative() || c.Channel.MaxTotal.IsNegative() {
		return fmt.Errorf("channel amounts must be non-negative")
	}
	if c.Dispatcher.Shards < 1 {
		return fmt.Errorf("dispatcher.shards must be >= 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if c.Service.Env != "dev" && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret required in %s environment", c.Service.Env)
	}
	return nil
}
