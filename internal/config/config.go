package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"Treasury-Relay/internal/relay"
	"Treasury-Relay/internal/storage/sqlstore"
	"Treasury-Relay/pkg/logger"
)

// EnvPrefix 是环境变量覆盖使用的前缀，例如 TREASURY_SERVER_ADDRESS。
const EnvPrefix = "treasury"

// Config 描述了 treasuryd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  logger.Config  `json:"logging"`
	Ledger   LedgerConfig   `json:"ledger"`
	Operator OperatorConfig `json:"operator"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address string `json:"address"`
	// APITokens 为空时写接口不做认证。
	APITokens []string `json:"api_tokens" split_words:"true"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。Address 为空时挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LedgerConfig 描述内嵌账本的数据目录与创世文件。
type LedgerConfig struct {
	DataDir     string `json:"data_dir" split_words:"true"`
	GenesisPath string `json:"genesis" envconfig:"genesis"`
	// InMemory 为真时忽略 DataDir，进程退出后状态丢失。
	InMemory bool `json:"in_memory" split_words:"true"`
}

// OperatorConfig 指定创建者密钥文件。
type OperatorConfig struct {
	KeypairPath string `json:"keypair" envconfig:"keypair"`
}

// StorageConfig 统一描述作业存储与提案日志的后端。
type StorageConfig struct {
	// JobStore.Driver 取值 memory、mysql 或 sqlite。
	JobStore sqlstore.Config `json:"job_store" split_words:"true"`
	// ProposalLog.Driver 取值 file、mysql 或 sqlite。
	ProposalLog sqlstore.Config `json:"proposal_log" split_words:"true"`
}

// QueueConfig 描述中继作业队列。
type QueueConfig struct {
	Driver     string                `json:"driver"`
	Size       int                   `json:"size"`
	Workers    int                   `json:"workers"`
	MaxRetries int                   `json:"max_retries" split_words:"true"`
	Redis      relay.RedisQueueConfig `json:"redis"`
	RabbitMQ   relay.RabbitMQConfig   `json:"rabbitmq" envconfig:"rabbitmq"`
}

// AlertingConfig 描述告警通道。日志通道始终开启，Webhook 可选。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" split_words:"true"`
	TimeoutSeconds int    `json:"timeout_seconds" split_words:"true"`
}

// Load 解析 JSON 配置文件并应用环境变量覆盖。path 为空时只使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.DataDir == "" {
		c.Ledger.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Ledger.DataDir = resolve(baseDir, c.Ledger.DataDir)
	}
	if c.Ledger.GenesisPath != "" {
		c.Ledger.GenesisPath = resolve(baseDir, c.Ledger.GenesisPath)
	}

	if c.Operator.KeypairPath == "" {
		c.Operator.KeypairPath = filepath.Join(c.Ledger.DataDir, "keys", "creator.json")
	} else {
		c.Operator.KeypairPath = resolve(baseDir, c.Operator.KeypairPath)
	}

	c.Storage.JobStore.Driver = strings.ToLower(strings.TrimSpace(c.Storage.JobStore.Driver))
	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	c.Storage.ProposalLog.Driver = strings.ToLower(strings.TrimSpace(c.Storage.ProposalLog.Driver))
	if c.Storage.ProposalLog.Driver == "" {
		c.Storage.ProposalLog.Driver = "file"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Ledger.DataDir, "audit", "audit.log")
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.JobStore.Driver {
	case "memory":
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		if c.Storage.JobStore.DSN == "" {
			errs = append(errs, errors.New("storage.job_store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的作业存储驱动: %s", c.Storage.JobStore.Driver))
	}
	switch c.Storage.ProposalLog.Driver {
	case "file":
	case sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		if c.Storage.ProposalLog.DSN == "" {
			errs = append(errs, errors.New("storage.proposal_log.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的提案日志驱动: %s", c.Storage.ProposalLog.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver))
	}
	return errors.Join(errs...)
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
