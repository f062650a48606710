package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Acquisition strategy names. Exactly one strategy is active per process so
// that a job is only ever finalized by a single path.
const (
	StrategyCallback = "callback"
	StrategyPoll     = "poll"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite | postgres
	Path            string        `mapstructure:"path"`   // sqlite file path
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

// ExecutorConfig points at the external asynchronous workflow executor.
type ExecutorConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	AuthToken  string        `mapstructure:"auth_token"`
	WorkflowID string        `mapstructure:"workflow_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AcquisitionConfig selects how terminal results are observed.
type AcquisitionConfig struct {
	Strategy       string        `mapstructure:"strategy"` // callback | poll
	PollAttempts   int           `mapstructure:"poll_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollWorkers    int           `mapstructure:"poll_workers"`
	WatchBuffer    int           `mapstructure:"watch_buffer"`
	WatchMaxPerJob int           `mapstructure:"watch_max_per_job"`
}

// WebhookConfig guards the inbound executor callback endpoint.
type WebhookConfig struct {
	Secret          string        `mapstructure:"secret"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

type NotifyConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	AppID             string `mapstructure:"app_id"`
	AppSecret         string `mapstructure:"app_secret"`
	BaseURL           string `mapstructure:"base_url"`
	SuccessTemplateID string `mapstructure:"success_template_id"`
	FailureTemplateID string `mapstructure:"failure_template_id"`
	Page              string `mapstructure:"page"`
	MiniprogramState  string `mapstructure:"miniprogram_state"`
	RetryCount        int    `mapstructure:"retry_count"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from an optional YAML file, .env, and the
// environment. Defaults are centralized here so call sites never carry
// fallback literals.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/cliptext.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("executor.base_url", "https://api.coze.cn")
	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("acquisition.strategy", StrategyCallback)
	v.SetDefault("acquisition.poll_attempts", 30)
	v.SetDefault("acquisition.poll_interval", 5*time.Second)
	v.SetDefault("acquisition.poll_workers", 4)
	v.SetDefault("acquisition.watch_buffer", 8)
	v.SetDefault("acquisition.watch_max_per_job", 16)
	v.SetDefault("webhook.freshness_window", 10*time.Minute)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.base_url", "https://api.weixin.qq.com")
	v.SetDefault("notify.page", "pages/index/index")
	v.SetDefault("notify.miniprogram_state", "formal")
	v.SetDefault("notify.retry_count", 3)
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "cliptext-media")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("executor.base_url", "EXECUTOR_BASE_URL")
	v.BindEnv("executor.auth_token", "EXECUTOR_AUTH_TOKEN")
	v.BindEnv("executor.workflow_id", "EXECUTOR_WORKFLOW_ID")
	v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	v.BindEnv("notify.app_id", "WECHAT_APP_ID")
	v.BindEnv("notify.app_secret", "WECHAT_APP_SECRET")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the process cannot safely run with.
func (c *Config) Validate() error {
	switch c.Acquisition.Strategy {
	case StrategyCallback, StrategyPoll:
	default:
		return fmt.Errorf("unknown acquisition strategy %q", c.Acquisition.Strategy)
	}
	if c.Acquisition.Strategy == StrategyCallback && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when acquisition strategy is callback")
	}
	if c.Acquisition.PollAttempts <= 0 {
		return fmt.Errorf("acquisition.poll_attempts must be positive")
	}
	if c.Acquisition.PollInterval <= 0 {
		return fmt.Errorf("acquisition.poll_interval must be positive")
	}
	return nil
}
