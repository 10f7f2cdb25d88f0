package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Database DatabaseConfig        `mapstructure:"database"`
	Redis    RedisConfig           `mapstructure:"redis"`
	JWT      JWTConfig             `mapstructure:"jwt"`
	Gateway  GatewayConfig         `mapstructure:"gateway"`
	Webhook  WebhookConfig         `mapstructure:"webhook"`
	Finalize FinalizeConfig        `mapstructure:"finalize"`
	Renewal  RenewalConfig         `mapstructure:"renewal"`
	Email    EmailConfig           `mapstructure:"email"`
	Queue    QueueConfig           `mapstructure:"queue"`
	CORS     CORSConfig            `mapstructure:"cors"`
	Plans    map[string]PlanConfig `mapstructure:"plans"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// GatewayConfig 支付网关配置
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TerminalID     string `mapstructure:"terminal_id"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SuccessURL     string `mapstructure:"success_url"`
	FailureURL     string `mapstructure:"failure_url"`
}

// WebhookConfig 网关回调入口配置
type WebhookConfig struct {
	AllowedCIDRs   []string `mapstructure:"allowed_cidrs"` // 网关来源网段白名单
	RateLimit      int      `mapstructure:"rate_limit"`    // 每窗口最大请求数
	RateWindowSecs int      `mapstructure:"rate_window_secs"`
}

// FinalizeConfig 支付终结配置
type FinalizeConfig struct {
	EmailFallback         bool `mapstructure:"email_fallback"`          // 是否启用邮箱兜底归属
	RegistrationTTLHours  int  `mapstructure:"registration_ttl_hours"`  // 游客注册新鲜期
	RegistrationKeepHours int  `mapstructure:"registration_keep_hours"` // 注册记录保留期
	SessionTTLHours       int  `mapstructure:"session_ttl_hours"`       // 支付会话有效期
	PollFallbackSeconds   int  `mapstructure:"poll_fallback_seconds"`   // 轮询触发网关补查的最小会话年龄
}

// RenewalConfig 续费扫描配置
type RenewalConfig struct {
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
	BatchSize            int `mapstructure:"batch_size"`
}

type EmailConfig struct {
	SMTPHost    string `mapstructure:"smtp_host"`
	SMTPPort    int    `mapstructure:"smtp_port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type QueueConfig struct {
	ChargeQueue    string `mapstructure:"charge_queue"`
	ReconcileQueue string `mapstructure:"reconcile_queue"`
	MaxWorkers     int    `mapstructure:"max_workers"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// PlanConfig 套餐目录项（纯查表，无状态）
type PlanConfig struct {
	Price               float64 `mapstructure:"price"`
	Currency            string  `mapstructure:"currency"`
	OperationMode       string  `mapstructure:"operation_mode"` // charge_only / charge_and_create_token / create_token_only
	TrialDays           int     `mapstructure:"trial_days"`
	BillingPeriodMonths int     `mapstructure:"billing_period_months"` // 0 表示终身套餐，无续费义务
	DisplayName         string  `mapstructure:"display_name"`
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	// 检查 config.local.yaml 是否存在
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// 环境变量覆盖
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
