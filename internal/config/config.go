// Package config loads gateway configuration from YAML and environment
// variables via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/langdb/aigateway/internal/services/guards"
	"github.com/langdb/aigateway/internal/services/limits"
)

type Config struct {
	Rest        RestConfig                `mapstructure:"rest"`
	Redis       RedisConfig               `mapstructure:"redis"`
	ClickHouse  ClickHouseConfig          `mapstructure:"clickhouse"`
	Tracing     TracingConfig             `mapstructure:"tracing"`
	CostControl limits.Caps               `mapstructure:"cost_control"`
	RateLimit   RateLimitConfig           `mapstructure:"rate_limit"`
	Guards      []guards.Guard            `mapstructure:"guards"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Logging     LoggingConfig             `mapstructure:"logging"`
}

type RestConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	GracefulShutdown   time.Duration `mapstructure:"graceful_shutdown"`
}

// Addr is the REST listen address.
func (r RestConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ClickHouseConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Enabled reports whether a ClickHouse sink is configured.
func (c ClickHouseConfig) Enabled() bool {
	return c.URL != ""
}

type TracingConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (t TracingConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// RateLimitConfig caps API calls per tenant and window. A zero cap
// means unlimited.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Hourly  float64 `mapstructure:"hourly"`
	Daily   float64 `mapstructure:"daily"`
	Monthly float64 `mapstructure:"monthly"`
}

// ProviderConfig carries per-provider credentials.
type ProviderConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseURL         string `mapstructure:"base_url"`
	OrgID           string `mapstructure:"org_id"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	AssumeRoleARN   string `mapstructure:"assume_role_arn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from the given path (or the working directory)
// and overlays environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/aigateway")
	}

	setDefaults(v)
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rest.host", "0.0.0.0")
	v.SetDefault("rest.port", 8080)
	v.SetDefault("rest.cors_allowed_origins", []string{"*"})
	v.SetDefault("rest.request_timeout", "120s")
	v.SetDefault("rest.graceful_shutdown", "30s")

	v.SetDefault("tracing.host", "0.0.0.0")
	v.SetDefault("tracing.port", 4317)

	v.SetDefault("rate_limit.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func bindEnvVars(v *viper.Viper) {
	// Level comes from RUST_LOG in deployed environments.
	_ = v.BindEnv("logging.level", "RUST_LOG", "LOG_LEVEL")

	_ = v.BindEnv("rest.port", "PORT")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	_ = v.BindEnv("clickhouse.url", "CLICKHOUSE_DATA_URL")
	_ = v.BindEnv("clickhouse.user", "CLICKHOUSE_DATA_USER")
	_ = v.BindEnv("clickhouse.password", "CLICKHOUSE_DATA_PASSWORD")
	_ = v.BindEnv("clickhouse.database", "CLICKHOUSE_DATA_DATABASE")

	_ = v.BindEnv("providers.openai.api_key", "LANGDB_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.gemini.api_key", "GEMINI_API_KEY")
	_ = v.BindEnv("providers.bedrock.region", "AWS_DEFAULT_REGION")
	_ = v.BindEnv("providers.bedrock.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("providers.bedrock.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("providers.bedrock.session_token", "AWS_SESSION_TOKEN")
	_ = v.BindEnv("providers.bedrock.assume_role_arn", "AWS_ASSUME_ROLE_ARN")
	_ = v.BindEnv("providers.partner.api_key", "TAVILY_API_KEY")
}
