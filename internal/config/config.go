package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jia-app/paymentgateway/internal/domain"
)

// Config holds all configuration for the webhook gateway
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// AppConfig holds application level settings
type AppConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

// ServerConfig holds the webhook HTTP server configuration
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" validate:"min=1"`
}

// StripeConfig holds payment processor credentials
type StripeConfig struct {
	SecretKey          string        `mapstructure:"secret_key" validate:"required" env:"STRIPE_SECRET_KEY"`
	WebhookSecret      string        `mapstructure:"webhook_secret" validate:"required" env:"STRIPE_WEBHOOK_SECRET"`
	AllowedAPIVersions []string      `mapstructure:"allowed_api_versions"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
}

// DatabaseConfig holds store configuration
type DatabaseConfig struct {
	URL         string `mapstructure:"url" validate:"required" env:"DATABASE_URL"`
	ServiceKey  string `mapstructure:"service_key" validate:"required" env:"DATABASE_SERVICE_KEY"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis configuration; an empty Addr disables the cache
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	ProcessedTTL time.Duration `mapstructure:"processed_ttl"`
}

// KafkaConfig holds Kafka configuration; no brokers disables publishing
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// HealthConfig holds the gRPC health server configuration
type HealthConfig struct {
	GRPCAddress   string        `mapstructure:"grpc_address"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RetryConfig holds the event retry and payment recovery schedule
type RetryConfig struct {
	MaxAttempts   int   `mapstructure:"max_attempts" validate:"min=1"`
	IntervalsDays []int `mapstructure:"intervals_days" validate:"min=1,dive,min=0"`
}

// Schedule returns the retry schedule as a domain value
func (r RetryConfig) Schedule() domain.RetrySchedule {
	return domain.RetrySchedule{
		MaxAttempts:   r.MaxAttempts,
		IntervalsDays: append([]int(nil), r.IntervalsDays...),
	}
}

// ConfigError is the fatal startup error listing every missing or invalid setting
type ConfigError struct {
	Missing    []string
	Invalid    []string
	StatusCode int
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid configuration: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

// IsConfigError checks if an error is a ConfigError
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}

// requiredEnv maps config keys to the environment variables operators set
var requiredEnv = map[string]string{
	"stripe.secret_key":     "STRIPE_SECRET_KEY",
	"stripe.webhook_secret": "STRIPE_WEBHOOK_SECRET",
	"database.url":          "DATABASE_URL",
	"database.service_key":  "DATABASE_SERVICE_KEY",
}

// Load loads configuration from an optional YAML file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	for key, env := range requiredEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "webhook-gateway")
	v.SetDefault("app.base_url", "http://localhost:3000")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", 8*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("stripe.allowed_api_versions", []string{"2023-10-16"})
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.processed_ttl", 24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "payment-events")
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("health.grpc_address", ":8081")
	v.SetDefault("health.check_interval", 15*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "webhook-gateway")
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.intervals_days", []int{1, 3, 7})
}

// Validate reports every missing or invalid setting in a single ConfigError
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if env := field.Tag.Get("env"); env != "" {
			return env
		}
		return field.Tag.Get("mapstructure")
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cerr := &ConfigError{StatusCode: http.StatusInternalServerError}
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			cerr.Missing = append(cerr.Missing, fe.Field())
			continue
		}
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return cerr
}

// SuccessURL returns the default checkout success redirect
func (c *Config) SuccessURL() string {
	return SanitizeRedirectURL(strings.TrimRight(c.App.BaseURL, "/")+"/payment/success", "http://localhost:3000/payment/success")
}

// CancelURL returns the default checkout cancel redirect
func (c *Config) CancelURL() string {
	return SanitizeRedirectURL(strings.TrimRight(c.App.BaseURL, "/")+"/payment/cancel", "http://localhost:3000/payment/cancel")
}

// IsAllowedAPIVersion reports whether version is in the allow-list
func IsAllowedAPIVersion(version string, allowed []string) bool {
	for _, a := range allowed {
		if version == a {
			return true
		}
	}
	return false
}

// SanitizeRedirectURL returns raw when it is an absolute http(s) URL with a host,
// and fallback otherwise.
func SanitizeRedirectURL(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fallback
	}
	if u.Host == "" {
		return fallback
	}
	return u.String()
}
