package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"medinotify/internal/domain/template"
)

// Config holds all application configuration.
type Config struct {
	Server             ServerConfig             `mapstructure:"server"`
	Auth               AuthConfig               `mapstructure:"auth"`
	Email              EmailConfig              `mapstructure:"email"`
	SMS                SMSConfig                `mapstructure:"sms"`
	Realtime           RealtimeConfig           `mapstructure:"realtime"`
	CORS               CORSConfig               `mapstructure:"cors"`
	RateLimit          RateLimitConfig          `mapstructure:"rate_limit"`
	Redis              RedisConfig              `mapstructure:"redis"`
	Supabase           SupabaseConfig           `mapstructure:"supabase"`
	Render             RenderConfig             `mapstructure:"render"`
	Queue              QueueConfig              `mapstructure:"queue"`
	Delivery           DeliveryConfig           `mapstructure:"delivery"`
	RecipientRateLimit RecipientRateLimitConfig `mapstructure:"recipient_rate_limit"`
	ABTests            []ABTestConfig           `mapstructure:"ab_tests"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// EmailConfig holds email provider settings.
type EmailConfig struct {
	Provider             string                `mapstructure:"provider"`
	APIKey               string                `mapstructure:"api_key"`
	PostmarkServerToken  string                `mapstructure:"postmark_server_token"`
	PostmarkAccountToken string                `mapstructure:"postmark_account_token"`
	MessageStream        string                `mapstructure:"message_stream"`
	FromAddress          string                `mapstructure:"from_address"`
	FromName             string                `mapstructure:"from_name"`
	Styling              template.EmailStyling `mapstructure:"styling"`
}

// SMSConfig holds SMS provider and sending settings.
type SMSConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	AccountSID        string  `mapstructure:"account_sid"`
	AuthToken         string  `mapstructure:"auth_token"`
	From              string  `mapstructure:"from"`
	CostPerSegment    float64 `mapstructure:"cost_per_segment"`
	OptOut            bool    `mapstructure:"opt_out"`
	OptOutText        string  `mapstructure:"opt_out_text"`
	AllowMultipart    bool    `mapstructure:"allow_multipart"`
	BatchSize         int     `mapstructure:"batch_size"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	InterBatchDelayMs int     `mapstructure:"inter_batch_delay_ms"`
	HTTPRetryMax      int     `mapstructure:"http_retry_max"`
	HTTPTimeoutSec    int     `mapstructure:"http_timeout_sec"`
}

// RealtimeConfig holds websocket hub settings.
type RealtimeConfig struct {
	WriteTimeoutSec int `mapstructure:"write_timeout_sec"`
}

// CORSConfig holds CORS policy settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SupabaseConfig holds Supabase project settings. Without a URL, delivery
// records are kept in memory only.
type SupabaseConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
}

// RenderConfig holds template rendering settings.
type RenderConfig struct {
	TemplatesDir    string `mapstructure:"templates_dir"`
	CacheCapacity   int    `mapstructure:"cache_capacity"`
	CacheTTLSec     int    `mapstructure:"cache_ttl_sec"`
	DefaultLanguage string `mapstructure:"default_language"`
	TrackingEnabled bool   `mapstructure:"tracking_enabled"`
	TrackingBaseURL string `mapstructure:"tracking_base_url"`
	AppBaseURL      string `mapstructure:"app_base_url"`
	DefaultAltText  string `mapstructure:"default_alt_text"`
}

// QueueConfig holds notification queue and dispatcher settings.
type QueueConfig struct {
	Concurrency          int   `mapstructure:"concurrency"`
	AsynqConcurrency     int   `mapstructure:"asynq_concurrency"`
	MaxRetry             int   `mapstructure:"max_retry"`
	RetryDelaysSec       []int `mapstructure:"-"` // parsed by load
	ProcessingTimeoutSec int   `mapstructure:"processing_timeout_sec"`
	SweepIntervalSec     int   `mapstructure:"sweep_interval_sec"`
	PollIntervalMs       int   `mapstructure:"poll_interval_ms"`
	ClaimBatch           int   `mapstructure:"claim_batch"`
	TaskRetentionSec     int   `mapstructure:"task_retention_sec"`
}

// DeliveryConfig holds delivery tracker settings.
type DeliveryConfig struct {
	MaxRetries            int   `mapstructure:"max_retries"`
	RetryDelaysSec        []int `mapstructure:"-"` // parsed by load
	WindowSize            int   `mapstructure:"window_size"`
	RetryCheckIntervalSec int   `mapstructure:"retry_check_interval_sec"`
	SendTimeoutSec        int   `mapstructure:"send_timeout_sec"`
}

// RecipientRateLimitConfig holds per-recipient rate limiting settings.
type RecipientRateLimitConfig struct {
	MaxPerHour int `mapstructure:"max_per_hour"`
}

// ABTestConfig registers one A/B test at startup. Key may be given directly,
// otherwise it is built with template.TestKey from type, channel and role.
type ABTestConfig struct {
	Key          string  `mapstructure:"key"`
	TemplateType string  `mapstructure:"template_type"`
	Channel      string  `mapstructure:"channel"`
	Role         string  `mapstructure:"role"`
	GroupA       string  `mapstructure:"group_a"`
	GroupB       string  `mapstructure:"group_b"`
	Split        float64 `mapstructure:"split"`
}

// TestKey returns the assigner key for the test.
func (t ABTestConfig) TestKey() string {
	if t.Key != "" {
		return t.Key
	}
	return template.TestKey(t.TemplateType, template.Channel(t.Channel), t.Role)
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the MEDINOTIFY_ prefix and underscore separators.
// Example: MEDINOTIFY_SERVER_PORT overrides server.port in config.yaml.
func Load() (*Config, error) {
	v := viper.New()

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Load .env file if it exists
	_ = godotenv.Load()

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Environment variable settings
	v.SetEnvPrefix("MEDINOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional, env vars can provide everything)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma-separated lists from env vars
	cfg.Auth.APIKeys = splitList(v.Get("auth.api_keys"))
	cfg.CORS.AllowedOrigins = splitList(v.Get("cors.allowed_origins"))
	cfg.CORS.AllowedMethods = splitList(v.Get("cors.allowed_methods"))
	cfg.CORS.AllowedHeaders = splitList(v.Get("cors.allowed_headers"))
	cfg.Queue.RetryDelaysSec = intList(v.Get("queue.retry_delays_sec"))
	cfg.Delivery.RetryDelaysSec = intList(v.Get("delivery.retry_delays_sec"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("auth.api_keys", "")

	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("cors.allowed_methods", "GET,POST,OPTIONS")
	v.SetDefault("cors.allowed_headers", "Content-Type,X-API-Key,X-Request-ID")
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_key", "")

	v.SetDefault("email.provider", "resend")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.postmark_server_token", "")
	v.SetDefault("email.postmark_account_token", "")
	v.SetDefault("email.message_stream", "outbound")
	v.SetDefault("email.from_address", "")
	v.SetDefault("email.from_name", "MediNotify")
	v.SetDefault("email.styling.brand_name", "MediNotify")
	v.SetDefault("email.styling.primary_color", "#0b6efd")
	v.SetDefault("email.styling.background_color", "#f5f7fa")
	v.SetDefault("email.styling.font_family", "Arial, Helvetica, sans-serif")
	v.SetDefault("email.styling.logo_url", "")
	v.SetDefault("email.styling.footer_text", "You are receiving this message because of activity on your account.")

	v.SetDefault("sms.base_url", "")
	v.SetDefault("sms.account_sid", "")
	v.SetDefault("sms.auth_token", "")
	v.SetDefault("sms.from", "")
	v.SetDefault("sms.cost_per_segment", 0.0075)
	v.SetDefault("sms.opt_out", true)
	v.SetDefault("sms.opt_out_text", "Reply STOP to opt out")
	v.SetDefault("sms.allow_multipart", false)
	v.SetDefault("sms.batch_size", 10)
	v.SetDefault("sms.messages_per_second", 10)
	v.SetDefault("sms.inter_batch_delay_ms", 1000)
	v.SetDefault("sms.http_retry_max", 2)
	v.SetDefault("sms.http_timeout_sec", 10)

	v.SetDefault("realtime.write_timeout_sec", 5)

	v.SetDefault("render.templates_dir", "./templates")
	v.SetDefault("render.cache_capacity", 1000)
	v.SetDefault("render.cache_ttl_sec", 3600)
	v.SetDefault("render.default_language", "en")
	v.SetDefault("render.tracking_enabled", true)
	v.SetDefault("render.tracking_base_url", "http://localhost:8081/t")
	v.SetDefault("render.app_base_url", "http://localhost:3000")
	v.SetDefault("render.default_alt_text", "Image")

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.asynq_concurrency", 5)
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("queue.retry_delays_sec", "60,300,900")
	v.SetDefault("queue.processing_timeout_sec", 300) // 5 minutes
	v.SetDefault("queue.sweep_interval_sec", 30)
	v.SetDefault("queue.poll_interval_ms", 200)
	v.SetDefault("queue.claim_batch", 1)
	v.SetDefault("queue.task_retention_sec", 86400) // 24 hours

	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.retry_delays_sec", "30,120,600")
	v.SetDefault("delivery.window_size", 1000)
	v.SetDefault("delivery.retry_check_interval_sec", 10)
	v.SetDefault("delivery.send_timeout_sec", 30)

	v.SetDefault("recipient_rate_limit.max_per_hour", 20)
}

func (c *Config) validate() error {
	switch c.Email.Provider {
	case "resend", "postmark":
	default:
		return fmt.Errorf("unsupported email.provider %q: expected resend or postmark", c.Email.Provider)
	}
	for i, t := range c.ABTests {
		if t.Key == "" && t.TemplateType == "" {
			return fmt.Errorf("ab_tests[%d]: key or template_type is required", i)
		}
		if t.GroupA == "" || t.GroupB == "" {
			return fmt.Errorf("ab_tests[%d]: group_a and group_b are required", i)
		}
		if t.Split < 0 || t.Split > 1 {
			return fmt.Errorf("ab_tests[%d]: split must be within [0, 1]", i)
		}
	}
	return nil
}

// splitList accepts a YAML list or a comma-separated string.
func splitList(raw any) []string {
	var parts []string
	if s, ok := raw.(string); ok {
		parts = strings.Split(s, ",")
	} else {
		parts = cast.ToStringSlice(raw)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intList(raw any) []int {
	parts := splitList(raw)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := cast.ToIntE(p); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// Seconds converts a list of second counts to durations.
func Seconds(secs []int) []time.Duration {
	out := make([]time.Duration, len(secs))
	for i, s := range secs {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
