package common

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Webhook  WebhookConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite | memory
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	UploadDir       string
	WatchDir        string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float32
	Timeout           time.Duration
	Lenient           bool
	SyntheticFallback bool
}

// PipelineConfig holds orchestrator scheduling configuration
type PipelineConfig struct {
	MaxConcurrent  int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	ProcessTimeout time.Duration
	RatePerMinute  int
}

// WebhookConfig holds notification configuration
type WebhookConfig struct {
	Secret  string
	Timeout time.Duration
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string // json | console
}

type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"database.driver", "DB_DRIVER", "sqlite"},
	{"database.dsn", "DB_URL", "file:invoices.db"},
	{"database.max_conns", "DB_MAX_CONNS", 20},
	{"database.min_conns", "DB_MIN_CONNS", 5},
	{"database.max_conn_lifetime", "DB_MAX_CONN_LIFETIME", 30 * time.Minute},
	{"database.max_conn_idle_time", "DB_MAX_CONN_IDLE_TIME", 5 * time.Minute},
	{"database.dial_timeout", "DB_DIAL_TIMEOUT", 3 * time.Second},
	{"database.statement_timeout", "DB_STATEMENT_TIMEOUT", time.Duration(0)},

	{"server.http_addr", "HTTP_ADDR", ":8080"},
	{"server.grpc_addr", "GRPC_ADDR", ":9090"},
	{"server.upload_dir", "UPLOAD_DIR", "./uploads"},
	{"server.watch_dir", "WATCH_DIR", ""},
	{"server.max_upload_bytes", "MAX_UPLOAD_BYTES", int64(20 << 20)},
	{"server.shutdown_timeout", "SHUTDOWN_TIMEOUT", 30 * time.Second},

	{"llm.model", "OPENAI_MODEL", "gpt-4o-mini"},
	{"llm.api_key", "OPENAI_API_KEY", ""},
	{"llm.base_url", "OPENAI_BASE_URL", "https://api.openai.com/v1"},
	{"llm.temperature", "OPENAI_TEMPERATURE", 0.0},
	{"llm.timeout", "OPENAI_TIMEOUT", 60 * time.Second},
	{"llm.lenient", "OPENAI_LENIENT", true},
	{"llm.synthetic_fallback", "SYNTHETIC_FALLBACK", true},

	{"pipeline.max_concurrent", "MAX_CONCURRENT", 3},
	{"pipeline.retry_attempts", "RETRY_ATTEMPTS", 3},
	{"pipeline.retry_base_delay", "RETRY_BASE_DELAY", time.Second},
	{"pipeline.process_timeout", "PROCESS_TIMEOUT", 2 * time.Minute},
	{"pipeline.rate_per_minute", "EXTRACT_RATE_PER_MINUTE", 0},

	{"webhook.secret", "WEBHOOK_SECRET", ""},
	{"webhook.timeout", "WEBHOOK_TIMEOUT", 10 * time.Second},

	{"log.level", "LOG_LEVEL", "info"},
	{"log.format", "LOG_FORMAT", "json"},
}

// LoadConfig loads configuration from defaults, an optional config file
// (CONFIG_FILE) and environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", s.env)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "read config file "+path, err)
		}
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(v.GetString("database.driver")),
			DSN:              v.GetString("database.dsn"),
			MaxConns:         v.GetInt32("database.max_conns"),
			MinConns:         v.GetInt32("database.min_conns"),
			MaxConnLifetime:  v.GetDuration("database.max_conn_lifetime"),
			MaxConnIdleTime:  v.GetDuration("database.max_conn_idle_time"),
			DialTimeout:      v.GetDuration("database.dial_timeout"),
			StatementTimeout: v.GetDuration("database.statement_timeout"),
		},
		Server: ServerConfig{
			HTTPAddr:        v.GetString("server.http_addr"),
			GRPCAddr:        v.GetString("server.grpc_addr"),
			UploadDir:       v.GetString("server.upload_dir"),
			WatchDir:        v.GetString("server.watch_dir"),
			MaxUploadBytes:  v.GetInt64("server.max_upload_bytes"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		LLM: LLMConfig{
			Model:             v.GetString("llm.model"),
			APIKey:            v.GetString("llm.api_key"),
			BaseURL:           v.GetString("llm.base_url"),
			Temperature:       float32(v.GetFloat64("llm.temperature")),
			Timeout:           v.GetDuration("llm.timeout"),
			Lenient:           v.GetBool("llm.lenient"),
			SyntheticFallback: v.GetBool("llm.synthetic_fallback"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:  v.GetInt("pipeline.max_concurrent"),
			RetryAttempts:  v.GetInt("pipeline.retry_attempts"),
			RetryBaseDelay: v.GetDuration("pipeline.retry_base_delay"),
			ProcessTimeout: v.GetDuration("pipeline.process_timeout"),
			RatePerMinute:  v.GetInt("pipeline.rate_per_minute"),
		},
		Webhook: WebhookConfig{
			Secret:  v.GetString("webhook.secret"),
			Timeout: v.GetDuration("webhook.timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres, sqlite or memory", ErrInvalidInput)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return NewAppError("CONFIG_ERROR", "MAX_CONCURRENT must be at least 1", ErrInvalidInput)
	}
	if c.Pipeline.RetryAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "RETRY_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Pipeline.RetryBaseDelay < 0 || c.Pipeline.ProcessTimeout < 0 {
		return NewAppError("CONFIG_ERROR", "pipeline durations must not be negative", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" && !c.LLM.SyntheticFallback {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required when SYNTHETIC_FALLBACK is disabled", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	return nil
}
