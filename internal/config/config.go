package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server (intake API)
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis (dedup + AI daily limiter)
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// RabbitMQ
	RabbitMQURL string `envconfig:"RABBITMQ_URL" required:"true"`
	MainQueue   string `envconfig:"RABBITMQ_MAIN_QUEUE" default:"sms.main"`
	DLQ         string `envconfig:"RABBITMQ_DLQ" default:"sms.dlq"`

	// AI advisor (OpenRouter)
	OpenRouterAPIKey  string `envconfig:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	OpenRouterModel   string `envconfig:"OPENROUTER_MODEL" default:"openai/gpt-4o-mini"`
	OpenRouterTimeout int    `envconfig:"OPENROUTER_TIMEOUT" default:"300"`
	AIDailyCallLimit  int    `envconfig:"AI_DAILY_CALL_LIMIT" default:"50"`
	AIGuardMaxTokens  int    `envconfig:"AI_GUARD_MAX_TOKENS" default:"256"`

	// Classification rules
	MaxBodyChars              int `envconfig:"MAX_BODY_CHARS" default:"320"`
	DuplicateWindowSeconds    int `envconfig:"DUPLICATE_WINDOW_SECONDS" default:"300"`
	MaxRetryBeforeDLQ         int `envconfig:"MAX_RETRY_BEFORE_DLQ" default:"3"`
	MultipartSegmentThreshold int `envconfig:"MULTIPART_SEGMENT_THRESHOLD" default:"2"`

	// Mock provider behavior
	MockTimeoutRetryProb float64 `envconfig:"MOCK_TIMEOUT_RETRY_PROB" default:"0.03"`
	MockDLR              string  `envconfig:"MOCK_DLR"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
