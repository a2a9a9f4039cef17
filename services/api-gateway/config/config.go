package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	HTTPPort        string        `validate:"required,numeric"`
	MetricsAddr     string        `validate:"required"`
	KafkaBrokers    string        `validate:"required"`
	RedisAddr       string        `validate:"required,hostname_port"`
	RedisPassword   string        `validate:"omitempty"`
	RedisDB         int           `validate:"gte=0"`
	PostgresDSN     string        `validate:"required"`
	OTelEndpoint    string        `validate:"omitempty"`
	OTelSampleRatio float64       `validate:"gte=0,lte=1"`
	Timezone        string        `validate:"required"`
	UploadDir       string        `validate:"required"`
	MaxUploadBytes  int64         `validate:"gt=0"`
	DailyLimit      int           `validate:"gt=0"`
	RateLimit       int           `validate:"gte=0"`
	RateWindow      time.Duration `validate:"gt=0"`
	MaxRetries      int           `validate:"gte=0"`
	ProgressTTL     time.Duration `validate:"gt=0"`
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisDB:         v.GetInt("redis_db"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		Timezone:        v.GetString("timezone"),
		UploadDir:       v.GetString("upload_dir"),
		MaxUploadBytes:  v.GetInt64("max_upload_bytes"),
		DailyLimit:      v.GetInt("daily_limit"),
		RateLimit:       v.GetInt("rate_limit"),
		RateWindow:      v.GetDuration("rate_window"),
		MaxRetries:      v.GetInt("max_retries"),
		ProgressTTL:     v.GetDuration("progress_ttl"),
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid api-gateway config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid api-gateway config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}
