package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel        string            `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers    string            `validate:"required"`
	RedisAddr       string            `validate:"required,hostname_port"`
	RedisPassword   string            `validate:"omitempty"`
	RedisDB         int               `validate:"gte=0"`
	PostgresDSN     string            `validate:"required"`
	MetricsAddr     string            `validate:"required"`
	OTelEndpoint    string            `validate:"omitempty"`
	OTelSampleRatio float64           `validate:"gte=0,lte=1"`
	Timezone        string            `validate:"required"`
	Stage           string            `validate:"required,oneof=audio_extract denoise fast_recognition transcription"`
	StageURL        string            `validate:"required,url"`
	ExtraStages     map[string]string `validate:"omitempty,dive,keys,oneof=audio_extract denoise fast_recognition transcription,endkeys,required,url"`
	Concurrency     int               `validate:"gt=0,lte=64"`
	MaxRetries      int               `validate:"gte=0"`
	StageTimeout    time.Duration     `validate:"gt=0"`
	MessageTTL      time.Duration     `validate:"gt=0"`
	ProgressTTL     time.Duration     `validate:"gt=0"`
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisDB:         v.GetInt("redis_db"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		Timezone:        v.GetString("timezone"),
		Stage:           v.GetString("stage"),
		StageURL:        v.GetString("stage_url"),
		ExtraStages:     v.GetStringMapString("extra_stages"),
		Concurrency:     v.GetInt("concurrency"),
		MaxRetries:      v.GetInt("max_retries"),
		StageTimeout:    v.GetDuration("stage_timeout"),
		MessageTTL:      v.GetDuration("message_ttl"),
		ProgressTTL:     v.GetDuration("progress_ttl"),
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid worker config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// StageName returns the configured stage. Call after Validate.
func (c Config) StageName() domain.Stage { return domain.Stage(c.Stage) }

// StageURLs returns every stage this process serves with its processing
// endpoint. The primary stage wins over a duplicate extra_stages entry.
func (c Config) StageURLs() map[domain.Stage]string {
	urls := make(map[domain.Stage]string, len(c.ExtraStages)+1)
	for stage, url := range c.ExtraStages {
		urls[domain.Stage(stage)] = url
	}
	urls[c.StageName()] = c.StageURL
	return urls
}
