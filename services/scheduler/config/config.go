package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers    string        `validate:"required"`
	RedisAddr       string        `validate:"required,hostname_port"`
	RedisPassword   string        `validate:"omitempty"`
	RedisDB         int           `validate:"gte=0"`
	PostgresDSN     string        `validate:"required"`
	MetricsAddr     string        `validate:"required"`
	OTelEndpoint    string        `validate:"omitempty"`
	OTelSampleRatio float64       `validate:"gte=0,lte=1"`
	Timezone        string        `validate:"required"`
	PendingInterval time.Duration `validate:"gt=0"`
	FailedInterval  time.Duration `validate:"gt=0"`
	PendingBatch    int           `validate:"gt=0"`
	FailedBatch     int           `validate:"gt=0"`
	RetryCooldown   time.Duration `validate:"gt=0"`
	MaxRetries      int           `validate:"gt=0"`
	MessageTTL      time.Duration `validate:"gt=0"`
	LeaderTTL       time.Duration `validate:"gt=0"`
	ProgressTTL     time.Duration `validate:"gt=0"`
	TopicPartitions int           `validate:"gt=0"`
	TopicReplicas   int           `validate:"gt=0"`
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
		PendingInterval: v.GetDuration("pending_interval"),
		FailedInterval:  v.GetDuration("failed_interval"),
		PendingBatch:    v.GetInt("pending_batch"),
		FailedBatch:     v.GetInt("failed_batch"),
		RetryCooldown:   v.GetDuration("retry_cooldown"),
		MaxRetries:      v.GetInt("max_retries"),
		MessageTTL:      v.GetDuration("message_ttl"),
		LeaderTTL:       v.GetDuration("leader_ttl"),
		ProgressTTL:     v.GetDuration("progress_ttl"),
		TopicPartitions: v.GetInt("topic_partitions"),
		TopicReplicas:   v.GetInt("topic_replicas"),
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}
