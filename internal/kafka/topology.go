package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

const topicPrefix = "media.stage."

// StageTopic is the work topic for a stage.
func StageTopic(stage domain.Stage) string { return topicPrefix + string(stage) }

// DeadLetterTopic is the holding topic for a stage's rejected and expired messages.
func DeadLetterTopic(stage domain.Stage) string { return StageTopic(stage) + ".dlq" }

// StageGroup is the consumer group of the workers serving a stage.
func StageGroup(stage domain.Stage) string { return "media-worker-" + string(stage) }

// StageOfTopic returns the stage a work or dead-letter topic belongs to.
func StageOfTopic(topic string) (domain.Stage, bool) {
	name, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return "", false
	}
	stage, err := domain.ParseStage(strings.TrimSuffix(name, ".dlq"))
	if err != nil {
		return "", false
	}
	return stage, true
}

// DeadLetterTopics lists the dead-letter topic of every stage.
func DeadLetterTopics(stages []domain.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = DeadLetterTopic(s)
	}
	return out
}

// DeadLetterGroup is the consumer group of the dead-letter monitor.
const DeadLetterGroup = "media-deadletter-monitor"

// TopologyConfig sizes the topics created by DeclareTopology.
type TopologyConfig struct {
	Partitions          int
	ReplicationFactor   int
	MessageTTL          time.Duration
	DeadLetterRetention time.Duration
}

// DeclareTopology creates the work and dead-letter topics of every stage.
// Topics that already exist are left as they are.
func DeclareTopology(ctx context.Context, brokers []string, stages []domain.Stage, cfg TopologyConfig) error {
	if len(brokers) == 0 {
		return errors.New("declare topology: no brokers")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka dial controller: %w", err)
	}
	defer ctrl.Close()

	partitions := max(cfg.Partitions, 1)
	replicas := max(cfg.ReplicationFactor, 1)

	for _, stage := range stages {
		topics := []kafka.TopicConfig{
			topicConfig(StageTopic(stage), partitions, replicas, cfg.MessageTTL),
			topicConfig(DeadLetterTopic(stage), 1, replicas, cfg.DeadLetterRetention),
		}
		for _, tc := range topics {
			err := ctrl.CreateTopics(tc)
			if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
				return fmt.Errorf("create topic %s: %w", tc.Topic, err)
			}
		}
	}
	return nil
}

func topicConfig(name string, partitions, replicas int, retention time.Duration) kafka.TopicConfig {
	tc := kafka.TopicConfig{
		Topic:             name,
		NumPartitions:     partitions,
		ReplicationFactor: replicas,
	}
	if retention > 0 {
		tc.ConfigEntries = []kafka.ConfigEntry{{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(retention.Milliseconds(), 10),
		}}
	}
	return tc
}
