package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-media-flow/internal/domain"
)

// QueueStat summarises one stage queue.
type QueueStat struct {
	Stage       domain.Stage `json:"stage"`
	Topic       string       `json:"topic"`
	Messages    int64        `json:"messages"`
	DeadLetters int64        `json:"dead_letters"`
	Consumers   int          `json:"consumers"`
}

// Inspector reports queue depth and consumer counts through the Kafka admin API.
type Inspector struct {
	client *kafka.Client
}

// NewInspector returns an Inspector talking to brokers.
func NewInspector(brokers []string) *Inspector {
	return &Inspector{client: &kafka.Client{Addr: kafka.TCP(brokers...), Timeout: 10 * time.Second}}
}

// Stats returns one entry per stage. Messages is the backlog the stage's
// consumer group has not committed yet.
func (i *Inspector) Stats(ctx context.Context, stages []domain.Stage) ([]QueueStat, error) {
	out := make([]QueueStat, 0, len(stages))
	for _, stage := range stages {
		topic := StageTopic(stage)
		backlog, err := i.backlog(ctx, topic, StageGroup(stage))
		if err != nil {
			return nil, err
		}
		dead, err := i.backlog(ctx, DeadLetterTopic(stage), "")
		if err != nil {
			return nil, err
		}
		consumers, err := i.members(ctx, StageGroup(stage))
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStat{
			Stage:       stage,
			Topic:       topic,
			Messages:    backlog,
			DeadLetters: dead,
			Consumers:   consumers,
		})
	}
	return out, nil
}

// backlog sums, over all partitions, the offsets past the group's commit.
// With an empty group it counts every retained message.
func (i *Inspector) backlog(ctx context.Context, topic, group string) (int64, error) {
	meta, err := i.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return 0, fmt.Errorf("metadata for %s: %w", topic, err)
	}
	var ids []int
	for _, t := range meta.Topics {
		if t.Name != topic || t.Error != nil {
			continue
		}
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	reqs := make([]kafka.OffsetRequest, 0, 2*len(ids))
	for _, id := range ids {
		reqs = append(reqs, kafka.FirstOffsetOf(id), kafka.LastOffsetOf(id))
	}
	offsets, err := i.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return 0, fmt.Errorf("list offsets for %s: %w", topic, err)
	}

	committed := map[int]int64{}
	if group != "" {
		resp, err := i.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
			GroupID: group,
			Topics:  map[string][]int{topic: ids},
		})
		if err != nil {
			return 0, fmt.Errorf("offset fetch for %s/%s: %w", group, topic, err)
		}
		for _, p := range resp.Topics[topic] {
			if p.Error == nil && p.CommittedOffset >= 0 {
				committed[p.Partition] = p.CommittedOffset
			}
		}
	}

	var total int64
	for _, p := range offsets.Topics[topic] {
		if p.Error != nil {
			continue
		}
		start := p.FirstOffset
		if c, ok := committed[p.Partition]; ok && c > start {
			start = c
		}
		if p.LastOffset > start {
			total += p.LastOffset - start
		}
	}
	return total, nil
}

func (i *Inspector) members(ctx context.Context, group string) (int, error) {
	resp, err := i.client.DescribeGroups(ctx, &kafka.DescribeGroupsRequest{GroupIDs: []string{group}})
	if err != nil {
		return 0, fmt.Errorf("describe group %s: %w", group, err)
	}
	n := 0
	for _, g := range resp.Groups {
		if g.Error == nil {
			n += len(g.Members)
		}
	}
	return n, nil
}
