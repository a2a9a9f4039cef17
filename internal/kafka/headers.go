package kafka

import (
	"strconv"

	segkafka "github.com/segmentio/kafka-go"
)

// Header keys set on stage and dead-letter messages.
const (
	HeaderPriority     = "x-priority"
	HeaderRetryCount   = "x-retry-count"
	HeaderDeadReason   = "x-dead-letter-reason"
	HeaderOriginTopic  = "x-origin-topic"
	HeaderOriginOffset = "x-origin-offset"
)

// Header is a Kafka record header.
type Header = segkafka.Header

// IntHeader builds a header holding a decimal integer.
func IntHeader(key string, v int64) Header {
	return Header{Key: key, Value: []byte(strconv.FormatInt(v, 10))}
}

// HeaderCarrier adapts a Kafka message's []Header slice to the
// OpenTelemetry propagation.TextMapCarrier interface.
type HeaderCarrier []segkafka.Header

// Get returns the value for the first header matching key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns all header keys present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
