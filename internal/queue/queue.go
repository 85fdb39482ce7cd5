// Package queue carries stub requests in and artifact results and dead
// letters out. Kafka is the production transport; stdio feeds newline
// delimited JSON through a pipe for local runs and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrMissingTopic  = errors.New("queue: topic is required")
)

// Message is one record handed to a consumer. Offset is the partition
// offset for Kafka and the 1-based line number for stdio.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	// Timestamp is the producer timestamp for Kafka and the receive time for
	// stdio.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message. Unacked Kafka messages are redelivered to the
// group after a restart; stdio acks are no-ops.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. PublishKeyed routes every record with the
// same key to the same partition, so results for one stub stay ordered.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishKeyed(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	// Kafka.
	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int
	// Security defaults to SecurityFromEnv when nil.
	Security *Security

	// Stdio.
	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	// Kafka.
	Brokers      []string
	BatchTimeout time.Duration
	Security     *Security

	// Stdio.
	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driverOf(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driverOf(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func driverOf(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList splits a flag value such as a broker list, dropping blanks.
func SplitCommaList(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
