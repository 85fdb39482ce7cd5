package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	envKafkaTLS          = "PROOF_QUEUE_KAFKA_TLS"
	envKafkaSASLUser     = "PROOF_QUEUE_KAFKA_SASL_USERNAME"
	envKafkaSASLPassword = "PROOF_QUEUE_KAFKA_SASL_PASSWORD"

	defaultKafkaMinBytes     = 1
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaBatchTimeout = 10 * time.Millisecond
	kafkaDialTimeout         = 10 * time.Second
)

// Security holds broker connection settings. SASL is PLAIN and is only
// sent over TLS.
type Security struct {
	TLS          bool
	SASLUsername string
	SASLPassword string
}

// SecurityFromEnv reads PROOF_QUEUE_KAFKA_TLS and the SASL credential
// variables.
func SecurityFromEnv() Security {
	return Security{
		TLS:          truthy(os.Getenv(envKafkaTLS)),
		SASLUsername: strings.TrimSpace(os.Getenv(envKafkaSASLUser)),
		SASLPassword: os.Getenv(envKafkaSASLPassword),
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (s Security) validate() error {
	if s.SASLUsername == "" {
		return nil
	}
	if !s.TLS {
		return fmt.Errorf("%w: sasl credentials require tls", ErrInvalidConfig)
	}
	if s.SASLPassword == "" {
		return fmt.Errorf("%w: sasl password is empty", ErrInvalidConfig)
	}
	return nil
}

func (s Security) tlsConfig() *tls.Config {
	if !s.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (s Security) mechanism() sasl.Mechanism {
	if s.SASLUsername == "" {
		return nil
	}
	return plain.Mechanism{Username: s.SASLUsername, Password: s.SASLPassword}
}

func resolveSecurity(s *Security) (Security, error) {
	sec := SecurityFromEnv()
	if s != nil {
		sec = *s
	}
	return sec, sec.validate()
}

type kafkaConsumer struct {
	reader *kafka.Reader
	msgs   chan Message
	errs   chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers, topics := compact(cfg.Brokers), compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer needs a group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a topic", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes %d below min bytes %d", ErrInvalidConfig, maxBytes, minBytes)
	}
	sec, err := resolveSecurity(cfg.Security)
	if err != nil {
		return nil, err
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if sec.TLS {
		rc.Dialer = &kafka.Dialer{
			Timeout:       kafkaDialTimeout,
			DualStack:     true,
			TLS:           sec.tlsConfig(),
			SASLMechanism: sec.mechanism(),
		}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.fetch(ctx)
	return c, nil
}

// stopFetching reports fetch errors that end the consumer instead of being
// surfaced on Errors.
func stopFetching(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *kafkaConsumer) fetch(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if stopFetching(err) || ctx.Err() != nil {
				return
			}
			select {
			case c.errs <- fmt.Errorf("queue: fetch: %w", err):
				continue
			case <-ctx.Done():
				return
			}
		}
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Partition: km.Partition,
			Offset:    km.Offset,
			Timestamp: km.Time,
			ackFn: func(ctx context.Context) error {
				return c.reader.CommitMessages(ctx, km)
			},
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs a broker", ErrInvalidConfig)
	}
	sec, err := resolveSecurity(cfg.Security)
	if err != nil {
		return nil, err
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultKafkaBatchTimeout
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
	}
	if sec.TLS {
		w.Transport = &kafka.Transport{
			DialTimeout: kafkaDialTimeout,
			TLS:         sec.tlsConfig(),
			SASL:        sec.mechanism(),
		}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.PublishKeyed(ctx, topic, nil, payload)
}

func (p *kafkaProducer) PublishKeyed(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrMissingTopic
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("queue: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
