package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer reads one message per line. Blank lines and lines starting
// with '#' are skipped so request files can carry comments.
type stdioConsumer struct {
	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) Consumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go c.scan(ctx, r, maxLine)
	return c
}

func (c *stdioConsumer) scan(ctx context.Context, r io.Reader, maxLine int) {
	defer close(c.msgs)
	defer close(c.errs)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	var line int64
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		msg := Message{
			Value:     append([]byte(nil), b...),
			Offset:    line,
			Timestamp: time.Now().UTC(),
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgs }
func (c *stdioConsumer) Errors() <-chan error     { return c.errs }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes each payload as one line. Topics and keys are
// dropped: the pipe is a single ordered stream.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.PublishKeyed(ctx, topic, nil, payload)
}

func (p *stdioProducer) PublishKeyed(_ context.Context, _ string, _, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(line, bytes.TrimRight(payload, "\n")...)
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
