// Package proofworker consumes stub requests from the queue, proves them and
// publishes the outcome: stored successes to the result topic and everything
// else to the dead-letter topic.
package proofworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/leases"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/queue"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

var ErrInvalidConfig = errors.New("proofworker: invalid config")

const (
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeInvalidRequest = "invalid_request"
	errorCodeStorage        = "storage_error"
	errorCodeRedelivered    = "redelivery_limit"

	defaultMaxAcquisitions = 3
)

// Prover is the part of pipeline.Service the worker drives.
type Prover interface {
	GenerateProof(ctx context.Context, stub theorem.Stub, opts proof.Options) (pipeline.Result, error)
}

type Config struct {
	InputTopic      string
	ResultTopic     string
	DeadLetterTopic string

	MaxInflight int
	AckTimeout  time.Duration

	// Owner identifies this worker in stub leases.
	Owner    string
	LeaseTTL time.Duration
	// MaxAcquisitions dead-letters a stub whose lease has been taken this
	// many times without a release, i.e. its earlier holders died while
	// proving it.
	MaxAcquisitions int
}

type Worker struct {
	cfg Config

	prover   Prover
	consumer queue.Consumer
	producer queue.Producer
	leases   leases.Store
	log      *slog.Logger

	inflight    atomic.Int64
	proved      atomic.Uint64
	deadLetters atomic.Uint64
	skipped     atomic.Uint64
}

// New builds a worker. leaseStore may be nil when a single worker consumes
// the input topic.
func New(cfg Config, prover Prover, consumer queue.Consumer, producer queue.Producer, leaseStore leases.Store, log *slog.Logger) (*Worker, error) {
	if prover == nil || consumer == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.MaxAcquisitions <= 0 {
		cfg.MaxAcquisitions = defaultMaxAcquisitions
	}
	if cfg.InputTopic == "" || cfg.ResultTopic == "" || cfg.DeadLetterTopic == "" {
		return nil, fmt.Errorf("%w: input/result/dead-letter topics are required", ErrInvalidConfig)
	}
	if leaseStore != nil && cfg.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required with a lease store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		prover:   prover,
		consumer: consumer,
		producer: producer,
		leases:   leaseStore,
		log:      log,
	}, nil
}

// Run processes messages until ctx is done or the consumer closes. At most
// MaxInflight stubs are proved at once.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("proof worker queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				w.inflight.Add(1)
				defer w.inflight.Add(-1)
				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("proof worker handle message", "err", err)
				}
			}(msg)
		}
	}
}

// handleMessage acks only once the outcome has been published. A returned
// error leaves the message unacked for redelivery.
func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	req, err := proof.DecodeStubRequest(msg.Value)
	if err != nil {
		if perr := w.publishDeadLetter(ctx, msg.Key, proof.DeadLetter{
			ErrorCode: errorCodeInvalidPayload,
			Message:   err.Error(),
			Payload:   msg.Value,
		}); perr != nil {
			return perr
		}
		w.emitMetrics(msg.Timestamp, false)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}
	stubKey := []byte(contenthash.Hex(req.Stub.ContentHash))
	log := w.log.With("request_id", req.RequestID, "stub_id", req.Stub.ID)

	runCtx := ctx
	if w.leases != nil {
		held, ok, err := leases.Hold(ctx, w.leases, leases.StubLeaseName(string(stubKey)), w.cfg.Owner, w.cfg.LeaseTTL, w.log)
		if err != nil {
			return fmt.Errorf("acquire stub lease: %w", err)
		}
		if !ok {
			// Another worker is proving this stub and will publish the outcome.
			log.Info("stub already leased, skipping")
			w.skipped.Add(1)
			ackMessage(msg, w.cfg.AckTimeout, w.log)
			return nil
		}
		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release stub lease", "err", err)
			}
		}()
		if n := held.Lease().Acquisitions; n > w.cfg.MaxAcquisitions {
			log.Error("stub redelivered after repeated worker loss",
				"acquisitions", n,
				"severity", "high",
			)
			if err := w.publishDeadLetter(ctx, stubKey, proof.DeadLetter{
				RequestID:   req.RequestID,
				StubID:      req.Stub.ID,
				Severity:    "high",
				ErrorCode:   errorCodeRedelivered,
				Message:     fmt.Sprintf("stub lease acquired %d times without completion", n),
				ContentHash: contenthash.Hex(req.Stub.ContentHash),
			}); err != nil {
				return err
			}
			w.emitMetrics(msg.Timestamp, false)
			ackMessage(msg, w.cfg.AckTimeout, w.log)
			return nil
		}
		runCtx = held.Context()
	}

	res, err := w.prover.GenerateProof(runCtx, req.Stub, req.Options)
	if ctx.Err() != nil {
		// Shutting down. Leave the message for redelivery.
		log.Info("proof abandoned on shutdown", "err", ctx.Err())
		return nil
	}
	if runCtx.Err() != nil && err == nil && res.Artifact.Status == proof.StatusCancelled {
		return fmt.Errorf("stub lease lost for %s", req.Stub.ID)
	}

	var dl proof.DeadLetter
	switch {
	case err != nil && res.Artifact.ID == "":
		dl = proof.DeadLetter{
			RequestID: req.RequestID,
			StubID:    req.Stub.ID,
			ErrorCode: errorCodeInvalidRequest,
			Message:   err.Error(),
		}
	case err != nil:
		dl = proof.DeadLetterFor(req.RequestID, res.Artifact)
		dl.ErrorCode = errorCodeStorage
		dl.Message = err.Error()
	case res.Artifact.Status == proof.StatusSuccess:
		payload, err := proof.EncodeResultMessage(proof.ResultMessage{
			RequestID: req.RequestID,
			Artifact:  res.Artifact,
			Key:       res.Ack.Key,
			Version:   1,
		})
		if err != nil {
			return err
		}
		if err := w.producer.PublishKeyed(ctx, w.cfg.ResultTopic, stubKey, payload); err != nil {
			return err
		}
		w.proved.Add(1)
		w.emitMetrics(msg.Timestamp, true)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	default:
		dl = proof.DeadLetterFor(req.RequestID, res.Artifact)
	}

	if dl.Severity != "" {
		log.Error("routing artifact to dead letter",
			"status", dl.Status,
			"severity", dl.Severity,
			"error_code", dl.ErrorCode,
			"message", dl.Message,
		)
	} else {
		log.Warn("routing artifact to dead letter",
			"status", dl.Status,
			"error_code", dl.ErrorCode,
			"message", dl.Message,
		)
	}
	if err := w.publishDeadLetter(ctx, stubKey, dl); err != nil {
		return err
	}
	w.emitMetrics(msg.Timestamp, false)
	ackMessage(msg, w.cfg.AckTimeout, w.log)
	return nil
}

func (w *Worker) publishDeadLetter(ctx context.Context, key []byte, dl proof.DeadLetter) error {
	payload, err := proof.EncodeDeadLetter(dl)
	if err != nil {
		return err
	}
	if err := w.producer.PublishKeyed(ctx, w.cfg.DeadLetterTopic, key, payload); err != nil {
		return err
	}
	w.deadLetters.Add(1)
	return nil
}

func (w *Worker) emitMetrics(ts time.Time, success bool) {
	lagSeconds := float64(0)
	if !ts.IsZero() {
		lag := time.Since(ts)
		if lag > 0 {
			lagSeconds = lag.Seconds()
		}
	}
	w.log.Info("proof worker metrics",
		"queue_lag_seconds", lagSeconds,
		"in_flight_stubs", w.inflight.Load(),
		"proved_count", w.proved.Load(),
		"dead_letter_count", w.deadLetters.Load(),
		"skipped_count", w.skipped.Load(),
		"success", success,
	)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("proof worker ack message", "err", err)
	}
}
