// Package pipeline is the service surface of the proof pipeline: it compiles
// invariant sets, orchestrates proofs and persists what they produce.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/orchestrator"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/reasoning"
	"github.com/spec-to-proof/spec-to-proof/internal/sandbox"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConcurrency   = 4
	defaultHealthTimeout = 5 * time.Second
)

var ErrInvalidConfig = errors.New("pipeline: invalid config")

type Config struct {
	// Concurrency bounds GenerateProofs. Defaults to 4.
	Concurrency   int
	HealthTimeout time.Duration
}

type Deps struct {
	Compiler     *theorem.Compiler
	Orchestrator *orchestrator.Orchestrator
	Store        *artifactstore.Store
	// Provider and Verifier are probed by HealthCheck; they should be the
	// ones the orchestrator was built with.
	Provider reasoning.Provider
	Verifier sandbox.Verifier
	Logger   *slog.Logger
}

// Result is a stored proof artifact.
type Result struct {
	Artifact proof.Artifact    `json:"artifact"`
	Ack      artifactstore.Ack `json:"ack"`
}

type Service struct {
	cfg      Config
	compiler *theorem.Compiler
	orch     *orchestrator.Orchestrator
	store    *artifactstore.Store
	provider reasoning.Provider
	verifier sandbox.Verifier
	log      *slog.Logger

	inflight singleflight.Group
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Orchestrator == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: orchestrator and store are required", ErrInvalidConfig)
	}
	if cfg.Concurrency < 0 || cfg.HealthTimeout < 0 {
		return nil, fmt.Errorf("%w: negative limits", ErrInvalidConfig)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if deps.Compiler == nil {
		deps.Compiler = theorem.NewCompiler(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:      cfg,
		compiler: deps.Compiler,
		orch:     deps.Orchestrator,
		store:    deps.Store,
		provider: deps.Provider,
		verifier: deps.Verifier,
		log:      deps.Logger,
	}, nil
}

// CompileInvariantSet is pure: it neither stores the stubs nor calls out.
func (s *Service) CompileInvariantSet(set theorem.InvariantSet) ([]theorem.Stub, error) {
	stubs, err := s.compiler.CompileSet(set)
	if err != nil {
		s.log.Warn("invariant set rejected", "set_id", set.ID, "err", err)
		return nil, err
	}
	s.log.Info("invariant set compiled", "set_id", set.ID, "stubs", len(stubs))
	return stubs, nil
}

// GenerateProof stores the stub, orchestrates it to a terminal artifact and
// stores the artifact. Concurrent calls for the same stub and options share
// one orchestration.
//
// A returned error means the stub or options were invalid, or the artifact
// could not be stored. In the latter case the unstored artifact is still
// returned in the Result.
func (s *Service) GenerateProof(ctx context.Context, stub theorem.Stub, opts proof.Options) (Result, error) {
	if err := stub.Validate(); err != nil {
		return Result{}, err
	}
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	key := contenthash.Hex(stub.ContentHash) + "/" + strconv.Itoa(opts.MaxAttempts) + "/" + strconv.Itoa(opts.TimeoutSeconds)
	v, err, shared := s.inflight.Do(key, func() (any, error) {
		return s.generate(ctx, stub, opts)
	})
	res, _ := v.(Result)
	if shared {
		s.log.Debug("joined in-flight orchestration", "stub_id", stub.ID)
	}
	return res, err
}

func (s *Service) generate(ctx context.Context, stub theorem.Stub, opts proof.Options) (Result, error) {
	if _, err := s.store.PutStub(ctx, stub); err != nil {
		return Result{}, fmt.Errorf("store stub %s: %w", stub.ID, err)
	}
	a, err := s.orch.Run(ctx, stub, opts)
	if err != nil {
		return Result{}, err
	}
	// The run may have been cancelled; the artifact is still written.
	ack, err := s.store.PutArtifact(context.WithoutCancel(ctx), a)
	if err != nil {
		s.log.Error("artifact not stored",
			"stub_id", stub.ID,
			"content_hash", contenthash.Hex(a.ContentHash),
			"status", a.Status,
			"err", err,
		)
		return Result{Artifact: a}, fmt.Errorf("store artifact %s: %w", a.ID, err)
	}
	return Result{Artifact: a, Ack: ack}, nil
}

// BatchResult is one stub's outcome from GenerateProofs. Err is set when the
// stub was invalid or its artifact could not be stored; the Result may still
// carry the unstored artifact.
type BatchResult struct {
	StubID string
	Result
	Err error
}

// GenerateProofs proves stubs concurrently, at most Concurrency at a time.
// Results are in stub order and one stub failing never stops the others.
// The error is non-nil only when opts are invalid.
func (s *Service) GenerateProofs(ctx context.Context, stubs []theorem.Stub, opts proof.Options) ([]BatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	out := make([]BatchResult, len(stubs))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, st := range stubs {
		g.Go(func() error {
			res, err := s.GenerateProof(ctx, st, opts)
			if err != nil {
				err = fmt.Errorf("stub %s: %w", st.ID, err)
			}
			out[i] = BatchResult{StubID: st.ID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// StreamArtifact uploads a finished artifact in chunks. Pass the session
// returned with an error back in to resume.
func (s *Service) StreamArtifact(ctx context.Context, a proof.Artifact, resume *artifactstore.UploadSession) (artifactstore.UploadSession, error) {
	sess, err := s.store.StreamArtifact(ctx, a, resume)
	if err != nil {
		s.log.Warn("artifact upload interrupted",
			"session_id", sess.ID,
			"content_hash", contenthash.Hex(a.ContentHash),
			"completed_parts", len(sess.CompletedParts),
			"err", err,
		)
		return sess, err
	}
	return sess, nil
}

func (s *Service) GetArtifact(ctx context.Context, h common.Hash) (proof.Artifact, error) {
	return s.store.GetArtifact(ctx, h)
}

func (s *Service) GetStub(ctx context.Context, h common.Hash) (theorem.Stub, error) {
	return s.store.GetStub(ctx, h)
}

func (s *Service) Versions(ctx context.Context, theoremName string) ([]artifactstore.Version, error) {
	return s.store.Versions(ctx, theoremName)
}
