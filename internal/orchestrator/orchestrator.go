// Package orchestrator drives one theorem stub through guarded reasoning
// calls and sandboxed verification until it is proved or the attempts run out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/guard"
	"github.com/spec-to-proof/spec-to-proof/internal/metrics"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/reasoning"
	"github.com/spec-to-proof/spec-to-proof/internal/sandbox"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseBackoff    = time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultCallTimeout    = 2 * time.Minute

	// MaxBackoff caps the delay between attempts.
	MaxBackoff = time.Minute

	// maxFeedbackBytes bounds the checker output echoed into a retry prompt.
	maxFeedbackBytes = 1024
)

var ErrInvalidConfig = errors.New("orchestrator: invalid config")

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// AttemptTimeout is the default verifier wall-clock limit.
	AttemptTimeout time.Duration
	// CallTimeout bounds one reasoning call.
	CallTimeout     time.Duration
	MaxTokens       int
	CostPer1kTokens float64
}

// Budget reports whether the shared token budget is spent.
type Budget interface {
	BudgetExhausted() bool
}

type Deps struct {
	Provider reasoning.Provider
	Verifier sandbox.Verifier
	Guard    *guard.Guard
	Recorder metrics.Recorder
	Budget   Budget
	Clock    Clock
	Logger   *slog.Logger
	// OnTransition observes every state change. It runs on the
	// orchestration goroutine and must not block.
	OnTransition func(Transition)
}

type Orchestrator struct {
	cfg          Config
	provider     reasoning.Provider
	verifier     sandbox.Verifier
	guard        *guard.Guard
	recorder     metrics.Recorder
	budget       Budget
	clock        Clock
	log          *slog.Logger
	onTransition func(Transition)
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Provider == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("%w: provider and verifier are required", ErrInvalidConfig)
	}
	if cfg.MaxAttempts < 0 || cfg.BaseBackoff < 0 || cfg.AttemptTimeout < 0 || cfg.CallTimeout < 0 || cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: negative limits", ErrInvalidConfig)
	}
	if cfg.MaxAttempts > proof.MaxAttemptsLimit {
		return nil, fmt.Errorf("%w: max attempts above %d", ErrInvalidConfig, proof.MaxAttemptsLimit)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	o := &Orchestrator{
		cfg:          cfg,
		provider:     deps.Provider,
		verifier:     deps.Verifier,
		guard:        deps.Guard,
		recorder:     deps.Recorder,
		budget:       deps.Budget,
		clock:        deps.Clock,
		log:          deps.Logger,
		onTransition: deps.OnTransition,
	}
	if o.guard == nil {
		o.guard = guard.New(guard.Config{})
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop{}
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

// Backoff returns the delay before the given attempt (numbered from 1). It
// doubles from BaseBackoff and saturates at MaxBackoff.
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := o.cfg.BaseBackoff
	for i := 2; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Run proves one stub. Every run that starts ends in exactly one sealed
// artifact; an error is returned only when the stub or options are invalid.
func (o *Orchestrator) Run(ctx context.Context, stub theorem.Stub, opts proof.Options) (proof.Artifact, error) {
	if err := stub.Validate(); err != nil {
		return proof.Artifact{}, err
	}
	if err := opts.Validate(); err != nil {
		return proof.Artifact{}, err
	}
	r := &run{
		o:        o,
		stub:     stub,
		seed:     contenthash.Seed(stub.ContentHash),
		template: reasoning.TemplateProofCompletion,
		maxAtt:   o.cfg.MaxAttempts,
		timeout:  o.cfg.AttemptTimeout,
		started:  o.clock.Now(),
		state:    StateIdle,
		log:      o.log.With("stub_id", stub.ID, "theorem", stub.TheoremName),
	}
	if opts.MaxAttempts > 0 {
		r.maxAtt = opts.MaxAttempts
	}
	if opts.TimeoutSeconds > 0 {
		r.timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	if stub.IsTrivialArithmetic() {
		r.template = reasoning.TemplateTrivialInvariant
	}
	return r.execute(ctx)
}

type run struct {
	o        *Orchestrator
	stub     theorem.Stub
	seed     int64
	template reasoning.TemplateName
	maxAtt   int
	timeout  time.Duration
	started  time.Time
	log      *slog.Logger

	state    State
	attempts []proof.Attempt
	tokens   reasoning.Usage
	usage    sandbox.ResourceUsage
	model    string
}

// result is how the loop ends.
type result struct {
	status   proof.Status
	reason   string
	accepted *reasoning.Completion
	source   string
}

func (r *run) to(next State, attempt int, reason string) {
	if !allowed(r.state, next) {
		// Programming error; keep going so the run still produces an artifact.
		r.log.Error("illegal state transition", "from", r.state, "to", next)
	}
	t := Transition{StubID: r.stub.ID, Attempt: attempt, From: r.state, To: next, At: r.o.clock.Now(), Reason: reason}
	r.state = next
	r.log.Debug("state transition", "attempt", attempt, "from", t.From, "to", t.To, "reason", reason)
	if r.o.onTransition != nil {
		r.o.onTransition(t)
	}
}

func (r *run) execute(ctx context.Context) (proof.Artifact, error) {
	r.to(StateGuardingInput, 0, "")
	if v := r.o.guard.ScanInput(r.stub.LeanCode); !v.Clean {
		r.to(StateAborted, 0, v.String())
		r.log.Warn("stub rejected by input guard", "rule", v.Rule)
		return r.finish(result{status: proof.StatusRejectedInput, reason: "input guard: " + v.String()})
	}
	return r.finish(r.loop(ctx))
}

func (r *run) loop(ctx context.Context) result {
	feedback := ""
	for n := 1; n <= r.maxAtt; n++ {
		att := proof.Attempt{Number: n}
		if n > 1 {
			d := r.o.Backoff(n)
			r.to(StateRetrying, n, r.attempts[len(r.attempts)-1].Reason)
			att.BackoffMS = d.Milliseconds()
			if err := r.o.clock.Sleep(ctx, d); err != nil {
				r.to(StateAborted, n, "cancelled")
				return result{status: proof.StatusCancelled, reason: "cancelled during back-off: " + err.Error()}
			}
		}
		if err := ctx.Err(); err != nil {
			r.to(StateAborted, n, "cancelled")
			return result{status: proof.StatusCancelled, reason: "cancelled: " + err.Error()}
		}
		if r.o.budget != nil && r.o.budget.BudgetExhausted() {
			att.StartedAt = r.o.clock.Now()
			att.Outcome = proof.OutcomeBudgetExhausted
			att.Reason = "token budget exhausted"
			r.attempts = append(r.attempts, att)
			r.to(StateAborted, n, att.Reason)
			return result{status: proof.StatusError, reason: "budget_exhausted"}
		}

		res, done := r.attempt(ctx, &att, feedback)
		r.attempts = append(r.attempts, att)
		if done {
			return res
		}
		feedback = ""
		if att.Outcome == proof.OutcomeRejected || att.Outcome == proof.OutcomeTimeout {
			feedback = r.feedback(att)
		}
	}

	last := r.attempts[len(r.attempts)-1]
	r.to(StateExhausted, last.Number, last.Reason)
	status := proof.StatusFailed
	if last.Outcome == proof.OutcomeTimeout {
		status = proof.StatusTimeout
	}
	return result{status: status, reason: fmt.Sprintf("exhausted %d attempts: %s: %s", len(r.attempts), last.Outcome, last.Reason)}
}

// attempt runs call, guard and verify once. done reports a terminal result.
func (r *run) attempt(ctx context.Context, att *proof.Attempt, feedback string) (result, bool) {
	att.StartedAt = r.o.clock.Now()
	defer func() { att.DurationMS = r.o.clock.Now().Sub(att.StartedAt).Milliseconds() }()

	system, user, err := reasoning.Render(r.template, reasoning.PromptVars{TheoremCode: r.stub.LeanCode, Feedback: feedback})
	if err != nil {
		r.to(StateAborted, att.Number, err.Error())
		att.Outcome = proof.OutcomeServiceError
		att.Reason = err.Error()
		return result{status: proof.StatusError, reason: err.Error()}, true
	}
	att.PromptDigest = contenthash.Hex(contenthash.Sum(contenthash.DomainPrompt, []byte(system+"\x00"+user)))

	r.to(StateCalling, att.Number, "")
	callCtx, cancel := context.WithTimeout(ctx, r.o.cfg.CallTimeout)
	callStart := r.o.clock.Now()
	comp, err := r.o.provider.Complete(callCtx, reasoning.Request{
		StubID:    r.stub.ID,
		System:    system,
		Prompt:    user,
		MaxTokens: r.o.cfg.MaxTokens,
		Seed:      r.seed,
	})
	cancel()
	callDur := r.o.clock.Now().Sub(callStart)
	if err != nil {
		r.o.recorder.ReasoningCall(r.o.provider.Name(), "error", 0, 0, callDur)
		if ctx.Err() != nil {
			att.Outcome = proof.OutcomeCancelled
			att.Reason = ctx.Err().Error()
			r.to(StateAborted, att.Number, "cancelled")
			return result{status: proof.StatusCancelled, reason: "cancelled during reasoning call: " + ctx.Err().Error()}, true
		}
		att.Outcome = proof.OutcomeServiceError
		att.Reason = err.Error()
		if !reasoning.IsRetryable(err) {
			r.to(StateAborted, att.Number, att.Reason)
			r.log.Error("reasoning service failed permanently", "attempt", att.Number, "err", err)
			return result{status: proof.StatusError, reason: "reasoning service: " + err.Error()}, true
		}
		r.log.Warn("reasoning call failed", "attempt", att.Number, "err", err)
		return result{}, false
	}
	r.o.recorder.ReasoningCall(r.o.provider.Name(), "ok", comp.Usage.InputTokens, comp.Usage.OutputTokens, callDur)
	att.Tokens = comp.Usage
	att.ProofCode = comp.ProofCode
	att.Strategy = comp.Strategy
	att.RawCompletion = proof.ClipRawCompletion(comp.Raw)
	r.tokens.InputTokens += comp.Usage.InputTokens
	r.tokens.OutputTokens += comp.Usage.OutputTokens
	if comp.Model != "" {
		r.model = comp.Model
	}

	r.to(StateGuardingOutput, att.Number, "")
	v := r.o.guard.ScanOutput(comp.ProofCode)
	if v.Clean && comp.Raw != "" && comp.Raw != comp.ProofCode {
		v = r.o.guard.ScanOutput(comp.Raw)
	}
	att.GuardVerdict = v.String()
	if !v.Clean {
		att.Outcome = proof.OutcomeGuardRejected
		att.Reason = "output guard: " + v.String()
		r.log.Warn("completion rejected by output guard", "attempt", att.Number, "rule", v.Rule)
		return result{}, false
	}
	source, err := r.stub.WithProof(comp.ProofCode)
	if err != nil {
		att.Outcome = proof.OutcomeRejected
		att.Reason = err.Error()
		return result{}, false
	}

	r.to(StateVerifying, att.Number, "")
	verdict, err := r.o.verifier.Verify(ctx, sandbox.Candidate{
		StubID:    r.stub.ID,
		Source:    source,
		ProofCode: comp.ProofCode,
		Strategy:  comp.Strategy,
	}, r.timeout)
	if err != nil {
		if ctx.Err() != nil {
			att.Outcome = proof.OutcomeCancelled
			att.Reason = ctx.Err().Error()
			r.to(StateAborted, att.Number, "cancelled")
			return result{status: proof.StatusCancelled, reason: "cancelled during verification: " + ctx.Err().Error()}, true
		}
		att.Outcome = proof.OutcomeServiceError
		att.Reason = err.Error()
		r.to(StateAborted, att.Number, att.Reason)
		r.log.Error("verifier unavailable", "attempt", att.Number, "err", err)
		return result{status: proof.StatusError, reason: "verifier: " + err.Error()}, true
	}
	r.o.recorder.SandboxRun(string(verdict.Status), time.Duration(verdict.Usage.WallTimeMS)*time.Millisecond)
	att.Usage = verdict.Usage
	att.StdoutTail = verdict.StdoutTail
	r.usage = r.usage.Add(verdict.Usage)
	if verdict.Status != sandbox.StatusAccepted && ctx.Err() != nil {
		// A checker killed by cancellation reports timeout or rejection.
		att.Outcome = proof.OutcomeCancelled
		att.Reason = ctx.Err().Error()
		r.to(StateAborted, att.Number, "cancelled")
		return result{status: proof.StatusCancelled, reason: "cancelled during verification: " + ctx.Err().Error()}, true
	}

	switch verdict.Status {
	case sandbox.StatusAccepted:
		att.Outcome = proof.OutcomeAccepted
		r.to(StateSucceeded, att.Number, "")
		return result{status: proof.StatusSuccess, accepted: &comp, source: source}, true
	case sandbox.StatusSandboxFault:
		att.Outcome = proof.OutcomeSandboxFault
		att.Reason = verdict.FaultReason
		r.to(StateAborted, att.Number, verdict.FaultReason)
		r.log.Error("sandbox fault, abandoning theorem",
			"attempt", att.Number,
			"severity", proof.StatusSandboxFault.Severity(),
			"reason", verdict.FaultReason,
		)
		return result{status: proof.StatusSandboxFault, reason: "sandbox fault: " + verdict.FaultReason}, true
	case sandbox.StatusTimeout:
		att.Outcome = proof.OutcomeTimeout
		att.Reason = verdict.Reason
		if att.Reason == "" {
			att.Reason = fmt.Sprintf("verifier timed out after %s", r.timeout)
		}
	default:
		att.Outcome = proof.OutcomeRejected
		att.Reason = verdict.Reason
	}
	r.log.Info("attempt failed", "attempt", att.Number, "outcome", att.Outcome, "reason", att.Reason)
	return result{}, false
}

// feedback returns the checker's complaint about the previous attempt if it
// passes the input guard. Checker output echoes model text, so it is
// screened like any other prompt input.
func (r *run) feedback(att proof.Attempt) string {
	text := strings.TrimSpace(att.Reason)
	if text == "" {
		return ""
	}
	if len(text) > maxFeedbackBytes {
		text = text[:maxFeedbackBytes]
	}
	if v := r.o.guard.ScanInput(text); !v.Clean {
		r.log.Warn("dropping checker feedback", "attempt", att.Number, "rule", v.Rule)
		return ""
	}
	return text
}

func (r *run) finish(res result) (proof.Artifact, error) {
	a := proof.Artifact{
		StubID:        r.stub.ID,
		StubHash:      r.stub.ContentHash,
		TheoremName:   r.stub.TheoremName,
		Status:        res.status,
		FailureReason: res.reason,
		Attempts:      r.attempts,
		CreatedAt:     r.o.clock.Now().UTC(),
		Metadata: proof.Metadata{
			Provider:      r.o.provider.Name(),
			Model:         r.model,
			Template:      string(r.template),
			Seed:          r.seed,
			Tokens:        r.tokens,
			CostEstimate:  metrics.EstimateCost(int64(r.tokens.Total()), r.o.cfg.CostPer1kTokens),
			ResourceUsage: r.usage,
		},
	}
	if a.Attempts == nil {
		a.Attempts = []proof.Attempt{}
	}
	if c := res.accepted; c != nil {
		a.ProofCode = c.ProofCode
		a.LeanSource = res.source
		a.FailureReason = ""
		a.Metadata.Strategy = c.Strategy
		a.Metadata.TacticsUsed = proof.Tactics(c.ProofCode)
		a.Metadata.Difficulty = proof.EstimateDifficulty(c.ProofCode)
		a.Metadata.Confidence = 1
	}
	if err := a.Seal(); err != nil {
		return proof.Artifact{}, err
	}

	elapsed := r.o.clock.Now().Sub(r.started)
	r.o.recorder.ArtifactFinished(string(a.Status), len(a.Attempts), elapsed)
	attrs := []any{
		"status", a.Status,
		"attempts", len(a.Attempts),
		"content_hash", contenthash.Hex(a.ContentHash),
		"duration_ms", elapsed.Milliseconds(),
	}
	switch {
	case a.Status == proof.StatusSuccess:
		r.log.Info("proof accepted", attrs...)
	case a.Status == proof.StatusSandboxFault:
		r.log.Error("proof orchestration ended", append(attrs, "severity", a.Severity, "reason", a.FailureReason)...)
	default:
		r.log.Warn("proof orchestration ended", append(attrs, "reason", a.FailureReason)...)
	}
	return a, nil
}
