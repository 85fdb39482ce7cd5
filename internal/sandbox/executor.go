// Package sandbox runs the Lean checker against candidate proofs inside an
// isolated, resource-limited environment.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	// ModeContainer runs the checker through a container runtime (docker or
	// podman).
	ModeContainer Mode = "container"
	// ModeNamespace runs the checker directly under fresh Linux namespaces.
	ModeNamespace Mode = "namespace"
)

const (
	DefaultTailBytes = 4 << 10
	sourceFileName   = "Proof.lean"

	// initSetupFailed is the exit code of a launcher (container runtime or
	// namespace init) that could not build the sandbox.
	initSetupFailed = 125
)

type Config struct {
	Mode   Mode
	Policy Policy

	// Runtime is the container CLI for ModeContainer. Defaults to docker.
	Runtime string
	// ScratchRoot is the parent directory for per-run scratch areas.
	ScratchRoot string
	// SelfExe is re-executed as the namespace init in ModeNamespace.
	// Defaults to os.Executable.
	SelfExe   string
	TailBytes int
}

// Executor implements Verifier.
type Executor struct {
	cfg Config
	log *slog.Logger

	run   runFunc
	newID func() string
	now   func() time.Time
}

func New(cfg Config, log *slog.Logger) (*Executor, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeContainer:
		if cfg.Runtime == "" {
			cfg.Runtime = "docker"
		}
		if cfg.Runtime != "docker" && cfg.Runtime != "podman" {
			return nil, fmt.Errorf("%w: unsupported runtime %q", ErrInvalidConfig, cfg.Runtime)
		}
		if strings.TrimSpace(cfg.Policy.Image) == "" {
			return nil, fmt.Errorf("%w: container mode needs an image", ErrInvalidConfig)
		}
	case ModeNamespace:
		if err := namespaceSupported(); err != nil {
			return nil, err
		}
		if cfg.SelfExe == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("%w: resolve executable: %v", ErrInvalidConfig, err)
			}
			cfg.SelfExe = exe
		}
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = DefaultTailBytes
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Executor{
		cfg:   cfg,
		log:   log,
		run:   runCommand,
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}, nil
}

func (e *Executor) Policy() Policy { return e.cfg.Policy }

func (e *Executor) Verify(ctx context.Context, c Candidate, timeout time.Duration) (Verdict, error) {
	if e == nil || e.run == nil {
		return Verdict{}, fmt.Errorf("%w: nil executor", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Source) == "" {
		return Verdict{}, fmt.Errorf("%w: empty candidate source", ErrInvalidConfig)
	}
	if timeout <= 0 || timeout > e.cfg.Policy.Timeout {
		timeout = e.cfg.Policy.Timeout
	}

	if reason, hit := screenEscape(c.ProofCode); hit {
		e.logFault(c, reason)
		return Verdict{Status: StatusSandboxFault, FaultReason: reason, ExitCode: -1}, nil
	}
	if reason, hit := screenSoundness(c.ProofCode); hit {
		return Verdict{Status: StatusRejected, Reason: reason, ExitCode: -1}, nil
	}
	if reason, fault, hit := screenSource(c.Source); hit {
		if fault {
			e.logFault(c, reason)
			return Verdict{Status: StatusSandboxFault, FaultReason: reason, ExitCode: -1}, nil
		}
		return Verdict{Status: StatusRejected, Reason: reason, ExitCode: -1}, nil
	}

	scratch, err := os.MkdirTemp(e.cfg.ScratchRoot, "verify-")
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: create scratch: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			e.log.Warn("remove scratch", "dir", scratch, "err", err)
		}
	}()
	srcDir := filepath.Join(scratch, "src")
	workDir := filepath.Join(scratch, "work")
	for _, d := range []string{srcDir, workDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return Verdict{}, fmt.Errorf("%w: create scratch: %v", ErrUnavailable, err)
		}
	}
	if err := os.Chmod(workDir, 0o777); err != nil {
		return Verdict{}, fmt.Errorf("%w: chmod scratch: %v", ErrUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, sourceFileName), []byte(c.Source), 0o444); err != nil {
		return Verdict{}, fmt.Errorf("%w: write source: %v", ErrUnavailable, err)
	}

	runID := e.newID()
	var cmd command
	switch e.cfg.Mode {
	case ModeContainer:
		cmd = e.containerCommand(runID, c, srcDir, workDir)
	case ModeNamespace:
		cmd, err = e.namespaceCommand(srcDir, workDir, timeout)
		if err != nil {
			return Verdict{}, err
		}
	}
	cmd.TailBytes = e.cfg.TailBytes

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	res, err := e.run(runCtx, cmd)
	elapsed := e.now().Sub(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	if e.cfg.Mode == ModeContainer && runCtx.Err() != nil {
		e.killContainer(runID)
	}
	if ctx.Err() != nil {
		return Verdict{}, ctx.Err()
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: start checker: %v", ErrUnavailable, err)
	}
	if !timedOut {
		if err := e.runtimeFailure(res); err != nil {
			return Verdict{}, err
		}
		if e.cfg.Mode == ModeContainer && containerOOM(res) {
			res.OOMKilled = true
		}
	}

	out := classify(res, timedOut)
	v := Verdict{
		Status:     out.status,
		StdoutTail: string(res.Stdout),
		StderrTail: string(res.Stderr),
		ExitCode:   res.ExitCode,
		DurationMS: elapsed.Milliseconds(),
		Usage:      res.Usage,
	}
	if v.Usage.WallTimeMS == 0 {
		v.Usage.WallTimeMS = v.DurationMS
	}
	switch out.status {
	case StatusSandboxFault:
		v.FaultReason = out.reason
		e.logFault(c, out.reason)
	case StatusRejected, StatusTimeout:
		v.Reason = out.reason
	}
	e.log.Info("verification finished",
		"stub_id", c.StubID,
		"status", v.Status,
		"duration_ms", v.DurationMS,
		"cpu_ms", v.Usage.CPUTimeMS,
		"peak_memory_bytes", v.Usage.PeakMemoryBytes,
	)
	return v, nil
}

// runtimeFailure maps launcher exit codes that mean the sandbox itself could
// not be set up.
func (e *Executor) runtimeFailure(res runResult) error {
	switch res.ExitCode {
	case initSetupFailed, 126, 127:
		return fmt.Errorf("%w: sandbox setup failed (exit %d): %s", ErrUnavailable, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func (e *Executor) logFault(c Candidate, reason string) {
	e.log.Error("sandbox fault",
		"severity", "high",
		"stub_id", c.StubID,
		"strategy", c.Strategy,
		"reason", reason,
	)
}

// Ready reports whether the executor can start a verification run.
func (e *Executor) Ready(ctx context.Context) error {
	switch e.cfg.Mode {
	case ModeContainer:
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		res, err := e.run(ctx, command{
			Path:      e.cfg.Runtime,
			Args:      []string{"version", "--format", "{{.Server.Version}}"},
			TailBytes: 512,
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, e.cfg.Runtime, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: %s version exited %d", ErrUnavailable, e.cfg.Runtime, res.ExitCode)
		}
		return nil
	default:
		return namespaceSupported()
	}
}
