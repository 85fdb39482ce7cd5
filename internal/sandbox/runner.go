package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

type command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
	// Attr is applied to the child before start. Nil means a plain child in
	// its own process group.
	Attr *syscall.SysProcAttr
	// TailBytes bounds how much of stdout and stderr is retained.
	TailBytes int
}

type runResult struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Signal    string
	OOMKilled bool
	Usage     ResourceUsage
}

// runFunc starts cmd and waits for it. It returns an error only when the
// process could not be started; a non-zero exit is reported in runResult.
// When ctx ends the whole process group is killed.
type runFunc func(ctx context.Context, cmd command) (runResult, error)

const killGrace = 2 * time.Second

func runCommand(ctx context.Context, c command) (runResult, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	stdout := newTailBuffer(c.TailBytes)
	stderr := newTailBuffer(c.TailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = withProcessGroup(c.Attr)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	wall := time.Since(start)

	if cmd.ProcessState == nil {
		return runResult{}, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && ctx.Err() == nil && !errors.Is(err, exec.ErrWaitDelay) {
		return runResult{}, err
	}

	res := runResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Signal:   terminationSignal(cmd.ProcessState),
		Usage:    usageOf(cmd.ProcessState),
	}
	res.Usage.WallTimeMS = wall.Milliseconds()
	return res, nil
}
