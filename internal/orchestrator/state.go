package orchestrator

import (
	"context"
	"time"
)

// State is a step of one orchestration. Runs move
//
//	idle -> guarding_input -> calling -> guarding_output -> verifying
//
// and from verifying to succeeded, or to retrying and back to calling, or to
// exhausted. Any state may move to aborted.
type State string

const (
	StateIdle           State = "idle"
	StateGuardingInput  State = "guarding_input"
	StateCalling        State = "calling"
	StateGuardingOutput State = "guarding_output"
	StateVerifying      State = "verifying"
	StateRetrying       State = "retrying"
	StateSucceeded      State = "succeeded"
	StateExhausted      State = "exhausted"
	StateAborted        State = "aborted"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateAborted
}

var transitions = map[State][]State{
	StateIdle:           {StateGuardingInput},
	StateGuardingInput:  {StateCalling},
	StateCalling:        {StateGuardingOutput, StateRetrying, StateExhausted},
	StateGuardingOutput: {StateVerifying, StateRetrying, StateExhausted},
	StateVerifying:      {StateSucceeded, StateRetrying, StateExhausted},
	StateRetrying:       {StateCalling},
}

func allowed(from, to State) bool {
	if to == StateAborted {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transition struct {
	StubID  string
	Attempt int
	From    State
	To      State
	At      time.Time
	Reason  string
}

// Clock is the time source for timestamps and back-off. Sleep returns early
// with the context's error when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
