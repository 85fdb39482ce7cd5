//go:build !linux

package sandbox

import (
	"fmt"
	"os"
	"time"
)

func namespaceSupported() error {
	return fmt.Errorf("%w: namespace mode requires linux", ErrUnavailable)
}

func (e *Executor) namespaceCommand(string, string, time.Duration) (command, error) {
	return command{}, namespaceSupported()
}

func runInit() int {
	fmt.Fprintln(os.Stderr, "sandbox init: namespace mode requires linux")
	return initSetupFailed
}
