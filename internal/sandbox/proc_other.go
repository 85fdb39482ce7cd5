//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

func withProcessGroup(attr *syscall.SysProcAttr) *syscall.SysProcAttr { return attr }

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func terminationSignal(*os.ProcessState) string { return "" }

func usageOf(ps *os.ProcessState) ResourceUsage {
	return ResourceUsage{CPUTimeMS: (ps.UserTime() + ps.SystemTime()).Milliseconds()}
}
