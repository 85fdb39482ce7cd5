//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

func withProcessGroup(attr *syscall.SysProcAttr) *syscall.SysProcAttr {
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.Setpgid = true
	return attr
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return cmd.Process.Kill()
	}
	return nil
}

func terminationSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}

func usageOf(ps *os.ProcessState) ResourceUsage {
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return ResourceUsage{}
	}
	cpu := ps.UserTime() + ps.SystemTime()
	peak := int64(ru.Maxrss)
	if runtime.GOOS == "linux" {
		// Linux reports kilobytes, darwin bytes.
		peak *= 1024
	}
	return ResourceUsage{CPUTimeMS: cpu.Milliseconds(), PeakMemoryBytes: peak}
}
