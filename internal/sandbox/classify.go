package sandbox

import (
	"regexp"
	"strings"
)

// Runtime messages that mean the checker tried something the sandbox
// refused. Errno names only match in their upper-case form.
var escapeMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bread-only file system\b`),
	regexp.MustCompile(`(?i)\boperation not permitted\b`),
	regexp.MustCompile(`(?i)\bpermission denied\b`),
	regexp.MustCompile(`(?i)\bnetwork is unreachable\b`),
	regexp.MustCompile(`(?i)\bcannot assign requested address\b`),
	regexp.MustCompile(`(?i)\bbad system call\b`),
	regexp.MustCompile(`\b(?:EROFS|EPERM|EACCES)\b`),
}

type outcome struct {
	status Status
	reason string
}

func classify(res runResult, timedOut bool) outcome {
	if timedOut {
		return outcome{status: StatusTimeout, reason: "wall-clock timeout"}
	}
	switch res.Signal {
	case "":
	case "bad system call":
		return outcome{status: StatusSandboxFault, reason: "seccomp violation (SIGSYS)"}
	case "CPU time limit exceeded":
		return outcome{status: StatusSandboxFault, reason: "cpu limit exceeded (SIGXCPU)"}
	case "file size limit exceeded":
		return outcome{status: StatusSandboxFault, reason: "scratch limit exceeded (SIGXFSZ)"}
	case "killed":
		return outcome{status: StatusSandboxFault, reason: "killed by resource limit"}
	default:
		return outcome{status: StatusRejected, reason: "terminated by signal: " + res.Signal}
	}
	if res.OOMKilled {
		return outcome{status: StatusSandboxFault, reason: "memory limit exceeded"}
	}

	if m, ok := deniedOperation(res.Stderr); ok {
		return outcome{status: StatusSandboxFault, reason: "sandbox denied operation: " + m}
	}

	combined := strings.ToLower(string(res.Stdout) + "\n" + string(res.Stderr))

	if res.ExitCode != 0 {
		return outcome{status: StatusRejected, reason: firstErrorLine(res)}
	}
	if strings.Contains(combined, "declaration uses 'sorry'") {
		return outcome{status: StatusRejected, reason: "proof still uses sorry"}
	}
	if strings.Contains(combined, "error:") {
		return outcome{status: StatusRejected, reason: firstErrorLine(res)}
	}
	return outcome{status: StatusAccepted}
}

// deniedOperation looks for a denial reported by the launcher or the kernel.
// Only stderr is read, and checker diagnostics are skipped since they quote
// user identifiers.
func deniedOperation(stderr []byte) (string, bool) {
	for _, line := range strings.Split(string(stderr), "\n") {
		if strings.Contains(line, sourceFileName+":") {
			continue
		}
		for _, re := range escapeMarkers {
			if m := re.FindString(line); m != "" {
				return strings.ToLower(m), true
			}
		}
	}
	return "", false
}

func firstErrorLine(res runResult) string {
	for _, out := range [][]byte{res.Stdout, res.Stderr} {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, "error") {
				return strings.TrimSpace(line)
			}
		}
	}
	return "checker exited with a non-zero status"
}
