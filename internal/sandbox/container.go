package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	containerWorkDir = "/scratch"
	containerSrcDir  = "/work"
)

func containerName(runID string) string { return "spec-to-proof-verify-" + runID }

func (e *Executor) containerCommand(runID string, c Candidate, srcDir, _ string) command {
	p := e.cfg.Policy
	args := []string{
		"run", "--rm",
		"--name=" + containerName(runID),
		"--label=spec-to-proof.stub=" + c.StubID,
		"--network=none",
		"--ipc=none",
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		fmt.Sprintf("--user=%d:%d", p.RunAsUser, p.RunAsGroup),
		"--cpus=" + strconv.FormatFloat(p.Limits.CPUCores, 'f', -1, 64),
		"--memory=" + strconv.FormatInt(p.Limits.MemoryBytes, 10),
		"--memory-swap=" + strconv.FormatInt(p.Limits.MemoryBytes, 10),
		"--pids-limit=" + strconv.Itoa(p.Limits.Pids),
		fmt.Sprintf("--ulimit=nofile=%d:%d", p.Limits.FileDescriptors, p.Limits.FileDescriptors),
		fmt.Sprintf("--tmpfs=%s:rw,noexec,nosuid,nodev,size=%d", containerWorkDir, p.Limits.ScratchBytes),
		"--volume=" + srcDir + ":" + containerSrcDir + ":ro",
		"--workdir=" + containerWorkDir,
		"--env=HOME=" + containerWorkDir,
	}
	if prof := strings.TrimSpace(p.SeccompProfile); prof != "" && prof != "runtime/default" {
		args = append(args, "--security-opt=seccomp="+prof)
	}
	args = append(args, p.Image, p.Verifier)
	args = append(args, p.VerifierArgs...)
	args = append(args, containerSrcDir+"/"+sourceFileName)
	return command{Path: e.cfg.Runtime, Args: args}
}

// killContainer removes a container whose client was killed. The runtime
// keeps the container running otherwise.
func (e *Executor) killContainer(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.run(ctx, command{Path: e.cfg.Runtime, Args: []string{"kill", containerName(runID)}, TailBytes: 512})
	if err != nil || (res.ExitCode != 0 && !strings.Contains(strings.ToLower(string(res.Stderr)), "no such container")) {
		e.log.Warn("kill container", "name", containerName(runID), "err", err, "exit_code", res.ExitCode)
	}
}

// containerOOM reports the runtime's exit code for a container killed by the
// kernel, which surfaces as 128+SIGKILL.
func containerOOM(res runResult) bool { return res.ExitCode == 137 }
