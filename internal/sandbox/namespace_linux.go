//go:build linux

package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type initSpec struct {
	Scratch         string   `json:"scratch"`
	Source          string   `json:"source"`
	Verifier        string   `json:"verifier"`
	Args            []string `json:"args"`
	MemoryBytes     int64    `json:"memory_bytes"`
	CPUSeconds      uint64   `json:"cpu_seconds"`
	Pids            int      `json:"pids"`
	FileDescriptors int      `json:"file_descriptors"`
	ScratchBytes    int64    `json:"scratch_bytes"`
}

const sandboxPath = "/usr/local/bin:/usr/bin:/bin"

func namespaceSupported() error {
	if os.Getuid() == 0 {
		return fmt.Errorf("%w: namespace mode must not run as host root, use container mode", ErrInvalidConfig)
	}
	if _, err := os.Stat("/proc/self/ns/user"); err != nil {
		return fmt.Errorf("%w: user namespaces unavailable: %v", ErrUnavailable, err)
	}
	if b, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil && strings.TrimSpace(string(b)) == "0" {
		return fmt.Errorf("%w: unprivileged user namespaces are disabled", ErrUnavailable)
	}
	return nil
}

// namespaceCommand re-executes this binary as pid 1 of fresh user, mount,
// pid, network, ipc and uts namespaces. The init keeps CAP_SYS_ADMIN and
// CAP_SETPCAP only long enough to build the sandbox.
func (e *Executor) namespaceCommand(srcDir, workDir string, timeout time.Duration) (command, error) {
	p := e.cfg.Policy
	verifier, err := exec.LookPath(p.Verifier)
	if err != nil {
		return command{}, fmt.Errorf("%w: verifier %q: %v", ErrUnavailable, p.Verifier, err)
	}
	spec := initSpec{
		Scratch:         workDir,
		Source:          filepath.Join(srcDir, sourceFileName),
		Verifier:        verifier,
		Args:            p.VerifierArgs,
		MemoryBytes:     p.Limits.MemoryBytes,
		CPUSeconds:      uint64(math.Ceil(timeout.Seconds() * p.Limits.CPUCores)),
		Pids:            p.Limits.Pids,
		FileDescriptors: p.Limits.FileDescriptors,
		ScratchBytes:    p.Limits.ScratchBytes,
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return command{}, fmt.Errorf("sandbox: encode init spec: %w", err)
	}

	attr := &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNET | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: int(p.RunAsUser), HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: int(p.RunAsGroup), HostID: os.Getgid(), Size: 1}},
		Credential:  &syscall.Credential{Uid: p.RunAsUser, Gid: p.RunAsGroup, NoSetGroups: true},
		AmbientCaps: []uintptr{unix.CAP_SYS_ADMIN, unix.CAP_SETPCAP},
		Pdeathsig:   syscall.SIGKILL,
	}
	return command{
		Path: e.cfg.SelfExe,
		Dir:  workDir,
		Env: []string{
			initEnvVar + "=" + string(b),
			"PATH=" + sandboxPath,
			"HOME=" + workDir,
		},
		Attr: attr,
	}, nil
}

func runInit() int {
	var spec initSpec
	if err := json.Unmarshal([]byte(os.Getenv(initEnvVar)), &spec); err != nil {
		return initFail("decode spec", err)
	}
	runtime.LockOSThread()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"private mounts", func() error { return unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, "") }},
		{"scratch tmpfs", func() error {
			return unix.Mount("tmpfs", spec.Scratch, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC,
				"size="+strconv.FormatInt(spec.ScratchBytes, 10)+",mode=0700")
		}},
		{"proc", func() error {
			return unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
		}},
		{"read-only root", func() error { return remountReadOnly(spec.Scratch) }},
		{"rlimits", func() error { return applyRlimits(spec) }},
		{"chdir", func() error { return unix.Chdir(spec.Scratch) }},
		{"drop capabilities", dropCapabilities},
		{"no new privileges", func() error { return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return initFail(s.name, err)
		}
	}

	argv := append([]string{spec.Verifier}, spec.Args...)
	argv = append(argv, spec.Source)
	env := []string{"PATH=" + sandboxPath, "HOME=" + spec.Scratch}
	if lp := os.Getenv("LEAN_PATH"); lp != "" {
		env = append(env, "LEAN_PATH="+lp)
	}
	err := unix.Exec(spec.Verifier, argv, env)
	fmt.Fprintf(os.Stderr, "sandbox init: exec verifier: %v\n", err)
	return 127
}

func initFail(step string, err error) int {
	fmt.Fprintf(os.Stderr, "sandbox init: %s: %v\n", step, err)
	return initSetupFailed
}

// remountReadOnly makes every mount except the scratch area read-only. Flags
// the kernel locked for this user namespace are carried over, otherwise the
// remount is refused.
func remountReadOnly(scratch string) error {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return err
	}
	defer f.Close()

	type mnt struct {
		point string
		flags uintptr
	}
	var mounts []mnt
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		point := unescapeMountPath(fields[4])
		if point == scratch || strings.HasPrefix(point, scratch+"/") {
			continue
		}
		if strings.HasPrefix(point, "/proc/") || strings.HasPrefix(point, "/sys/") {
			continue
		}
		mounts = append(mounts, mnt{point: point, flags: lockedFlags(fields[5])})
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, m := range mounts {
		flags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | m.flags
		if err := unix.Mount("", m.point, "", flags, ""); err != nil {
			return fmt.Errorf("%s: %w", m.point, err)
		}
	}
	return nil
}

func lockedFlags(opts string) uintptr {
	var out uintptr
	for _, o := range strings.Split(opts, ",") {
		switch o {
		case "nosuid":
			out |= unix.MS_NOSUID
		case "nodev":
			out |= unix.MS_NODEV
		case "noexec":
			out |= unix.MS_NOEXEC
		case "noatime":
			out |= unix.MS_NOATIME
		case "nodiratime":
			out |= unix.MS_NODIRATIME
		case "relatime":
			out |= unix.MS_RELATIME
		}
	}
	return out
}

// unescapeMountPath decodes the octal escapes mountinfo uses for spaces,
// tabs, newlines and backslashes.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func applyRlimits(spec initSpec) error {
	limits := []struct {
		res int
		val uint64
	}{
		{unix.RLIMIT_AS, uint64(spec.MemoryBytes)},
		{unix.RLIMIT_CPU, spec.CPUSeconds},
		{unix.RLIMIT_NOFILE, uint64(spec.FileDescriptors)},
		{unix.RLIMIT_NPROC, uint64(spec.Pids)},
		{unix.RLIMIT_FSIZE, uint64(spec.ScratchBytes)},
		{unix.RLIMIT_CORE, 0},
	}
	for _, l := range limits {
		if err := unix.Setrlimit(l.res, &unix.Rlimit{Cur: l.val, Max: l.val}); err != nil {
			return fmt.Errorf("setrlimit %d: %w", l.res, err)
		}
	}
	return nil
}

func dropCapabilities() error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("clear ambient: %w", err)
	}
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil && err != unix.EINVAL {
			return fmt.Errorf("drop bounding cap %d: %w", c, err)
		}
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	return unix.Capset(&hdr, &data[0])
}
