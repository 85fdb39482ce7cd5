package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultPolicyValid(t *testing.T) {
	t.Parallel()

	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("DefaultPolicy().Validate: %v", err)
	}
}

func TestParsePolicyOverlaysDefaults(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy([]byte(`
timeout: 45s
limits:
  memory_bytes: 1073741824
  pids: 32
verifier_args: ["--json"]
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.Timeout != 45*time.Second {
		t.Fatalf("Timeout: got %v want 45s", p.Timeout)
	}
	if p.Limits.MemoryBytes != 1<<30 || p.Limits.Pids != 32 {
		t.Fatalf("Limits: got %+v", p.Limits)
	}
	if p.Limits.CPUCores != 2 || p.Limits.FileDescriptors != 1024 {
		t.Fatalf("defaults lost: %+v", p.Limits)
	}
	if p.RunAsUser != 1000 || !p.DropAllCapabilities || !p.ReadOnlyRootFilesystem {
		t.Fatalf("defaults lost: %+v", p)
	}
	if len(p.VerifierArgs) != 1 || p.VerifierArgs[0] != "--json" {
		t.Fatalf("VerifierArgs: got %v", p.VerifierArgs)
	}
}

func TestParsePolicyRejectsWeakening(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{name: "root user", yaml: "run_as_user: 0", want: "run_as_user"},
		{name: "root group", yaml: "run_as_group: 0", want: "run_as_group"},
		{name: "capabilities", yaml: "drop_all_capabilities: false", want: "capabilities"},
		{name: "escalation", yaml: "allow_privilege_escalation: true", want: "escalation"},
		{name: "privileged", yaml: "privileged: true", want: "privileged"},
		{name: "writable root", yaml: "read_only_root_filesystem: false", want: "read-only"},
		{name: "new privileges", yaml: "no_new_privileges: false", want: "no_new_privileges"},
		{name: "network", yaml: "network_isolation: false", want: "network"},
		{name: "seccomp", yaml: "seccomp_profile: Unconfined", want: "seccomp"},
		{name: "memory", yaml: "limits: {memory_bytes: 0}", want: "memory_bytes"},
		{name: "timeout", yaml: "timeout: 0s", want: "timeout"},
		{name: "verifier", yaml: `verifier: " "`, want: "verifier"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePolicy([]byte(tc.yaml))
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("err: got %v want ErrInvalidPolicy", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.Privileged = true
	p.NetworkIsolation = false
	err := p.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"privileged", "network"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err %q does not mention %q", err, want)
		}
	}
}

func TestParsePolicyMalformed(t *testing.T) {
	t.Parallel()

	if _, err := ParsePolicy([]byte("limits: [1, 2")); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err: got %v want ErrInvalidPolicy", err)
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("image: example/lean:4.9\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Image != "example/lean:4.9" {
		t.Fatalf("Image: got %q", p.Image)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
