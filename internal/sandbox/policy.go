package sandbox

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Limits struct {
	CPUCores        float64 `yaml:"cpu_cores"`
	MemoryBytes     int64   `yaml:"memory_bytes"`
	Pids            int     `yaml:"pids"`
	FileDescriptors int     `yaml:"file_descriptors"`
	ScratchBytes    int64   `yaml:"scratch_bytes"`
}

// Policy is the isolation contract every verification run is held to. It is
// loaded once at startup and never mutated afterwards.
type Policy struct {
	RunAsUser                uint32        `yaml:"run_as_user"`
	RunAsGroup               uint32        `yaml:"run_as_group"`
	DropAllCapabilities      bool          `yaml:"drop_all_capabilities"`
	AllowPrivilegeEscalation bool          `yaml:"allow_privilege_escalation"`
	Privileged               bool          `yaml:"privileged"`
	ReadOnlyRootFilesystem   bool          `yaml:"read_only_root_filesystem"`
	NoNewPrivileges          bool          `yaml:"no_new_privileges"`
	NetworkIsolation         bool          `yaml:"network_isolation"`
	SeccompProfile           string        `yaml:"seccomp_profile"`
	Limits                   Limits        `yaml:"limits"`
	Timeout                  time.Duration `yaml:"timeout"`

	// Image is the container image used in container mode.
	Image string `yaml:"image"`
	// Verifier is the checker binary and its arguments; the source file path
	// is appended.
	Verifier     string   `yaml:"verifier"`
	VerifierArgs []string `yaml:"verifier_args"`
}

func DefaultPolicy() Policy {
	return Policy{
		RunAsUser:              1000,
		RunAsGroup:             1000,
		DropAllCapabilities:    true,
		ReadOnlyRootFilesystem: true,
		NoNewPrivileges:        true,
		NetworkIsolation:       true,
		SeccompProfile:         "runtime/default",
		Limits: Limits{
			CPUCores:        2,
			MemoryBytes:     4 << 30,
			Pids:            100,
			FileDescriptors: 1024,
			ScratchBytes:    256 << 20,
		},
		Timeout:  30 * time.Second,
		Image:    "leanprover/lean4:latest",
		Verifier: "lean",
	}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep
// their DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("sandbox: read policy: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var problems []string
	if p.RunAsUser == 0 {
		problems = append(problems, "run_as_user must not be root")
	}
	if p.RunAsGroup == 0 {
		problems = append(problems, "run_as_group must not be root")
	}
	if !p.DropAllCapabilities {
		problems = append(problems, "all capabilities must be dropped")
	}
	if p.AllowPrivilegeEscalation {
		problems = append(problems, "privilege escalation must be disabled")
	}
	if p.Privileged {
		problems = append(problems, "privileged mode is not allowed")
	}
	if !p.ReadOnlyRootFilesystem {
		problems = append(problems, "root filesystem must be read-only")
	}
	if !p.NoNewPrivileges {
		problems = append(problems, "no_new_privileges must be set")
	}
	if !p.NetworkIsolation {
		problems = append(problems, "network isolation must be enabled")
	}
	if strings.EqualFold(p.SeccompProfile, "unconfined") {
		problems = append(problems, "seccomp must not be unconfined")
	}
	if p.Limits.CPUCores <= 0 {
		problems = append(problems, "cpu_cores must be > 0")
	}
	if p.Limits.MemoryBytes <= 0 {
		problems = append(problems, "memory_bytes must be > 0")
	}
	if p.Limits.Pids <= 0 {
		problems = append(problems, "pids must be > 0")
	}
	if p.Limits.FileDescriptors <= 0 {
		problems = append(problems, "file_descriptors must be > 0")
	}
	if p.Limits.ScratchBytes <= 0 {
		problems = append(problems, "scratch_bytes must be > 0")
	}
	if p.Timeout <= 0 {
		problems = append(problems, "timeout must be > 0")
	}
	if strings.TrimSpace(p.Verifier) == "" {
		problems = append(problems, "verifier must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(problems, "; "))
	}
	return nil
}
