package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider treats the reference as an environment variable name.
type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (*EnvProvider) Get(_ context.Context, ref string) (string, error) {
	name, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: env %s is unset or blank", ErrNotFound, name)
}

// FileProvider reads one secret per file under a directory, the layout of
// mounted Kubernetes or Docker secrets.
type FileProvider struct {
	root string
}

func NewFile(dir string) (*FileProvider, error) {
	if dir = strings.TrimSpace(dir); dir == "" {
		return nil, fmt.Errorf("%w: file driver needs a secrets dir", ErrInvalidConfig)
	}
	return &FileProvider{root: dir}, nil
}

func (p *FileProvider) Get(_ context.Context, ref string) (string, error) {
	name, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	if name == "." || !fs.ValidPath(name) || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q is not a plain file name", ErrInvalidConfig, name)
	}
	b, err := os.ReadFile(filepath.Join(p.root, name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: no secret file %s", ErrNotFound, name)
	case err != nil:
		return "", fmt.Errorf("secrets: read %s: %w", name, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: secret file %s is blank", ErrNotFound, name)
	}
	return v, nil
}
