// Package secrets resolves the reasoning-service API keys and the artifact
// sealing key from AWS Secrets Manager, the environment or mounted files.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	DriverAWS  = "aws"
	DriverEnv  = "env"
	DriverFile = "file"
)

// Provider resolves a secret reference to its value. Values are returned
// with surrounding whitespace removed and are never empty.
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// New builds the provider for driver. dir is the secrets mount for the file
// driver and is ignored otherwise. AWS lookups are cached for the life of
// the process.
func New(ctx context.Context, driver, dir string) (Provider, error) {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverFile:
		return NewFile(dir)
	case DriverAWS:
		p, err := NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return NewCached(p), nil
	default:
		return nil, fmt.Errorf("%w: driver %q (want aws, env or file)", ErrInvalidConfig, d)
	}
}

func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret reference", ErrInvalidConfig)
	}
	return ref, nil
}

// Key resolves binary key material stored hex (optionally 0x prefixed) or
// standard base64 and checks it is exactly size bytes.
func Key(ctx context.Context, p Provider, ref string, size int) ([]byte, error) {
	v, err := p.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	key, err := decodeKey(v)
	if err != nil {
		return nil, fmt.Errorf("%w: secret %q: %v", ErrInvalidConfig, ref, err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("%w: secret %q holds %d bytes, need %d", ErrInvalidConfig, ref, len(key), size)
	}
	return key, nil
}

func decodeKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if b, err := hex.DecodeString(strings.TrimPrefix(v, "0x")); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return nil, errors.New("value is neither hex nor base64")
}
