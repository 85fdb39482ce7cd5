package blobstore

import (
	"fmt"
	"strings"
	"unicode"
)

// keyspace maps logical keys onto backend keys under a fixed prefix.
type keyspace struct {
	root string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{root: strings.Trim(strings.TrimSpace(prefix), "/")}
}

// resolve validates a logical key and returns it with its backend key.
func (ks keyspace) resolve(key string) (logical, backend string, err error) {
	if strings.TrimSpace(key) != key {
		return "", "", fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidKey, key)
	}
	logical = strings.TrimPrefix(key, "/")
	if logical == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.IndexFunc(logical, unicode.IsControl) >= 0 {
		return "", "", fmt.Errorf("%w: control character in key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(logical, "/") {
		if seg == ".." {
			return "", "", fmt.Errorf("%w: parent segment in %q", ErrInvalidKey, logical)
		}
	}
	return logical, ks.backend(logical), nil
}

func (ks keyspace) backend(logical string) string {
	if ks.root == "" {
		return logical
	}
	return ks.root + "/" + logical
}

// listing returns the backend prefix to scan for a logical listing prefix.
func (ks keyspace) listing(prefix string) string {
	return ks.backend(strings.TrimPrefix(prefix, "/"))
}

// logical strips the root from a backend key.
func (ks keyspace) logical(backend string) string {
	if ks.root == "" {
		return backend
	}
	return strings.TrimPrefix(backend, ks.root+"/")
}

// cleanMetadata trims keys and values and drops blank keys. A nil result
// means no metadata.
func cleanMetadata(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func maxGetOrDefault(n int64) int64 {
	if n <= 0 {
		return defaultMaxGetSize
	}
	return n
}
