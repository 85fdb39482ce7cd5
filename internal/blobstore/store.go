// Package blobstore persists opaque artifact bytes in S3 or in memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 16 << 20

	// MinPartSize is the smallest part S3 accepts for any part but the last.
	MinPartSize = 5 << 20
	maxParts    = 10000
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
	ErrAlreadyExists = errors.New("blobstore: already exists")
	ErrNoSuchUpload  = errors.New("blobstore: no such upload")
)

// Store is append-only blob storage. Objects are never deleted; writing an
// existing key without IfAbsent adds a version on backends that keep them.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) (PutResult, error)
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	CreateUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (Part, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []Part, opts PutOptions) (PutResult, error)
	AbortUpload(ctx context.Context, key, uploadID string) error

	Ping(ctx context.Context) error
	// EnsureVersioning turns on object versioning where the backend has it.
	EnsureVersioning(ctx context.Context) error
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// IfAbsent fails the write with ErrAlreadyExists when the key exists.
	IfAbsent bool
}

type PutResult struct {
	ETag      string
	VersionID string
}

// Part is one uploaded chunk of a multipart upload. It is JSON so resumable
// upload state can be persisted between attempts.
type Part struct {
	Number int    `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	VersionID    string
	LastModified time.Time
}

type Config struct {
	Driver string // s3 (default) or memory
	Prefix string
	// MaxGetSize caps the bytes Get will return. Zero means 16 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
	// KMSKeyID enables SSE-KMS with the given key for every write.
	KMSKeyID string
}

func New(cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverS3:
		return newS3Store(cfg)
	case DriverMemory:
		return newMemoryStore(cfg.Prefix, cfg.MaxGetSize), nil
	}
	return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
}

func checkPartNumber(n int) error {
	if n < 1 || n > maxParts {
		return fmt.Errorf("%w: part number %d outside 1..%d", ErrInvalidConfig, n, maxParts)
	}
	return nil
}

// validateParts requires parts numbered 1..n in order, each with an ETag.
func validateParts(parts []Part) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidConfig)
	}
	for i, p := range parts {
		if p.Number != i+1 {
			return fmt.Errorf("%w: part %d found at position %d", ErrInvalidConfig, p.Number, i+1)
		}
		if p.ETag == "" {
			return fmt.Errorf("%w: part %d has no etag", ErrInvalidConfig, p.Number)
		}
	}
	return nil
}
