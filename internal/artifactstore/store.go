package artifactstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
	defaultChunkSize    = blobstore.MinPartSize

	contentTypeEnvelope = "application/vnd.spec-to-proof.envelope+json"
)

type Config struct {
	Blobs  blobstore.Store
	Sealer *Sealer
	// Lineage defaults to a BlobLineage over Blobs.
	Lineage Lineage
	Logger  *slog.Logger

	// MaxRetries bounds attempts per storage call. Defaults to 3.
	MaxRetries   int
	RetryBackoff time.Duration
	// ChunkSize is the part size used by StreamArtifact.
	ChunkSize int
}

// Ack acknowledges a write. Created is false when an object with the same
// content hash was already stored and the write was a no-op.
type Ack struct {
	Key         string      `json:"key"`
	ContentHash common.Hash `json:"content_hash"`
	Created     bool        `json:"created"`
	VersionID   string      `json:"version_id,omitempty"`
}

type Store struct {
	blobs      blobstore.Store
	sealer     *Sealer
	lineage    Lineage
	log        *slog.Logger
	maxRetries int
	backoff    time.Duration
	chunkSize  int

	sleep func(context.Context, time.Duration) error
}

func New(cfg Config) (*Store, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("%w: nil sealer", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 || cfg.RetryBackoff < 0 || cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: negative retry or chunk settings", ErrInvalidConfig)
	}
	lineage := cfg.Lineage
	if lineage == nil {
		bl, err := NewBlobLineage(cfg.Blobs)
		if err != nil {
			return nil, err
		}
		lineage = bl
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		blobs:      cfg.Blobs,
		sealer:     cfg.Sealer,
		lineage:    lineage,
		log:        log,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		chunkSize:  cfg.ChunkSize,
		sleep:      sleepCtx,
	}
	if s.maxRetries == 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.backoff == 0 {
		s.backoff = defaultRetryBackoff
	}
	if s.chunkSize == 0 {
		s.chunkSize = defaultChunkSize
	}
	return s, nil
}

// PutArtifact stores a sealed artifact and records it in the theorem's
// lineage. Writing an artifact whose content hash is already stored succeeds
// without changing the stored bytes, so a call that failed while recording
// the lineage can be repeated.
func (s *Store) PutArtifact(ctx context.Context, a proof.Artifact) (Ack, error) {
	plaintext, err := proof.EncodeArtifact(a)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	// Nothing is written unless the lineage entry would be accepted too.
	if err := validateVersion(versionOf(a)); err != nil {
		return Ack{}, err
	}
	ack, err := s.putSealed(ctx, KindArtifact, ArtifactKey(a.ContentHash), a.ContentHash, plaintext, map[string]string{
		"theorem-name": a.TheoremName,
		"status":       string(a.Status),
	})
	if err != nil {
		return Ack{}, err
	}
	if err := s.recordVersion(ctx, a); err != nil {
		return Ack{}, err
	}
	s.log.Info("artifact stored",
		"content_hash", contenthash.Hex(a.ContentHash),
		"theorem", a.TheoremName,
		"status", a.Status,
		"created", ack.Created,
	)
	return ack, nil
}

func (s *Store) GetArtifact(ctx context.Context, h common.Hash) (proof.Artifact, error) {
	key := ArtifactKey(h)
	plaintext, err := s.getSealed(ctx, KindArtifact, key, h)
	if err != nil {
		return proof.Artifact{}, err
	}
	a, err := proof.DecodeArtifact(plaintext)
	if err != nil {
		return proof.Artifact{}, &IntegrityError{Key: key, Want: h, Reason: err.Error()}
	}
	if a.ContentHash != h {
		return proof.Artifact{}, &IntegrityError{Key: key, Want: h, Got: a.ContentHash}
	}
	return a, nil
}

func (s *Store) PutStub(ctx context.Context, st theorem.Stub) (Ack, error) {
	if err := st.Validate(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	plaintext, err := json.Marshal(st)
	if err != nil {
		return Ack{}, fmt.Errorf("artifactstore: encode stub: %w", err)
	}
	return s.putSealed(ctx, KindStub, StubKey(st.ContentHash), st.ContentHash, plaintext, map[string]string{
		"theorem-name": st.TheoremName,
	})
}

func (s *Store) GetStub(ctx context.Context, h common.Hash) (theorem.Stub, error) {
	key := StubKey(h)
	plaintext, err := s.getSealed(ctx, KindStub, key, h)
	if err != nil {
		return theorem.Stub{}, err
	}
	var st theorem.Stub
	if err := json.Unmarshal(plaintext, &st); err != nil {
		return theorem.Stub{}, &IntegrityError{Key: key, Want: h, Reason: err.Error()}
	}
	if err := st.Validate(); err != nil {
		return theorem.Stub{}, &IntegrityError{Key: key, Want: h, Reason: err.Error()}
	}
	if st.ContentHash != h {
		return theorem.Stub{}, &IntegrityError{Key: key, Want: h, Got: st.ContentHash}
	}
	return st, nil
}

// Versions lists every artifact written for a theorem, oldest first.
func (s *Store) Versions(ctx context.Context, theoremName string) ([]Version, error) {
	var out []Version
	err := s.withRetry(ctx, "list versions", func(ctx context.Context) error {
		vs, err := s.lineage.Versions(ctx, theoremName)
		out = vs
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.blobs.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if p, ok := s.lineage.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%w: lineage: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *Store) recordVersion(ctx context.Context, a proof.Artifact) error {
	return s.withRetry(ctx, "record version", func(ctx context.Context) error {
		return s.lineage.Record(ctx, versionOf(a))
	})
}

func (s *Store) putSealed(ctx context.Context, kind Kind, key string, address common.Hash, plaintext []byte, meta map[string]string) (Ack, error) {
	body, err := sealEnvelope(s.sealer, kind, address, plaintext)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{Key: key, ContentHash: address}
	err = s.withRetry(ctx, "put "+key, func(ctx context.Context) error {
		res, err := s.blobs.Put(ctx, key, body, blobstore.PutOptions{
			ContentType: contentTypeEnvelope,
			Metadata:    meta,
			IfAbsent:    true,
		})
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			ack.Created = false
			return nil
		}
		if err != nil {
			return err
		}
		ack.Created = true
		ack.VersionID = res.VersionID
		return nil
	})
	if err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func (s *Store) getSealed(ctx context.Context, kind Kind, key string, address common.Hash) ([]byte, error) {
	var obj blobstore.Object
	err := s.withRetry(ctx, "get "+key, func(ctx context.Context) error {
		var err error
		obj, err = s.blobs.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return openEnvelope(s.sealer, kind, key, address, obj.Data)
}

// withRetry retries transient storage failures with doubling back-off.
// Permanent failures are mapped to this package's sentinels.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if perm := permanent(err); perm != nil {
			return perm
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrStorage, op, attempt, err)
		}
		s.log.Warn("storage call failed, retrying", "op", op, "attempt", attempt, "err", err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func permanent(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrIntegrity),
		errors.Is(err, blobstore.ErrAlreadyExists), errors.Is(err, blobstore.ErrNoSuchUpload):
		return err
	case errors.Is(err, blobstore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, blobstore.ErrInvalidKey):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, blobstore.ErrTooLarge), errors.Is(err, blobstore.ErrInvalidConfig):
		return fmt.Errorf("%w: %w", ErrStorage, err)
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
