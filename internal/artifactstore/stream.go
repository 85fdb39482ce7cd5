package artifactstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
)

// UploadSession tracks a chunked artifact upload. A session returned with an
// error can be passed back to StreamArtifact to resume.
type UploadSession struct {
	ID             string           `json:"id"`
	Key            string           `json:"key"`
	ContentHash    common.Hash      `json:"content_hash"`
	UploadID       string           `json:"upload_id,omitempty"`
	CompletedParts []blobstore.Part `json:"completed_parts"`
	Completed      bool             `json:"completed"`
	// Created is false when the artifact was already stored.
	Created bool `json:"created"`
}

// StreamArtifact uploads an artifact in ChunkSize parts. Parts already
// acknowledged by the backend for a resumed session are not sent again.
func (s *Store) StreamArtifact(ctx context.Context, a proof.Artifact, resume *UploadSession) (UploadSession, error) {
	plaintext, err := proof.EncodeArtifact(a)
	if err != nil {
		return UploadSession{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := ArtifactKey(a.ContentHash)

	var sess UploadSession
	if resume != nil {
		if resume.Key != key || resume.ContentHash != a.ContentHash {
			return UploadSession{}, fmt.Errorf("%w: session %s belongs to %s", ErrInvalidInput, resume.ID, resume.Key)
		}
		sess = *resume
		sess.CompletedParts = append([]blobstore.Part(nil), resume.CompletedParts...)
	} else {
		sess = UploadSession{ID: uuid.NewString(), Key: key, ContentHash: a.ContentHash}
	}
	if sess.Completed {
		return sess, nil
	}

	var exists bool
	if err := s.withRetry(ctx, "head "+key, func(ctx context.Context) error {
		var err error
		exists, err = s.blobs.Exists(ctx, key)
		return err
	}); err != nil {
		return sess, err
	}
	if exists {
		s.abandon(ctx, &sess)
		return s.finish(ctx, a, sess, false)
	}

	body, err := sealEnvelope(s.sealer, KindArtifact, a.ContentHash, plaintext)
	if err != nil {
		return sess, err
	}

	if sess.UploadID != "" {
		if err := s.reconcileParts(ctx, &sess); err != nil {
			return sess, err
		}
	}
	if sess.UploadID == "" {
		if err := s.withRetry(ctx, "create upload "+key, func(ctx context.Context) error {
			id, err := s.blobs.CreateUpload(ctx, key, blobstore.PutOptions{
				ContentType: contentTypeEnvelope,
				Metadata:    map[string]string{"theorem-name": a.TheoremName, "status": string(a.Status)},
			})
			sess.UploadID = id
			return err
		}); err != nil {
			return sess, err
		}
		sess.CompletedParts = nil
	}

	done := make(map[int]blobstore.Part, len(sess.CompletedParts))
	for _, p := range sess.CompletedParts {
		done[p.Number] = p
	}
	chunks := chunk(body, s.chunkSize)
	parts := make([]blobstore.Part, 0, len(chunks))
	for i, c := range chunks {
		n := i + 1
		if p, ok := done[n]; ok && p.Size == int64(len(c)) {
			parts = append(parts, p)
			continue
		}
		var p blobstore.Part
		if err := s.withRetry(ctx, fmt.Sprintf("upload part %d of %s", n, key), func(ctx context.Context) error {
			var err error
			p, err = s.blobs.UploadPart(ctx, key, sess.UploadID, n, c)
			return err
		}); err != nil {
			return sess, err
		}
		parts = append(parts, p)
		sess.CompletedParts = upsertPart(sess.CompletedParts, p)
	}

	created := true
	err = s.withRetry(ctx, "complete upload "+key, func(ctx context.Context) error {
		_, err := s.blobs.CompleteUpload(ctx, key, sess.UploadID, parts, blobstore.PutOptions{IfAbsent: true})
		return err
	})
	switch {
	case errors.Is(err, blobstore.ErrAlreadyExists):
		created = false
		s.abandon(ctx, &sess)
	case err != nil:
		return sess, err
	}
	return s.finish(ctx, a, sess, created)
}

func (s *Store) finish(ctx context.Context, a proof.Artifact, sess UploadSession, created bool) (UploadSession, error) {
	if err := s.recordVersion(ctx, a); err != nil {
		return sess, err
	}
	sess.Completed = true
	sess.Created = created
	s.log.Info("artifact streamed",
		"content_hash", contenthash.Hex(a.ContentHash),
		"session", sess.ID,
		"parts", len(sess.CompletedParts),
		"created", created,
	)
	return sess, nil
}

// reconcileParts replaces the caller's view of completed parts with what the
// backend actually holds. An upload the backend no longer knows is restarted.
func (s *Store) reconcileParts(ctx context.Context, sess *UploadSession) error {
	var parts []blobstore.Part
	err := s.withRetry(ctx, "list parts "+sess.Key, func(ctx context.Context) error {
		var err error
		parts, err = s.blobs.ListParts(ctx, sess.Key, sess.UploadID)
		return err
	})
	if errors.Is(err, blobstore.ErrNoSuchUpload) {
		s.log.Warn("upload expired, restarting", "session", sess.ID, "upload_id", sess.UploadID)
		sess.UploadID = ""
		sess.CompletedParts = nil
		return nil
	}
	if err != nil {
		return err
	}
	sess.CompletedParts = parts
	return nil
}

func (s *Store) abandon(ctx context.Context, sess *UploadSession) {
	if sess.UploadID == "" {
		return
	}
	if err := s.blobs.AbortUpload(ctx, sess.Key, sess.UploadID); err != nil && !errors.Is(err, blobstore.ErrNoSuchUpload) {
		s.log.Warn("abort upload failed", "session", sess.ID, "err", err)
	}
}

func chunk(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := min(size, len(b))
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func upsertPart(parts []blobstore.Part, p blobstore.Part) []blobstore.Part {
	for i := range parts {
		if parts[i].Number == p.Number {
			parts[i] = p
			return parts
		}
	}
	return append(parts, p)
}
