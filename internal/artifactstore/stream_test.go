package artifactstore

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type partFailBlobs struct {
	blobstore.Store
	failAtPart int
	failed     atomic.Bool
	uploaded   atomic.Int32
}

func (f *partFailBlobs) UploadPart(ctx context.Context, key, uploadID string, number int, data []byte) (blobstore.Part, error) {
	if number == f.failAtPart && !f.failed.Load() {
		return blobstore.Part{}, context.Canceled
	}
	f.uploaded.Add(1)
	return f.Store.UploadPart(ctx, key, uploadID, number, data)
}

func bigArtifact(t *testing.T) proof.Artifact {
	t.Helper()
	a := testArtifact(t, proof.StatusSuccess, "simp")
	for i := 0; i < 20; i++ {
		a.Attempts = append(a.Attempts, proof.Attempt{
			Number:     i + 2,
			Outcome:    proof.OutcomeRejected,
			ProofCode:  strings.Repeat("omega\n", 20),
			StdoutTail: strings.Repeat("error: unsolved goals\n", 10),
		})
	}
	return a
}

func TestStreamArtifact_Chunked(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs, func(c *Config) { c.ChunkSize = 512 })
	a := bigArtifact(t)

	sess, err := s.StreamArtifact(context.Background(), a, nil)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
	assert.True(t, sess.Created)
	assert.Greater(t, len(sess.CompletedParts), 2)

	got, err := s.GetArtifact(context.Background(), a.ContentHash)
	require.NoError(t, err)
	assert.Len(t, got.Attempts, len(a.Attempts))

	versions, err := s.Versions(context.Background(), a.TheoremName)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestStreamArtifact_Resume(t *testing.T) {
	t.Parallel()

	blobs := &partFailBlobs{Store: memoryBlobs(t), failAtPart: 3}
	s := newTestStore(t, blobs, func(c *Config) { c.ChunkSize = 512 })
	a := bigArtifact(t)
	ctx := context.Background()

	sess, err := s.StreamArtifact(ctx, a, nil)
	require.Error(t, err)
	assert.False(t, sess.Completed)
	require.NotEmpty(t, sess.UploadID)
	assert.Len(t, sess.CompletedParts, 2)
	before := blobs.uploaded.Load()

	blobs.failed.Store(true)
	resumed, err := s.StreamArtifact(ctx, a, &sess)
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.Equal(t, sess.ID, resumed.ID)

	total := int32(len(resumed.CompletedParts))
	assert.Equal(t, total-2, blobs.uploaded.Load()-before, "parts 1 and 2 must not be re-sent")

	_, err = s.GetArtifact(ctx, a.ContentHash)
	require.NoError(t, err)
}

func TestStreamArtifact_ExpiredUploadRestarts(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs, func(c *Config) { c.ChunkSize = 512 })
	a := bigArtifact(t)

	stale := UploadSession{ID: "s1", Key: ArtifactKey(a.ContentHash), ContentHash: a.ContentHash, UploadID: "gone"}
	sess, err := s.StreamArtifact(context.Background(), a, &stale)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
	assert.NotEqual(t, "gone", sess.UploadID)
}

func TestStreamArtifact_AlreadyStored(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	a := testArtifact(t, proof.StatusSuccess, "simp")
	_, err := s.PutArtifact(context.Background(), a)
	require.NoError(t, err)

	sess, err := s.StreamArtifact(context.Background(), a, nil)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
	assert.False(t, sess.Created)
}

func TestStreamArtifact_RejectsForeignSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	a := testArtifact(t, proof.StatusSuccess, "simp")
	_, err := s.StreamArtifact(context.Background(), a, &UploadSession{ID: "x", Key: "artifacts/other/v1.json"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
