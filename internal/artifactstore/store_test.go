package artifactstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func testStub(t *testing.T) theorem.Stub {
	t.Helper()
	st, err := theorem.NewCompiler(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }).Compile(theorem.Invariant{
		ID:               "INV-001",
		Description:      "Adding zero preserves a natural number",
		FormalExpression: "n + 0 = n",
		Variables:        []theorem.Variable{{Name: "n", Type: "Nat"}},
	})
	require.NoError(t, err)
	return st
}

func testArtifact(t *testing.T, status proof.Status, code string) proof.Artifact {
	t.Helper()
	st := testStub(t)
	a := proof.Artifact{
		StubID:      st.ID,
		StubHash:    st.ContentHash,
		TheoremName: st.TheoremName,
		Status:      status,
		ProofCode:   code,
		Attempts:    []proof.Attempt{{Number: 1, Outcome: proof.OutcomeAccepted, ProofCode: code}},
		CreatedAt:   time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC),
	}
	if status != proof.StatusSuccess {
		a.FailureReason = "exhausted"
	}
	require.NoError(t, a.Seal())
	return a
}

func newTestStore(t *testing.T, blobs blobstore.Store, mutate ...func(*Config)) *Store {
	t.Helper()
	sealer, err := NewSealer("test-key", testKey)
	require.NoError(t, err)
	cfg := Config{Blobs: blobs, Sealer: sealer, RetryBackoff: time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func memoryBlobs(t *testing.T) blobstore.Store {
	t.Helper()
	b, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("k", testKey)
	require.NoError(t, err)

	_, err = New(Config{Sealer: sealer})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Blobs: memoryBlobs(t)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Blobs: memoryBlobs(t), Sealer: sealer, MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSealer("", testKey)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewSealer("k", testKey[:16])
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPutArtifact_IdempotentByHash(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs)
	ctx := context.Background()
	a := testArtifact(t, proof.StatusSuccess, "simp")

	first, err := s.PutArtifact(ctx, a)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, ArtifactKey(a.ContentHash), first.Key)

	stored, err := blobs.Get(ctx, first.Key)
	require.NoError(t, err)

	// Same content with a different attempt log is the same artifact.
	again := a
	again.Attempts = append(again.Attempts, proof.Attempt{Number: 2, Outcome: proof.OutcomeAccepted})
	second, err := s.PutArtifact(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Created)

	after, err := blobs.Get(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, stored.Data, after.Data)
	assert.Equal(t, stored.VersionID, after.VersionID)

	got, err := s.GetArtifact(ctx, a.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Len(t, got.Attempts, 1)

	versions, err := s.Versions(ctx, a.TheoremName)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Sequence)
}

func TestPutArtifact_EncryptsAtRest(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs)
	a := testArtifact(t, proof.StatusSuccess, "simp [Nat.add_zero]")

	ack, err := s.PutArtifact(context.Background(), a)
	require.NoError(t, err)
	obj, err := blobs.Get(context.Background(), ack.Key)
	require.NoError(t, err)
	assert.NotContains(t, string(obj.Data), "Nat.add_zero")
	assert.NotContains(t, string(obj.Data), a.TheoremName)
}

func TestPutArtifact_ConcurrentWritersConverge(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs)
	a := testArtifact(t, proof.StatusSuccess, "simp")

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := s.PutArtifact(context.Background(), a)
			assert.NoError(t, err)
			if ack.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())

	versions, err := s.Versions(context.Background(), a.TheoremName)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestGetArtifact_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	_, err := s.GetArtifact(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetArtifact_DetectsTampering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testArtifact(t, proof.StatusSuccess, "simp")
	b := testArtifact(t, proof.StatusFailed, "")

	tests := []struct {
		name   string
		tamper func(t *testing.T, blobs blobstore.Store, s *Store)
	}{
		{
			name: "flipped ciphertext",
			tamper: func(t *testing.T, blobs blobstore.Store, _ *Store) {
				obj, err := blobs.Get(ctx, ArtifactKey(a.ContentHash))
				require.NoError(t, err)
				var env Envelope
				require.NoError(t, json.Unmarshal(obj.Data, &env))
				env.Ciphertext[0] ^= 0xff
				raw, err := json.Marshal(env)
				require.NoError(t, err)
				_, err = blobs.Put(ctx, ArtifactKey(a.ContentHash), raw, blobstore.PutOptions{})
				require.NoError(t, err)
			},
		},
		{
			name: "object moved to another address",
			tamper: func(t *testing.T, blobs blobstore.Store, s *Store) {
				_, err := s.PutArtifact(ctx, b)
				require.NoError(t, err)
				obj, err := blobs.Get(ctx, ArtifactKey(b.ContentHash))
				require.NoError(t, err)
				_, err = blobs.Put(ctx, ArtifactKey(a.ContentHash), obj.Data, blobstore.PutOptions{})
				require.NoError(t, err)
			},
		},
		{
			name: "garbage",
			tamper: func(t *testing.T, blobs blobstore.Store, _ *Store) {
				_, err := blobs.Put(ctx, ArtifactKey(a.ContentHash), []byte("not an envelope"), blobstore.PutOptions{})
				require.NoError(t, err)
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			blobs := memoryBlobs(t)
			s := newTestStore(t, blobs)
			_, err := s.PutArtifact(ctx, a)
			require.NoError(t, err)

			tc.tamper(t, blobs, s)

			_, err = s.GetArtifact(ctx, a.ContentHash)
			require.ErrorIs(t, err, ErrIntegrity)
			var ie *IntegrityError
			assert.ErrorAs(t, err, &ie)
		})
	}
}

func TestGetArtifact_WrongKeyFailsIntegrity(t *testing.T) {
	t.Parallel()

	blobs := memoryBlobs(t)
	s := newTestStore(t, blobs)
	a := testArtifact(t, proof.StatusSuccess, "simp")
	_, err := s.PutArtifact(context.Background(), a)
	require.NoError(t, err)

	other, err := NewSealer("test-key", bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	s2 := newTestStore(t, blobs, func(c *Config) { c.Sealer = other })
	_, err = s2.GetArtifact(context.Background(), a.ContentHash)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestStubs_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	st := testStub(t)

	ack, err := s.PutStub(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, ack.Created)

	got, err := s.GetStub(context.Background(), st.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, st.LeanCode, got.LeanCode)
	assert.True(t, st.GeneratedAt.Equal(got.GeneratedAt))

	bad := st
	bad.LeanCode += "-- changed\n"
	_, err = s.PutStub(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVersions_NewContentIsNewVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	ctx := context.Background()
	failed := testArtifact(t, proof.StatusFailed, "")
	ok := testArtifact(t, proof.StatusSuccess, "simp")
	ok.CreatedAt = failed.CreatedAt.Add(time.Minute)

	_, err := s.PutArtifact(ctx, failed)
	require.NoError(t, err)
	_, err = s.PutArtifact(ctx, ok)
	require.NoError(t, err)

	versions, err := s.Versions(ctx, failed.TheoremName)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, failed.ContentHash, versions[0].ArtifactHash)
	assert.Equal(t, ok.ContentHash, versions[1].ArtifactHash)
	assert.Equal(t, 2, versions[1].Sequence)

	// The older version stays readable.
	_, err = s.GetArtifact(ctx, failed.ContentHash)
	assert.NoError(t, err)

	_, err = s.Versions(ctx, "../etc")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

type flakyBlobs struct {
	blobstore.Store
	failPuts atomic.Int32
	puts     atomic.Int32
}

func (f *flakyBlobs) Put(ctx context.Context, key string, payload []byte, opts blobstore.PutOptions) (blobstore.PutResult, error) {
	f.puts.Add(1)
	if f.failPuts.Add(-1) >= 0 {
		return blobstore.PutResult{}, errors.New("503 slow down")
	}
	return f.Store.Put(ctx, key, payload, opts)
}

func TestPutArtifact_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	blobs := &flakyBlobs{Store: memoryBlobs(t)}
	blobs.failPuts.Store(2)
	s := newTestStore(t, blobs, func(c *Config) { c.Lineage = NewMemoryLineage() })

	ack, err := s.PutArtifact(context.Background(), testArtifact(t, proof.StatusSuccess, "simp"))
	require.NoError(t, err)
	assert.True(t, ack.Created)
	assert.Equal(t, int32(3), blobs.puts.Load())
}

func TestPutArtifact_SurfacesPersistentFailure(t *testing.T) {
	t.Parallel()

	blobs := &flakyBlobs{Store: memoryBlobs(t)}
	blobs.failPuts.Store(100)
	s := newTestStore(t, blobs, func(c *Config) { c.Lineage = NewMemoryLineage() })

	_, err := s.PutArtifact(context.Background(), testArtifact(t, proof.StatusSuccess, "simp"))
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, int32(3), blobs.puts.Load())
}

func TestPutArtifact_RejectsUnsealed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	a := testArtifact(t, proof.StatusSuccess, "simp")
	a.ProofCode = "rfl"
	_, err := s.PutArtifact(context.Background(), a)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPutArtifact_InvalidLineageWritesNothing(t *testing.T) {
	t.Parallel()

	blobs := &flakyBlobs{Store: memoryBlobs(t)}
	s := newTestStore(t, blobs)
	a := testArtifact(t, proof.StatusSuccess, "simp")
	a.TheoremName = "inv bad/../name"
	require.NoError(t, a.Seal())

	_, err := s.PutArtifact(context.Background(), a)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, blobs.puts.Load())
	_, err = s.GetArtifact(context.Background(), a.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

type flakyLineage struct {
	*MemoryLineage
	failRecords atomic.Int32
}

func (l *flakyLineage) Record(ctx context.Context, v Version) error {
	if l.failRecords.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return l.MemoryLineage.Record(ctx, v)
}

func TestPutArtifact_RepeatCompletesLineage(t *testing.T) {
	t.Parallel()

	lineage := &flakyLineage{MemoryLineage: NewMemoryLineage()}
	lineage.failRecords.Store(3)
	s := newTestStore(t, memoryBlobs(t), func(c *Config) { c.Lineage = lineage })
	ctx := context.Background()
	a := testArtifact(t, proof.StatusSuccess, "simp")

	_, err := s.PutArtifact(ctx, a)
	require.ErrorIs(t, err, ErrStorage)

	ack, err := s.PutArtifact(ctx, a)
	require.NoError(t, err)
	assert.False(t, ack.Created)
	versions, err := s.Versions(ctx, a.TheoremName)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, a.ContentHash, versions[0].ArtifactHash)
}

func TestPing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, memoryBlobs(t))
	assert.NoError(t, s.Ping(context.Background()))
}
