package artifactstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
)

var theoremNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_']*$`)

// Version is one artifact in the history of a theorem. Sequence is assigned
// on read, starting at 1 for the oldest version.
type Version struct {
	TheoremName  string       `json:"theorem_name"`
	Sequence     int          `json:"sequence"`
	ArtifactHash common.Hash  `json:"artifact_hash"`
	ArtifactID   string       `json:"artifact_id"`
	StubHash     common.Hash  `json:"stub_hash"`
	Status       proof.Status `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Lineage indexes the artifact versions written for each theorem. Record is
// idempotent per (theorem, artifact hash).
type Lineage interface {
	Record(ctx context.Context, v Version) error
	Versions(ctx context.Context, theoremName string) ([]Version, error)
}

func versionOf(a proof.Artifact) Version {
	return Version{
		TheoremName:  a.TheoremName,
		ArtifactHash: a.ContentHash,
		ArtifactID:   a.ID,
		StubHash:     a.StubHash,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt.UTC(),
	}
}

func ValidateTheoremName(name string) error {
	if !theoremNameRe.MatchString(name) {
		return fmt.Errorf("%w: theorem name %q", ErrInvalidInput, name)
	}
	return nil
}

func validateVersion(v Version) error {
	if err := ValidateTheoremName(v.TheoremName); err != nil {
		return err
	}
	if v.ArtifactHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing artifact hash", ErrInvalidInput)
	}
	return nil
}

func sortVersions(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		if !vs[i].CreatedAt.Equal(vs[j].CreatedAt) {
			return vs[i].CreatedAt.Before(vs[j].CreatedAt)
		}
		return strings.Compare(vs[i].ArtifactHash.Hex(), vs[j].ArtifactHash.Hex()) < 0
	})
	for i := range vs {
		vs[i].Sequence = i + 1
	}
}

type MemoryLineage struct {
	mu       sync.Mutex
	versions map[string][]Version
}

func NewMemoryLineage() *MemoryLineage {
	return &MemoryLineage{versions: make(map[string][]Version)}
}

func (m *MemoryLineage) Record(_ context.Context, v Version) error {
	if err := validateVersion(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[v.TheoremName] {
		if existing.ArtifactHash == v.ArtifactHash {
			return nil
		}
	}
	v.Sequence = len(m.versions[v.TheoremName]) + 1
	m.versions[v.TheoremName] = append(m.versions[v.TheoremName], v)
	return nil
}

func (m *MemoryLineage) Versions(_ context.Context, theoremName string) ([]Version, error) {
	if err := ValidateTheoremName(theoremName); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Version(nil), m.versions[theoremName]...), nil
}

// BlobLineage keeps one small record per version under
// lineage/<theorem>/<artifact hash>.json in the blob store.
type BlobLineage struct {
	blobs blobstore.Store
}

func NewBlobLineage(blobs blobstore.Store) (*BlobLineage, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	return &BlobLineage{blobs: blobs}, nil
}

func lineagePrefix(theoremName string) string {
	return "lineage/" + theoremName + "/"
}

func (l *BlobLineage) Record(ctx context.Context, v Version) error {
	if err := validateVersion(v); err != nil {
		return err
	}
	v.Sequence = 0
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifactstore: encode version: %w", err)
	}
	key := lineagePrefix(v.TheoremName) + contenthash.Hex(v.ArtifactHash) + ".json"
	_, err = l.blobs.Put(ctx, key, b, blobstore.PutOptions{ContentType: "application/json", IfAbsent: true})
	if err != nil && !errors.Is(err, blobstore.ErrAlreadyExists) {
		return err
	}
	return nil
}

func (l *BlobLineage) Versions(ctx context.Context, theoremName string) ([]Version, error) {
	if err := ValidateTheoremName(theoremName); err != nil {
		return nil, err
	}
	keys, err := l.blobs.List(ctx, lineagePrefix(theoremName))
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(keys))
	for _, k := range keys {
		obj, err := l.blobs.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		var v Version
		if err := json.Unmarshal(obj.Data, &v); err != nil {
			return nil, &IntegrityError{Key: k, Reason: fmt.Sprintf("decode version: %v", err)}
		}
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}

func (l *BlobLineage) Ping(ctx context.Context) error { return l.blobs.Ping(ctx) }
