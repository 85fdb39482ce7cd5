package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps every version of every object. It backs tests and the
// single-process mode of the orchestrator.
type memoryStore struct {
	keys    keyspace
	maxGet  int64
	mu      sync.RWMutex
	history map[string][]revision
	pending map[string]*pendingUpload
}

type revision struct {
	body     []byte
	ctype    string
	meta     map[string]string
	etag     string
	storedAt time.Time
}

type pendingUpload struct {
	backend string
	opts    PutOptions
	chunks  map[int][]byte
}

func newMemoryStore(prefix string, maxGet int64) Store {
	return &memoryStore{
		keys:    newKeyspace(prefix),
		maxGet:  maxGetOrDefault(maxGet),
		history: make(map[string][]revision),
		pending: make(map[string]*pendingUpload),
	}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (m *memoryStore) appendLocked(backend string, body []byte, opts PutOptions) (PutResult, error) {
	revs := m.history[backend]
	if opts.IfAbsent && len(revs) > 0 {
		return PutResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, m.keys.logical(backend))
	}
	rev := revision{
		body:     bytes.Clone(body),
		ctype:    strings.TrimSpace(opts.ContentType),
		meta:     cleanMetadata(opts.Metadata),
		etag:     etagOf(body),
		storedAt: time.Now().UTC(),
	}
	m.history[backend] = append(revs, rev)
	return PutResult{ETag: rev.etag, VersionID: strconv.Itoa(len(revs) + 1)}, nil
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) (PutResult, error) {
	_, backend, err := m.keys.resolve(key)
	if err != nil {
		return PutResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(backend, payload, opts)
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, backend, err := m.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	revs := m.history[backend]
	m.mu.RUnlock()

	if len(revs) == 0 {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	cur := revs[len(revs)-1]
	if int64(len(cur.body)) > m.maxGet {
		return Object{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, logical, len(cur.body), m.maxGet)
	}
	return Object{
		Key:          logical,
		Data:         bytes.Clone(cur.body),
		ContentType:  cur.ctype,
		Metadata:     cleanMetadata(cur.meta),
		ETag:         cur.etag,
		VersionID:    strconv.Itoa(len(revs)),
		LastModified: cur.storedAt,
	}, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, backend, err := m.keys.resolve(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[backend]) > 0, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	scan := m.keys.listing(prefix)
	var out []string
	m.mu.RLock()
	for backend := range m.history {
		if strings.HasPrefix(backend, scan) {
			out = append(out, m.keys.logical(backend))
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

func (m *memoryStore) CreateUpload(_ context.Context, key string, opts PutOptions) (string, error) {
	_, backend, err := m.keys.resolve(key)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.pending[id] = &pendingUpload{backend: backend, opts: opts, chunks: make(map[int][]byte)}
	m.mu.Unlock()
	return id, nil
}

// uploadLocked finds an in-flight upload and checks it targets key.
func (m *memoryStore) uploadLocked(key, uploadID string) (*pendingUpload, error) {
	_, backend, err := m.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	up := m.pending[uploadID]
	if up == nil || up.backend != backend {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	return up, nil
}

func (m *memoryStore) UploadPart(_ context.Context, key, uploadID string, number int, data []byte) (Part, error) {
	if err := checkPartNumber(number); err != nil {
		return Part{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, err := m.uploadLocked(key, uploadID)
	if err != nil {
		return Part{}, err
	}
	up.chunks[number] = bytes.Clone(data)
	return Part{Number: number, ETag: etagOf(data), Size: int64(len(data))}, nil
}

func (m *memoryStore) ListParts(_ context.Context, key, uploadID string) ([]Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	up, err := m.uploadLocked(key, uploadID)
	if err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(up.chunks))
	for n, data := range up.chunks {
		parts = append(parts, Part{Number: n, ETag: etagOf(data), Size: int64(len(data))})
	}
	slices.SortFunc(parts, func(a, b Part) int { return a.Number - b.Number })
	return parts, nil
}

func (m *memoryStore) CompleteUpload(_ context.Context, key, uploadID string, parts []Part, opts PutOptions) (PutResult, error) {
	if err := validateParts(parts); err != nil {
		return PutResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, err := m.uploadLocked(key, uploadID)
	if err != nil {
		return PutResult{}, err
	}
	var body bytes.Buffer
	for _, p := range parts {
		chunk, ok := up.chunks[p.Number]
		if !ok || etagOf(chunk) != p.ETag {
			return PutResult{}, fmt.Errorf("%w: part %d missing or changed", ErrInvalidConfig, p.Number)
		}
		body.Write(chunk)
	}
	final := up.opts
	final.IfAbsent = opts.IfAbsent
	res, err := m.appendLocked(up.backend, body.Bytes(), final)
	if err != nil {
		return PutResult{}, err
	}
	delete(m.pending, uploadID)
	return res, nil
}

func (m *memoryStore) AbortUpload(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.uploadLocked(key, uploadID); err != nil {
		return err
	}
	delete(m.pending, uploadID)
	return nil
}

func (*memoryStore) Ping(context.Context) error { return nil }

func (*memoryStore) EnsureVersioning(context.Context) error { return nil }
