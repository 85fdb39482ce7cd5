// Package contenthash derives the content addresses used for theorem stubs,
// proof artifacts and provider seeds.
package contenthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

// Domain prefixes. The version suffix allows migrating the algorithm without
// colliding with addresses already in storage.
const (
	DomainInvariant = "spec-to-proof/invariant/v1"
	DomainStub      = "spec-to-proof/theorem-stub/v1"
	DomainArtifact  = "spec-to-proof/proof-artifact/v1"
	DomainSeed      = "spec-to-proof/seed/v1"
	DomainPrompt    = "spec-to-proof/prompt/v1"
)

var ErrInvalidHash = errors.New("contenthash: invalid hash")

// Sum computes SHA256(domain || 0x00 || data).
func Sum(domain string, data []byte) common.Hash {
	h := sha256.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write(data)
	return common.BytesToHash(h.Sum(nil))
}

// SumCanonical hashes the canonical JSON encoding of v.
func SumCanonical(domain string, v any) (common.Hash, error) {
	b, err := Canonical(v)
	if err != nil {
		return common.Hash{}, err
	}
	return Sum(domain, b), nil
}

// Canonical encodes v as JSON with sorted object keys, NFC-normalised strings,
// no HTML escaping and no insignificant whitespace.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("contenthash: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("contenthash: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(generic)); err != nil {
		return nil, fmt.Errorf("contenthash: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		// encoding/json sorts map keys when encoding.
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// Hex renders h as 64 lowercase hex characters without a 0x prefix. This is
// the form used in storage keys and wire payloads.
func Hex(h common.Hash) string {
	return hex.EncodeToString(h[:])
}

// Parse accepts a 64 character hex digest with or without a 0x prefix.
func Parse(s string) (common.Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("%w: want 64 hex chars, got %d", ErrInvalidHash, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return common.BytesToHash(b), nil
}

// Seed derives a non-negative provider seed from a stub hash.
func Seed(stubHash common.Hash) int64 {
	d := Sum(DomainSeed, stubHash[:])
	return int64(binary.BigEndian.Uint64(d[:8]) & (1<<63 - 1))
}
