package artifactstore

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
)

const envelopeVersion = "proof.envelope.v1"

type Kind string

const (
	KindArtifact Kind = "artifact"
	KindStub     Kind = "stub"
)

// Envelope is the at-rest form of every object the store writes.
type Envelope struct {
	Version     string `json:"version"`
	Kind        Kind   `json:"kind"`
	ContentHash string `json:"content_hash"`
	KeyID       string `json:"key_id"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func ArtifactKey(h common.Hash) string {
	return "artifacts/" + contenthash.Hex(h) + "/v1.json"
}

func StubKey(h common.Hash) string {
	return "stubs/" + contenthash.Hex(h) + "/v1.json"
}

func sealEnvelope(s *Sealer, kind Kind, address common.Hash, plaintext []byte) ([]byte, error) {
	nonce, ct, err := s.Seal(address, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:     envelopeVersion,
		Kind:        kind,
		ContentHash: contenthash.Hex(address),
		KeyID:       s.KeyID(),
		Nonce:       nonce,
		Ciphertext:  ct,
	})
}

func openEnvelope(s *Sealer, kind Kind, key string, address common.Hash, raw []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &IntegrityError{Key: key, Want: address, Reason: fmt.Sprintf("decode envelope: %v", err)}
	}
	if env.Version != envelopeVersion || env.Kind != kind {
		return nil, &IntegrityError{Key: key, Want: address, Reason: fmt.Sprintf("unexpected envelope %s/%s", env.Version, env.Kind)}
	}
	got, err := contenthash.Parse(env.ContentHash)
	if err != nil {
		return nil, &IntegrityError{Key: key, Want: address, Reason: err.Error()}
	}
	if got != address {
		return nil, &IntegrityError{Key: key, Want: address, Got: got}
	}
	if env.KeyID != s.KeyID() {
		return nil, fmt.Errorf("%w: %s sealed with key %q, have %q", ErrIntegrity, key, env.KeyID, s.KeyID())
	}
	pt, err := s.Open(address, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, &IntegrityError{Key: key, Want: address, Reason: "ciphertext does not authenticate"}
	}
	return pt, nil
}
