package artifactstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	MinKeySize = 32

	sealInfo = "spec-to-proof/artifact-seal/v1"
)

// Sealer encrypts objects with XChaCha20-Poly1305 under a key derived per
// content address from a master key. The nonce is derived from the plaintext,
// so sealing the same bytes at the same address always yields the same
// ciphertext. Resumed uploads rely on that.
type Sealer struct {
	keyID  string
	master []byte
}

func NewSealer(keyID string, key []byte) (*Sealer, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, fmt.Errorf("%w: sealing key id is required", ErrInvalidConfig)
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: sealing key must be at least %d bytes, got %d", ErrInvalidConfig, MinKeySize, len(key))
	}
	return &Sealer{keyID: keyID, master: append([]byte(nil), key...)}, nil
}

func (s *Sealer) KeyID() string { return s.keyID }

func (s *Sealer) derive(address common.Hash) (encKey, nonceKey []byte, err error) {
	r := hkdf.New(sha256.New, s.master, address.Bytes(), []byte(sealInfo))
	buf := make([]byte, chacha20poly1305.KeySize+32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("artifactstore: derive key: %w", err)
	}
	return buf[:chacha20poly1305.KeySize], buf[chacha20poly1305.KeySize:], nil
}

func (s *Sealer) aad(address common.Hash) []byte {
	return append(address.Bytes(), []byte(s.keyID)...)
}

func (s *Sealer) Seal(address common.Hash, plaintext []byte) (nonce, ciphertext []byte, err error) {
	encKey, nonceKey, err := s.derive(address)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("artifactstore: cipher: %w", err)
	}
	mac := hmac.New(sha256.New, nonceKey)
	_, _ = mac.Write(plaintext)
	nonce = mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
	return nonce, aead.Seal(nil, nonce, plaintext, s.aad(address)), nil
}

func (s *Sealer) Open(address common.Hash, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIntegrity, len(nonce))
	}
	encKey, _, err := s.derive(address)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: cipher: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, s.aad(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return pt, nil
}
