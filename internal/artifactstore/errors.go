// Package artifactstore persists theorem stubs and proof artifacts under their
// content hashes. Objects are sealed before they reach the blob store, writes
// are idempotent per hash and every read is integrity checked.
package artifactstore

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig = errors.New("artifactstore: invalid config")
	ErrInvalidInput  = errors.New("artifactstore: invalid input")
	ErrNotFound      = errors.New("artifactstore: not found")
	ErrIntegrity     = errors.New("artifactstore: integrity check failed")
	ErrStorage       = errors.New("artifactstore: storage error")
)

// IntegrityError reports a stored object whose bytes do not match the
// address it was read from.
type IntegrityError struct {
	Key    string
	Want   common.Hash
	Got    common.Hash
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Got != (common.Hash{}) {
		return fmt.Sprintf("artifactstore: integrity check failed for %s: want %s got %s", e.Key, e.Want.Hex(), e.Got.Hex())
	}
	return fmt.Sprintf("artifactstore: integrity check failed for %s: %s", e.Key, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
