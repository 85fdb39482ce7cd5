package proof

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

const (
	stubRequestVersion = "proof.stubs.v1"
	resultVersion      = "proof.artifacts.v1"
	deadLetterVersion  = "proof.deadletter.v1"
)

// MaxAttemptsLimit caps the attempts any caller may request for one stub.
const MaxAttemptsLimit = 10

// Options bound one GenerateProof call. Zero values use the service
// defaults.
type Options struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	MaxAttempts    int `json:"max_attempts,omitempty"`
}

func (o Options) Validate() error {
	if o.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be >= 0", ErrInvalidMessage)
	}
	if o.MaxAttempts < 0 || o.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("%w: max_attempts must be between 0 and %d", ErrInvalidMessage, MaxAttemptsLimit)
	}
	return nil
}

// StubRequest asks a worker to prove one stub.
type StubRequest struct {
	RequestID string
	Stub      theorem.Stub
	Options   Options
}

type stubRequestWire struct {
	Version   string       `json:"version"`
	RequestID string       `json:"request_id,omitempty"`
	Stub      theorem.Stub `json:"stub"`
	Options   Options      `json:"options"`
}

func EncodeStubRequest(r StubRequest) ([]byte, error) {
	if err := r.Options.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(stubRequestWire{
		Version:   stubRequestVersion,
		RequestID: strings.TrimSpace(r.RequestID),
		Stub:      r.Stub,
		Options:   r.Options,
	})
}

// DecodeStubRequest decodes and validates a request, including the stub's
// content hash.
func DecodeStubRequest(payload []byte) (StubRequest, error) {
	var raw stubRequestWire
	if err := json.Unmarshal(payload, &raw); err != nil {
		return StubRequest{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidMessage, err)
	}
	if raw.Version != stubRequestVersion {
		return StubRequest{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, raw.Version)
	}
	if err := raw.Stub.Validate(); err != nil {
		return StubRequest{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := raw.Options.Validate(); err != nil {
		return StubRequest{}, err
	}
	return StubRequest{RequestID: raw.RequestID, Stub: raw.Stub, Options: raw.Options}, nil
}

// ResultMessage announces a stored artifact.
type ResultMessage struct {
	RequestID string
	Artifact  Artifact
	Key       string
	Version   int
}

func EncodeResultMessage(m ResultMessage) ([]byte, error) {
	return json.Marshal(struct {
		Version       string `json:"version"`
		RequestID     string `json:"request_id,omitempty"`
		ArtifactID    string `json:"artifact_id"`
		ContentHash   string `json:"content_hash"`
		StubID        string `json:"stub_id"`
		StubHash      string `json:"stub_hash"`
		Status        Status `json:"status"`
		Attempts      int    `json:"attempts"`
		StorageKey    string `json:"storage_key,omitempty"`
		ObjectVersion int    `json:"object_version,omitempty"`
	}{
		Version:       resultVersion,
		RequestID:     strings.TrimSpace(m.RequestID),
		ArtifactID:    m.Artifact.ID,
		ContentHash:   m.Artifact.ContentHash.Hex(),
		StubID:        m.Artifact.StubID,
		StubHash:      m.Artifact.StubHash.Hex(),
		Status:        m.Artifact.Status,
		Attempts:      len(m.Artifact.Attempts),
		StorageKey:    m.Key,
		ObjectVersion: m.Version,
	})
}

// DeadLetter routes a non-successful artifact, or a request that could not
// be processed at all, to the failure-handling path.
type DeadLetter struct {
	RequestID   string
	StubID      string
	Status      Status
	Severity    string
	ErrorCode   string
	Message     string
	ContentHash string
	Attempts    int
	// Payload is the original request when it could not be decoded.
	Payload []byte
}

// DeadLetterFor builds the dead letter for a finished artifact.
func DeadLetterFor(requestID string, a Artifact) DeadLetter {
	return DeadLetter{
		RequestID:   requestID,
		StubID:      a.StubID,
		Status:      a.Status,
		Severity:    a.Status.Severity(),
		ErrorCode:   string(a.Status),
		Message:     a.FailureReason,
		ContentHash: a.ContentHash.Hex(),
		Attempts:    len(a.Attempts),
	}
}

func EncodeDeadLetter(d DeadLetter) ([]byte, error) {
	out := struct {
		Version     string `json:"version"`
		RequestID   string `json:"request_id,omitempty"`
		StubID      string `json:"stub_id,omitempty"`
		Status      Status `json:"status,omitempty"`
		Severity    string `json:"severity,omitempty"`
		ErrorCode   string `json:"error_code"`
		Message     string `json:"message,omitempty"`
		ContentHash string `json:"content_hash,omitempty"`
		Attempts    int    `json:"attempts"`
		Payload     []byte `json:"payload,omitempty"`
	}{
		Version:     deadLetterVersion,
		RequestID:   strings.TrimSpace(d.RequestID),
		StubID:      d.StubID,
		Status:      d.Status,
		Severity:    d.Severity,
		ErrorCode:   strings.TrimSpace(d.ErrorCode),
		Message:     strings.TrimSpace(d.Message),
		ContentHash: d.ContentHash,
		Attempts:    d.Attempts,
		Payload:     d.Payload,
	}
	if out.ErrorCode == "" {
		return nil, fmt.Errorf("%w: dead letter needs an error code", ErrInvalidMessage)
	}
	return json.Marshal(out)
}
