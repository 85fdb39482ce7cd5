package proof

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestStubRequestRoundTrip(t *testing.T) {
	t.Parallel()

	st := testStub(t)
	payload, err := EncodeStubRequest(StubRequest{RequestID: " r-1 ", Stub: st, Options: Options{TimeoutSeconds: 10, MaxAttempts: 2}})
	if err != nil {
		t.Fatalf("EncodeStubRequest: %v", err)
	}
	got, err := DecodeStubRequest(payload)
	if err != nil {
		t.Fatalf("DecodeStubRequest: %v", err)
	}
	if got.RequestID != "r-1" {
		t.Fatalf("request id: got %q", got.RequestID)
	}
	if got.Stub.ContentHash != st.ContentHash || got.Stub.LeanCode != st.LeanCode {
		t.Fatalf("stub changed in transit")
	}
	if got.Options.MaxAttempts != 2 || got.Options.TimeoutSeconds != 10 {
		t.Fatalf("options: got %+v", got.Options)
	}
}

func TestDecodeStubRequest_Invalid(t *testing.T) {
	t.Parallel()

	st := testStub(t)
	tampered := st
	tampered.LeanCode = strings.Replace(st.LeanCode, "n + 0 = n", "n = n", 1)
	payload, err := EncodeStubRequest(StubRequest{Stub: tampered})
	if err != nil {
		t.Fatalf("EncodeStubRequest: %v", err)
	}

	for name, p := range map[string][]byte{
		"not json":     []byte("{"),
		"bad version":  []byte(`{"version":"proof.stubs.v0"}`),
		"tampered":     payload,
		"neg attempts": mustMarshal(t, stubRequestWire{Version: stubRequestVersion, Stub: st, Options: Options{MaxAttempts: -1}}),
		"too many":     mustMarshal(t, stubRequestWire{Version: stubRequestVersion, Stub: st, Options: Options{MaxAttempts: MaxAttemptsLimit + 1}}),
	} {
		if _, err := DecodeStubRequest(p); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: got %v want ErrInvalidMessage", name, err)
		}
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestEncodeDeadLetter_SandboxFault(t *testing.T) {
	t.Parallel()

	st := testStub(t)
	a := sealed(t, Artifact{
		StubID:        st.ID,
		StubHash:      st.ContentHash,
		TheoremName:   st.TheoremName,
		Status:        StatusSandboxFault,
		FailureReason: "filesystem access: IO.FS",
		Attempts:      []Attempt{{Number: 1, Outcome: OutcomeSandboxFault}},
	})
	payload, err := EncodeDeadLetter(DeadLetterFor("r-9", a))
	if err != nil {
		t.Fatalf("EncodeDeadLetter: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for k, want := range map[string]any{
		"version":    "proof.deadletter.v1",
		"request_id": "r-9",
		"status":     "sandbox_fault",
		"severity":   "high",
		"error_code": "sandbox_fault",
		"attempts":   float64(1),
	} {
		if msg[k] != want {
			t.Fatalf("%s: got %v want %v", k, msg[k], want)
		}
	}

	if _, err := EncodeDeadLetter(DeadLetter{}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty dead letter: got %v", err)
	}
}

func TestEncodeResultMessage(t *testing.T) {
	t.Parallel()

	a := successArtifact(t)
	payload, err := EncodeResultMessage(ResultMessage{RequestID: "r-1", Artifact: a, Key: "artifacts/x/v1", Version: 1})
	if err != nil {
		t.Fatalf("EncodeResultMessage: %v", err)
	}
	var msg struct {
		Version     string `json:"version"`
		ArtifactID  string `json:"artifact_id"`
		ContentHash string `json:"content_hash"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Version != "proof.artifacts.v1" || msg.ArtifactID != a.ID || msg.ContentHash != a.ContentHash.Hex() || msg.Status != "success" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
