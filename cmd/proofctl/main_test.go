package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

const setJSON = `{
  "id": "SET-CLI",
  "invariants": [
    {"id": "INV-001", "description": "zero is neutral", "formal_expression": "n + 0 = n", "variables": [{"name": "n", "type": "Nat"}]},
    {"id": "INV-002", "description": "bounded", "formal_expression": "x ≤ 10", "variables": [{"name": "x", "type": "Nat"}]}
  ]
}`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func compileStubs(t *testing.T) []theorem.Stub {
	t.Helper()
	out, err := execute(t, setJSON, "compile")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var stubs []theorem.Stub
	if err := json.Unmarshal([]byte(out), &stubs); err != nil {
		t.Fatalf("decode stubs: %v", err)
	}
	return stubs
}

func TestCompile_LocalFromStdin(t *testing.T) {
	t.Parallel()

	stubs := compileStubs(t)
	if len(stubs) != 2 {
		t.Fatalf("stub count: got=%d want=2", len(stubs))
	}
	for _, st := range stubs {
		if err := st.Validate(); err != nil {
			t.Fatalf("stub %s: %v", st.ID, err)
		}
	}
	if stubs[0].TheoremName != "inv_inv_001" {
		t.Fatalf("theorem name: got=%q", stubs[0].TheoremName)
	}
}

func TestCompile_TextFormatFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "set.json")
	if err := os.WriteFile(path, []byte(setJSON), 0o600); err != nil {
		t.Fatalf("write set: %v", err)
	}
	out, err := execute(t, "", "compile", "--format", "text", path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "theorem inv_inv_002") || !strings.Contains(out, "sorry") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	if _, err := execute(t, "", "compile"); err == nil {
		t.Fatalf("expected error on empty stdin")
	}
	if _, err := execute(t, setJSON, "compile", "--format", "yaml"); err == nil || !strings.Contains(err.Error(), "invalid --format") {
		t.Fatalf("expected format error, got %v", err)
	}
	bad := strings.Replace(setJSON, `"Nat"}]},`, `"Matrix"}]},`, 1)
	if _, err := execute(t, bad, "compile"); err == nil || !strings.Contains(err.Error(), "unsupported type") {
		t.Fatalf("expected unsupported type, got %v", err)
	}
}

func TestPublish_StdioWritesStubRequests(t *testing.T) {
	t.Parallel()

	stubs := compileStubs(t)
	in, err := json.Marshal(stubs)
	if err != nil {
		t.Fatalf("marshal stubs: %v", err)
	}
	out, err := execute(t, string(in), "publish", "--queue-driver", "stdio", "--request-id", "req", "--max-attempts", "2")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("published lines: got=%d want=2\n%s", len(lines), out)
	}
	for i, line := range lines {
		req, err := proof.DecodeStubRequest([]byte(line))
		if err != nil {
			t.Fatalf("decode line %d: %v", i, err)
		}
		if req.Stub.ContentHash != stubs[i].ContentHash {
			t.Fatalf("line %d stub mismatch", i)
		}
		if req.Options.MaxAttempts != 2 {
			t.Fatalf("line %d max attempts: got=%d", i, req.Options.MaxAttempts)
		}
		if want := "req-" + string(rune('1'+i)); req.RequestID != want {
			t.Fatalf("line %d request id: got=%q want=%q", i, req.RequestID, want)
		}
	}
}

func TestDecodeStubs_RejectsTampered(t *testing.T) {
	t.Parallel()

	st := compileStubs(t)[0]
	st.LeanCode += "-- edited\n"
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := execute(t, string(b), "publish", "--queue-driver", "stdio"); err == nil || !strings.Contains(err.Error(), "content hash mismatch") {
		t.Fatalf("expected content hash mismatch, got %v", err)
	}
}

func TestHealth_DegradedExitsNonZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","components":[{"name":"sandbox","ok":false,"error":"sandbox: unavailable","latency_ms":1}],"checked_at":"2026-03-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "", "health", "--server", srv.URL, "--token-env", "PROOFCTL_TEST_UNSET_TOKEN", "--format", "text")
	if err == nil || err.Error() != "service degraded" {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if !strings.Contains(out, "sandbox\tdown: sandbox: unavailable") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestProve_BatchesAndReportsFailures(t *testing.T) {
	t.Parallel()

	stubs := compileStubs(t)
	var (
		mu      sync.Mutex
		batches [][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/proofs" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Stubs   []theorem.Stub `json:"stubs"`
			Options proof.Options  `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Options.MaxAttempts != 2 {
			t.Errorf("max attempts: got=%d", req.Options.MaxAttempts)
		}
		var ids []string
		var results []map[string]any
		for _, st := range req.Stubs {
			ids = append(ids, st.ID)
			if st.ID == stubs[0].ID {
				results = append(results, map[string]any{
					"stub_id":  st.ID,
					"artifact": map[string]any{"stub_id": st.ID, "theorem_name": st.TheoremName, "status": "success"},
					"ack":      map[string]any{"key": "artifacts/x/v1.json", "created": true},
				})
				continue
			}
			results = append(results, map[string]any{
				"stub_id": st.ID,
				"error":   map[string]any{"error": "storage_unavailable"},
			})
		}
		mu.Lock()
		batches = append(batches, ids)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	defer srv.Close()

	b, err := json.Marshal(stubs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := execute(t, string(b), "prove", "--server", srv.URL, "--token-env", "PROOFCTL_TEST_UNSET_TOKEN",
		"--format", "text", "--max-attempts", "2", "--batch-size", "1")
	if err == nil || err.Error() != "1 of 2 stubs not proved" {
		t.Fatalf("expected one failure, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 || batches[0][0] != stubs[0].ID || batches[1][0] != stubs[1].ID {
		t.Fatalf("batches: got=%v", batches)
	}
	if !strings.Contains(out, stubs[0].TheoremName+"\tsuccess") {
		t.Fatalf("missing proved stub:\n%s", out)
	}
	if !strings.Contains(out, stubs[1].ID+": storage_unavailable") {
		t.Fatalf("missing failure line:\n%s", out)
	}
}
