package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/orchestrator"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/reasoning"
	"github.com/spec-to-proof/spec-to-proof/internal/sandbox"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invariantSet() theorem.InvariantSet {
	return theorem.InvariantSet{
		ID: "SET-HTTP",
		Invariants: []theorem.Invariant{{
			ID:               "INV-001",
			Description:      "Adding zero preserves a natural number",
			FormalExpression: "∀n ∈ ℕ, n + 0 = n",
			Variables:        []theorem.Variable{{Name: "n", Type: "Nat"}},
		}},
	}
}

func newService(t *testing.T, ready error) *pipeline.Service {
	t.Helper()
	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	require.NoError(t, err)
	sealer, err := artifactstore.NewSealer("http-test", bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	store, err := artifactstore.New(artifactstore.Config{Blobs: blobs, Sealer: sealer})
	require.NoError(t, err)

	provider := reasoning.Fixed{ProofCode: "simp"}
	verifier := readyFunc{
		Func: func(context.Context, sandbox.Candidate, time.Duration) (sandbox.Verdict, error) {
			return sandbox.Verdict{Status: sandbox.StatusAccepted}, nil
		},
		ready: ready,
	}
	orch, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{Provider: provider, Verifier: verifier})
	require.NoError(t, err)
	svc, err := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Compiler:     theorem.NewCompiler(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }),
		Orchestrator: orch,
		Store:        store,
		Provider:     provider,
		Verifier:     verifier,
	})
	require.NoError(t, err)
	return svc
}

type readyFunc struct {
	sandbox.Func
	ready error
}

func (r readyFunc) Ready(context.Context) error { return r.ready }

func newServer(t *testing.T, svc Service, cfg Config) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(svc, cfg))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, cfg.AuthToken)
	require.NoError(t, err)
	return srv, c
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, newService(t, nil), Config{AuthToken: "secret"})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_CompileProveGet(t *testing.T) {
	t.Parallel()

	_, c := newServer(t, newService(t, nil), Config{AuthToken: "secret"})
	ctx := context.Background()

	compiled, err := c.Compile(ctx, invariantSet())
	require.NoError(t, err)
	require.Len(t, compiled.Stubs, 1)
	assert.Equal(t, "SET-HTTP", compiled.SetID)
	require.NoError(t, compiled.Stubs[0].Validate())

	resp, err := c.Prove(ctx, compiled.Stubs, proof.Options{MaxAttempts: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	proved := resp.Results[0]
	require.Nil(t, proved.Error)
	require.NotNil(t, proved.Artifact)
	require.NotNil(t, proved.Ack)
	assert.Equal(t, compiled.Stubs[0].ID, proved.StubID)
	assert.Equal(t, proof.StatusSuccess, proved.Artifact.Status)
	assert.True(t, proved.Ack.Created)
	require.NoError(t, proved.Artifact.Validate())

	got, err := c.Artifact(ctx, proved.Artifact.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, proved.Artifact.ID, got.ID)
	assert.Equal(t, "simp", got.ProofCode)

	vs, err := c.Versions(ctx, compiled.Stubs[0].TheoremName)
	require.NoError(t, err)
	require.Len(t, vs.Versions, 1)
	assert.Equal(t, proved.Artifact.ContentHash, vs.Versions[0].ArtifactHash)
}

func TestHandler_ProveBatchReportsEachStub(t *testing.T) {
	t.Parallel()

	_, c := newServer(t, newService(t, nil), Config{})
	ctx := context.Background()

	set := invariantSet()
	set.Invariants = append(set.Invariants, theorem.Invariant{
		ID:               "INV-002",
		Description:      "Addition commutes",
		FormalExpression: "a + b = b + a",
		Variables:        []theorem.Variable{{Name: "a", Type: "Nat"}, {Name: "b", Type: "Nat"}},
	})
	compiled, err := c.Compile(ctx, set)
	require.NoError(t, err)
	require.Len(t, compiled.Stubs, 2)

	tampered := compiled.Stubs[0]
	tampered.LeanCode += "\n-- edited"
	batch := []theorem.Stub{compiled.Stubs[0], tampered, compiled.Stubs[1]}

	resp, err := c.Prove(ctx, batch, proof.Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	bad := resp.Results[1]
	require.NotNil(t, bad.Error)
	assert.Equal(t, "invalid_stub", bad.Error.Error)
	assert.Nil(t, bad.Ack)
	assert.Nil(t, bad.Artifact)

	for _, i := range []int{0, 2} {
		res := resp.Results[i]
		require.Nil(t, res.Error, "stub %d", i)
		require.NotNil(t, res.Artifact)
		assert.Equal(t, batch[i].ID, res.StubID)
		assert.Equal(t, batch[i].ID, res.Artifact.StubID)
		assert.Equal(t, proof.StatusSuccess, res.Artifact.Status)
	}
}

func TestHandler_RequiresBearer(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, newService(t, nil), Config{AuthToken: "secret"})
	c, err := NewClient(srv.URL, "wrong")
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), invariantSet())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "unauthorized", se.Code)
}

func TestHandler_CompileErrors(t *testing.T) {
	t.Parallel()

	_, c := newServer(t, newService(t, nil), Config{})
	set := invariantSet()
	set.Invariants[0].Variables[0].Type = "Matrix"

	_, err := c.Compile(context.Background(), set)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "unsupported_type", se.Code)

	set = invariantSet()
	set.Invariants[0].FormalExpression = "(n + 0 = n"
	_, err = c.Compile(context.Background(), set)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "malformed_expression", se.Code)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv, c := newServer(t, newService(t, nil), Config{MaxBodyBytes: 1 << 16, MaxProveStubs: 2})
	ctx := context.Background()

	cases := []struct {
		name string
		path string
		body string
		code string
	}{
		{name: "not json", path: "/v1/proofs", body: "{", code: "invalid_json"},
		{name: "unknown field", path: "/v1/proofs", body: `{"stubs":[],"extra":1}`, code: "invalid_json"},
		{name: "single stub shape", path: "/v1/proofs", body: `{"stub":{"id":"x"}}`, code: "invalid_json"},
		{name: "empty batch", path: "/v1/proofs", body: `{"stubs":[]}`, code: "invalid_request"},
		{name: "oversized batch", path: "/v1/proofs", body: `{"stubs":[{},{},{}]}`, code: "too_many_stubs"},
		{name: "trailing garbage", path: "/v1/invariant-sets/compile", body: `{"id":"x"} {}`, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tc.path, "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var er ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
			assert.Equal(t, tc.code, er.Error)
		})
	}

	compiled, err := c.Compile(ctx, invariantSet())
	require.NoError(t, err)
	for _, o := range []proof.Options{{MaxAttempts: -1}, {MaxAttempts: proof.MaxAttemptsLimit + 1}} {
		_, err = c.Prove(ctx, compiled.Stubs, o)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode)
		assert.Equal(t, "invalid_options", se.Code)
	}
}

func TestHandler_ArtifactNotFoundAndBadHash(t *testing.T) {
	t.Parallel()

	srv, c := newServer(t, newService(t, nil), Config{})

	_, err := c.Artifact(context.Background(), common.Hash{0x01})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	resp, err := http.Get(srv.URL + "/v1/artifacts/not-a-hash")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = c.Versions(context.Background(), "bad name!")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestHandler_HealthDegraded(t *testing.T) {
	t.Parallel()

	_, c := newServer(t, newService(t, sandbox.ErrUnavailable), Config{})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.HealthDegraded, h.Status)

	_, c = newServer(t, newService(t, nil), Config{})
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK())
}

type storageDown struct{ Service }

func (storageDown) GenerateProofs(_ context.Context, stubs []theorem.Stub, _ proof.Options) ([]pipeline.BatchResult, error) {
	out := make([]pipeline.BatchResult, len(stubs))
	for i, st := range stubs {
		out[i] = pipeline.BatchResult{StubID: st.ID, Err: errors.Join(artifactstore.ErrStorage, errors.New("bucket gone"))}
	}
	return out, nil
}

func (storageDown) GetArtifact(context.Context, common.Hash) (proof.Artifact, error) {
	return proof.Artifact{}, &artifactstore.IntegrityError{Key: "artifacts/x/v1.json", Reason: "aead"}
}

func TestHandler_StoreFailures(t *testing.T) {
	t.Parallel()

	svc := newService(t, nil)
	_, c := newServer(t, storageDown{Service: svc}, Config{})
	ctx := context.Background()

	compiled, err := c.Compile(ctx, invariantSet())
	require.NoError(t, err)

	resp, err := c.Prove(ctx, compiled.Stubs, proof.Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].Error)
	assert.Equal(t, "storage_unavailable", resp.Results[0].Error.Error)
	assert.Empty(t, resp.Results[0].Error.Detail)
	assert.Nil(t, resp.Results[0].Ack)

	_, err = c.Artifact(ctx, compiled.Stubs[0].ContentHash)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, "integrity", se.Code)
	assert.NotContains(t, se.Detail, "aead")
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://host", "http://"} {
		_, err := NewClient(raw, "")
		require.ErrorIs(t, err, ErrInvalidClientConfig, raw)
	}
	_, err := NewClient("http://localhost", "", WithHTTPClient(nil))
	require.ErrorIs(t, err, ErrInvalidClientConfig)
	_, err = NewClient("http://localhost", "", WithMaxResponseBytes(0))
	require.ErrorIs(t, err, ErrInvalidClientConfig)
}
