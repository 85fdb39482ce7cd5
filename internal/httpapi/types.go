package httpapi

import (
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

// CompileResponse is the response body for POST /v1/invariant-sets/compile.
type CompileResponse struct {
	SetID string         `json:"set_id"`
	Stubs []theorem.Stub `json:"stubs"`
}

// ProveRequest is the request body for POST /v1/proofs.
type ProveRequest struct {
	Stubs   []theorem.Stub `json:"stubs"`
	Options proof.Options  `json:"options"`
}

// ProveResult is one stub's outcome. Ack is set when the artifact was
// stored, Error otherwise. Artifact is present whenever orchestration ran,
// even if storing it failed.
type ProveResult struct {
	StubID   string             `json:"stub_id"`
	Artifact *proof.Artifact    `json:"artifact,omitempty"`
	Ack      *artifactstore.Ack `json:"ack,omitempty"`
	Error    *ErrorResponse     `json:"error,omitempty"`
}

// ProveResponse is the response body for POST /v1/proofs. Results follow
// request order.
type ProveResponse struct {
	Results []ProveResult `json:"results"`
}

// VersionsResponse is the response body for GET /v1/theorems/{name}/versions.
type VersionsResponse struct {
	TheoremName string                  `json:"theorem_name"`
	Versions    []artifactstore.Version `json:"versions"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
