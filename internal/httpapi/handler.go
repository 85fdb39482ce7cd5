// Package httpapi exposes the proof pipeline over HTTP and provides the
// matching client.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

type Service interface {
	CompileInvariantSet(set theorem.InvariantSet) ([]theorem.Stub, error)
	GenerateProofs(ctx context.Context, stubs []theorem.Stub, opts proof.Options) ([]pipeline.BatchResult, error)
	GetArtifact(ctx context.Context, h common.Hash) (proof.Artifact, error)
	Versions(ctx context.Context, theoremName string) ([]artifactstore.Version, error)
	HealthCheck(ctx context.Context) pipeline.Health
}

type Config struct {
	// AuthToken enables bearer-token auth on /v1 routes when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 1 MiB.
	MaxBodyBytes int64

	// MaxProveSeconds bounds one POST /v1/proofs server-side. Defaults to 600s.
	MaxProveSeconds int

	// MaxProveStubs limits the stubs in one POST /v1/proofs. Defaults to 64.
	MaxProveStubs int

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

func NewHandler(svc Service, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxProveSeconds <= 0 {
		cfg.MaxProveSeconds = 600
	}
	if cfg.MaxProveStubs <= 0 {
		cfg.MaxProveStubs = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handler{svc: svc, cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/health", h.health)
		r.Post("/invariant-sets/compile", h.compile)
		r.Post("/proofs", h.prove)
		r.Get("/artifacts/{hash}", h.getArtifact)
		r.Get("/theorems/{name}/versions", h.versions)
	})
	return r
}

type handler struct {
	svc Service
	cfg Config
	log *slog.Logger
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	res := h.svc.HealthCheck(r.Context())
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (h *handler) compile(w http.ResponseWriter, r *http.Request) {
	var set theorem.InvariantSet
	if !h.decode(w, r, &set) {
		return
	}
	stubs, err := h.svc.CompileInvariantSet(set)
	if err != nil {
		var ce *theorem.CompileError
		if errors.As(err, &ce) {
			writeError(w, http.StatusUnprocessableEntity, compileErrorCode(ce.Kind), ce.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid_invariant", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CompileResponse{SetID: set.ID, Stubs: stubs})
}

func (h *handler) prove(w http.ResponseWriter, r *http.Request) {
	var req ProveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Stubs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "stubs is required")
		return
	}
	if len(req.Stubs) > h.cfg.MaxProveStubs {
		writeError(w, http.StatusBadRequest, "too_many_stubs", fmt.Sprintf("at most %d stubs per request", h.cfg.MaxProveStubs))
		return
	}

	timeout := time.Duration(h.cfg.MaxProveSeconds) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	results, err := h.svc.GenerateProofs(ctx, req.Stubs, req.Options)
	switch {
	case err == nil:
	case errors.Is(err, proof.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "invalid_options", err.Error())
		return
	default:
		h.log.Error("generate proofs", "stubs", len(req.Stubs), "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	resp := ProveResponse{Results: make([]ProveResult, len(results))}
	for i, res := range results {
		resp.Results[i] = h.proveResult(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) proveResult(res pipeline.BatchResult) ProveResult {
	out := ProveResult{StubID: res.StubID}
	if res.Artifact.ID != "" {
		a := res.Artifact
		out.Artifact = &a
	}
	switch err := res.Err; {
	case err == nil:
		ack := res.Ack
		out.Ack = &ack
	case errors.Is(err, theorem.ErrInvalidStub):
		out.Error = &ErrorResponse{Error: "invalid_stub", Detail: err.Error()}
	case errors.Is(err, artifactstore.ErrStorage):
		h.log.Error("proof artifact not stored", "stub_id", res.StubID, "err", err)
		out.Error = &ErrorResponse{Error: "storage_unavailable"}
	default:
		h.log.Error("generate proof", "stub_id", res.StubID, "err", err)
		// Avoid leaking internal details by default.
		out.Error = &ErrorResponse{Error: "internal"}
	}
	return out
}

func (h *handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	hash, err := contenthash.Parse(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_hash", "")
		return
	}
	a, err := h.svc.GetArtifact(r.Context(), hash)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) versions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	vs, err := h.svc.Versions(r.Context(), name)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if vs == nil {
		vs = []artifactstore.Version{}
	}
	writeJSON(w, http.StatusOK, VersionsResponse{TheoremName: name, Versions: vs})
}

func (h *handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, artifactstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, artifactstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, artifactstore.ErrIntegrity):
		h.log.Error("stored object failed integrity check", "err", err)
		writeError(w, http.StatusInternalServerError, "integrity", "")
	case errors.Is(err, artifactstore.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "")
	default:
		h.log.Error("artifact store", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json", "")
		return false
	}
	return true
}

func compileErrorCode(kind error) string {
	switch {
	case errors.Is(kind, theorem.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(kind, theorem.ErrMalformedExpression):
		return "malformed_expression"
	default:
		return "invalid_invariant"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) == 1
}
