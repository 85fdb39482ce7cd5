package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
)

var ErrInvalidClientConfig = errors.New("httpapi: invalid client config")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *StatusError) Error() string {
	msg := e.Code
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return fmt.Sprintf("httpapi: status %d: %s", e.StatusCode, msg)
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 15 * time.Minute},
		maxRespBytes: 16 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Compile(ctx context.Context, set theorem.InvariantSet) (CompileResponse, error) {
	var out CompileResponse
	err := c.do(ctx, http.MethodPost, "/v1/invariant-sets/compile", set, &out)
	return out, err
}

// Prove submits a batch. A nil error means the batch was accepted; check
// each ProveResult for per-stub failures.
func (c *Client) Prove(ctx context.Context, stubs []theorem.Stub, opts proof.Options) (ProveResponse, error) {
	var out ProveResponse
	err := c.do(ctx, http.MethodPost, "/v1/proofs", ProveRequest{Stubs: stubs, Options: opts}, &out)
	return out, err
}

func (c *Client) Artifact(ctx context.Context, h common.Hash) (proof.Artifact, error) {
	var out proof.Artifact
	err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+contenthash.Hex(h), nil, &out)
	return out, err
}

func (c *Client) Versions(ctx context.Context, theoremName string) (VersionsResponse, error) {
	var out VersionsResponse
	err := c.do(ctx, http.MethodGet, "/v1/theorems/"+url.PathEscape(theoremName)+"/versions", nil, &out)
	return out, err
}

// Health returns the report even when the server answers 503.
func (c *Client) Health(ctx context.Context) (pipeline.Health, error) {
	var out pipeline.Health
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("httpapi: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Code: strings.TrimSpace(string(b))}
		var er ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			se.Code, se.Detail = er.Error, er.Detail
		} else if resp.StatusCode == http.StatusServiceUnavailable {
			// Health reports come back with 503 and their own body.
			_ = json.Unmarshal(b, out)
		}
		if se.Code == "" {
			se.Code = resp.Status
		}
		return se
	}

	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("httpapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("httpapi: response too large")
	}
	return b, nil
}
