package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultMaxTokens        = 4096

	maxResponseBytes = 4 << 20
)

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxTokens is used when a Request leaves it zero.
	MaxTokens  int
	HTTPClient *http.Client
}

// AnthropicProvider calls the Messages API and forces the complete_proof
// tool. The API has no seed parameter, so Request.Seed is not sent.
type AnthropicProvider struct {
	cfg  AnthropicConfig
	http *http.Client
	log  *slog.Logger
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Tools       []anthropicTool    `json:"tools"`
	ToolChoice  anthropicChoice    `json:"tool_choice"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Content    []anthropicContent `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewAnthropicProvider(cfg AnthropicConfig, log *slog.Logger) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("reasoning: anthropic api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("reasoning: anthropic model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &AnthropicProvider{cfg: cfg, http: hc, log: log}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: 0,
		Tools: []anthropicTool{{
			Name:        CompleteProofTool,
			Description: completeProofDescription,
			InputSchema: json.RawMessage(completeProofSchema),
		}},
		ToolChoice: anthropicChoice{Type: "tool", Name: CompleteProofTool},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("reasoning: marshal request: %w", err)
	}

	p.log.Debug("anthropic request", "stub_id", req.StubID, "model", p.cfg.Model, "max_tokens", maxTokens)
	respBody, err := p.do(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		return Completion{}, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Completion{}, fmt.Errorf("%w: decode response: %v", ErrMalformedCompletion, err)
	}
	usage := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}

	var (
		text  strings.Builder
		input json.RawMessage
	)
	for _, block := range resp.Content {
		switch {
		case block.Type == "tool_use" && block.Name == CompleteProofTool && input == nil:
			input = block.Input
		case block.Type == "text":
			text.WriteString(block.Text)
		}
	}
	if input != nil {
		c, err := parseToolArguments(input)
		if err != nil {
			return Completion{Usage: usage}, err
		}
		c.Raw = joinRaw(text.String(), c.Raw)
		c.Model = resp.Model
		c.Usage = usage
		return c, nil
	}
	if code := ExtractProof(text.String()); code != "" {
		return Completion{ProofCode: code, Raw: text.String(), Model: resp.Model, Usage: usage}, nil
	}
	return Completion{Usage: usage}, fmt.Errorf("%w: no %s call (stop_reason %s)", ErrMalformedCompletion, CompleteProofTool, resp.StopReason)
}

func (p *AnthropicProvider) Ping(ctx context.Context) error {
	_, err := p.do(ctx, http.MethodGet, "/v1/models?limit=1", nil)
	return err
}

func (p *AnthropicProvider) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("reasoning: build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if body != nil {
		httpReq.Header.Set("content-type", "application/json")
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, p.Name(), err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, p.Name(), err)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(b))
		var apiErr anthropicError
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Type + ": " + apiErr.Error.Message
		}
		return nil, &ServiceError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Message:    msg,
		}
	}
	return b, nil
}
