package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL points at any OpenAI-compatible endpoint, including the /v1
	// suffix. Empty uses the public API.
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint with
// a pinned seed and a forced complete_proof function call.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
	log       *slog.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, log *slog.Logger) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("reasoning: openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("reasoning: openai model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		log:       log,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	seed := int(req.Seed)

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	p.log.Debug("openai request", "stub_id", req.StubID, "model", p.model, "seed", seed)
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: maxTokens,
		// A zero temperature is dropped by omitempty and the server default
		// applies, so send the smallest positive value instead.
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        CompleteProofTool,
				Description: completeProofDescription,
				Parameters:  json.RawMessage(completeProofSchema),
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: CompleteProofTool},
		},
	})
	if err != nil {
		return Completion{}, p.classify(ctx, err)
	}

	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	if len(resp.Choices) == 0 {
		return Completion{Usage: usage}, fmt.Errorf("%w: no choices", ErrMalformedCompletion)
	}
	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		if call.Function.Name != CompleteProofTool {
			continue
		}
		c, err := parseToolArguments([]byte(call.Function.Arguments))
		if err != nil {
			return Completion{Usage: usage}, err
		}
		c.Raw = joinRaw(msg.Content, c.Raw)
		c.Model = resp.Model
		c.Usage = usage
		return c, nil
	}
	if code := ExtractProof(msg.Content); code != "" {
		return Completion{ProofCode: code, Raw: msg.Content, Model: resp.Model, Usage: usage}, nil
	}
	return Completion{Usage: usage}, fmt.Errorf("%w: no %s call (finish_reason %s)", ErrMalformedCompletion, CompleteProofTool, resp.Choices[0].FinishReason)
}

func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.classify(ctx, err)
	}
	return nil
}

func (p *OpenAIProvider) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ServiceError{
			Provider:   p.Name(),
			StatusCode: apiErr.HTTPStatusCode,
			Retryable:  retryableStatus(apiErr.HTTPStatusCode),
			Message:    apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ServiceError{
			Provider:   p.Name(),
			StatusCode: reqErr.HTTPStatusCode,
			Retryable:  retryableStatus(reqErr.HTTPStatusCode),
			Err:        reqErr.Err,
		}
	}
	return transportError(ctx, p.Name(), err)
}
