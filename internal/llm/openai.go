package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	xaiBaseURL        = "https://api.x.ai/v1"
)

// openRouterTransport adds attribution headers to OpenRouter requests
type openRouterTransport struct {
	base http.RoundTripper
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", "https://github.com/roelfdiedericks/chatstream")
	req.Header.Set("X-Title", "chatstream")
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// OpenAIProvider streams from OpenAI-compatible chat completion APIs.
// Serves the openai, openrouter and xai provider types via BaseURL.
type OpenAIProvider struct {
	name         string
	kind         string
	client       *openai.Client
	model        string
	maxTokens    int
	apiKey       string
	baseURL      string
	thinking     bool
	metricPrefix string
}

// NewOpenAIProvider creates an OpenAI-compatible provider from ProviderConfig.
func NewOpenAIProvider(name string, cfg ProviderConfig) (*OpenAIProvider, error) {
	kind := cfg.Type
	if kind == "" {
		kind = "openai"
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch kind {
		case "openrouter":
			baseURL = openRouterBaseURL
		case "xai":
			baseURL = xaiBaseURL
		}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	var transport http.RoundTripper = http.DefaultTransport
	if kind == "openrouter" || strings.Contains(strings.ToLower(baseURL), "openrouter") {
		transport = &openRouterTransport{base: http.DefaultTransport}
		L_debug("openai: using OpenRouter headers", "provider", name)
	}
	httpClient := &http.Client{Transport: transport}
	if cfg.TimeoutSeconds > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	config.HTTPClient = httpClient

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	p := &OpenAIProvider{
		name:      name,
		kind:      kind,
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: maxTokens,
		apiKey:    cfg.APIKey,
		baseURL:   config.BaseURL,
		thinking:  cfg.Thinking,
	}
	p.metricPrefix = fmt.Sprintf("llm/%s/%s", kind, name)

	L_debug("openai: provider created", "name", name, "type", kind, "baseURL", p.baseURL, "model", p.model)
	return p, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Type() string  { return p.kind }
func (p *OpenAIProvider) Model() string { return p.model }

// WithModel returns a clone of the provider with a different model
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

// IsConfigured reports whether the provider has credentials and a model.
func (p *OpenAIProvider) IsConfigured() bool {
	return p.apiKey != "" && p.model != ""
}

func (p *OpenAIProvider) SupportsAttachments() bool { return true }

// Stream starts a chat completion stream.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNotConfigured)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            p.convertMessages(req),
		MaxCompletionTokens: maxTokens,
		Stream:              true,
	}
	if req.Thinking || p.thinking {
		chatReq.ReasoningEffort = "medium"
	}

	startTime := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		p.logAPIError("stream creation failed", err)
		MetricDuration(p.metricPrefix, "request", time.Since(startTime))
		MetricFailWithReason(p.metricPrefix, "request_status", "stream_creation_error")
		return nil, fmt.Errorf("stream error: %w", err)
	}

	L_debug("openai: stream opened", "provider", p.name, "model", p.model, "messages", len(chatReq.Messages))

	return newChunkStream(ctx, func(ctx context.Context, emit emitFunc) error {
		defer stream.Close()
		chunkNum := 0
		finished := false
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					if !finished {
						emit(Chunk{Type: ChunkFinish, FinishReason: "eof"})
					}
					L_debug("openai: stream complete", "provider", p.name, "chunks", chunkNum,
						"duration", time.Since(startTime).Round(time.Millisecond))
					MetricDuration(p.metricPrefix, "request", time.Since(startTime))
					MetricSuccess(p.metricPrefix, "request_status")
					return nil
				}
				p.logAPIError("stream recv failed", err)
				MetricDuration(p.metricPrefix, "request", time.Since(startTime))
				MetricFailWithReason(p.metricPrefix, "request_status", "stream_error")
				return fmt.Errorf("stream error: %w", err)
			}
			chunkNum++

			for _, choice := range resp.Choices {
				if choice.Delta.ReasoningContent != "" {
					if !emit(Chunk{Type: ChunkReasoningDelta, Text: choice.Delta.ReasoningContent}) {
						return ctx.Err()
					}
				}
				if choice.Delta.Content != "" {
					if !emit(Chunk{Type: ChunkTextDelta, Text: choice.Delta.Content}) {
						return ctx.Err()
					}
				}
				if choice.FinishReason != "" && !finished {
					finished = true
					if !emit(Chunk{Type: ChunkFinish, FinishReason: string(choice.FinishReason)}) {
						return ctx.Err()
					}
				}
			}
		}
	}), nil
}

func (p *OpenAIProvider) convertMessages(req Request) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		if len(m.Attachments) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}

		var parts []openai.ChatMessagePart
		for _, att := range m.Attachments {
			if att.IsImage() {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + att.MimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attachment %s]\n%s", att.Name, string(att.Data)),
			})
		}
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

func (p *OpenAIProvider) logAPIError(what string, err error) {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) {
		L_error("openai: "+what+" (APIError)",
			"provider", p.name,
			"model", p.model,
			"statusCode", apiErr.HTTPStatusCode,
			"code", apiErr.Code,
			"message", apiErr.Message,
			"type", apiErr.Type,
		)
	} else if errors.As(err, &reqErr) {
		L_error("openai: "+what+" (RequestError)",
			"provider", p.name,
			"model", p.model,
			"statusCode", reqErr.HTTPStatusCode,
			"error", reqErr.Error(),
		)
	} else if !errors.Is(err, context.Canceled) {
		L_error("openai: "+what,
			"provider", p.name,
			"model", p.model,
			"error", err,
			"errorType", fmt.Sprintf("%T", err),
		)
	}
}
