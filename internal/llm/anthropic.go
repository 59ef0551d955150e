package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
)

const defaultThinkingBudget = 4096

// AnthropicProvider streams from the Anthropic Messages API, including
// extended thinking deltas.
type AnthropicProvider struct {
	name         string
	client       anthropic.Client
	model        string
	maxTokens    int
	apiKey       string
	thinking     bool
	metricPrefix string
}

// NewAnthropicProvider creates an Anthropic provider from ProviderConfig.
// A custom BaseURL allows Anthropic-compatible APIs.
func NewAnthropicProvider(name string, cfg ProviderConfig) (*AnthropicProvider, error) {
	httpClient := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// retries are owned by the retry engine
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	p := &AnthropicProvider{
		name:         name,
		client:       anthropic.NewClient(opts...),
		model:        cfg.Model,
		maxTokens:    maxTokens,
		apiKey:       cfg.APIKey,
		thinking:     cfg.Thinking,
		metricPrefix: "llm/anthropic/" + name,
	}
	L_debug("anthropic: provider created", "name", name, "model", p.model)
	return p, nil
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Type() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// WithModel returns a clone of the provider with a different model
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

func (p *AnthropicProvider) IsConfigured() bool {
	return p.apiKey != "" && p.model != ""
}

func (p *AnthropicProvider) SupportsAttachments() bool { return true }

// Stream starts a Messages API stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNotConfigured)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if req.Thinking || p.thinking {
		// budget must stay below max_tokens
		if maxTokens <= defaultThinkingBudget {
			params.MaxTokens = int64(defaultThinkingBudget + 1024)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(defaultThinkingBudget)
		L_debug("anthropic: extended thinking enabled", "model", p.model, "budget", defaultThinkingBudget)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	startTime := time.Now()
	L_debug("anthropic: sending request", "provider", p.name, "model", p.model, "messages", len(params.Messages))

	return newChunkStream(ctx, func(ctx context.Context, emit emitFunc) error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		finished := false
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !emit(Chunk{Type: ChunkTextDelta, Text: delta.Text}) {
						return ctx.Err()
					}
				case anthropic.ThinkingDelta:
					if !emit(Chunk{Type: ChunkReasoningDelta, Text: delta.Thinking}) {
						return ctx.Err()
					}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					if !emit(Chunk{Type: ChunkFinishStep, FinishReason: string(ev.Delta.StopReason)}) {
						return ctx.Err()
					}
				}
			case anthropic.MessageStopEvent:
				finished = true
				if !emit(Chunk{Type: ChunkFinish, FinishReason: "stop"}) {
					return ctx.Err()
				}
			}
		}

		if err := stream.Err(); err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				L_error("anthropic: stream failed (APIError)",
					"provider", p.name,
					"model", p.model,
					"statusCode", apiErr.StatusCode,
					"error", apiErr.Error(),
				)
			} else if !errors.Is(err, context.Canceled) {
				L_error("anthropic: stream failed", "provider", p.name, "model", p.model, "error", err)
			}
			MetricDuration(p.metricPrefix, "request", time.Since(startTime))
			MetricFailWithReason(p.metricPrefix, "request_status", "stream_error")
			return fmt.Errorf("stream error: %w", err)
		}

		if !finished {
			emit(Chunk{Type: ChunkFinish, FinishReason: "eof"})
		}
		L_debug("anthropic: stream complete", "provider", p.name, "duration", time.Since(startTime).Round(time.Millisecond))
		MetricDuration(p.metricPrefix, "request", time.Since(startTime))
		MetricSuccess(p.metricPrefix, "request_status")
		return nil
	}), nil
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			if msg.Content == "" && len(msg.Attachments) == 0 {
				continue
			}
			var blocks []anthropic.ContentBlockParamUnion
			for _, att := range msg.Attachments {
				if att.IsImage() {
					blocks = append(blocks, anthropic.NewImageBlockBase64(att.MimeType, base64.StdEncoding.EncodeToString(att.Data)))
					continue
				}
				blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[attachment %s]\n%s", att.Name, string(att.Data))))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			result = append(result, anthropic.NewUserMessage(blocks...))
		case "assistant":
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}
