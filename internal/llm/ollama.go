package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider streams from a local Ollama server over its NDJSON chat API.
// Attachments are not supported.
type OllamaProvider struct {
	name         string
	url          string
	model        string
	client       *http.Client
	metricPrefix string
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Think    bool                `json:"think,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// NewOllamaProvider creates an Ollama provider from ProviderConfig.
func NewOllamaProvider(name string, cfg ProviderConfig) (*OllamaProvider, error) {
	url := strings.TrimSuffix(cfg.BaseURL, "/")
	if url == "" {
		url = defaultOllamaURL
	}
	// no client-level timeout: streams are bounded by the lifecycle watchdogs
	client := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	p := &OllamaProvider{
		name:         name,
		url:          url,
		model:        cfg.Model,
		client:       client,
		metricPrefix: "llm/ollama/" + name,
	}
	L_debug("ollama: provider created", "name", name, "url", url, "model", p.model)
	return p, nil
}

func (p *OllamaProvider) Name() string  { return p.name }
func (p *OllamaProvider) Type() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

// WithModel returns a clone of the provider with a different model
func (p *OllamaProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

// IsConfigured needs only a model; the server is local.
func (p *OllamaProvider) IsConfigured() bool {
	return p.model != ""
}

func (p *OllamaProvider) SupportsAttachments() bool { return false }

// Stream posts to /api/chat and decodes one JSON object per line.
func (p *OllamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNotConfigured)
	}

	var messages []ollamaChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   true,
		Think:    req.Thinking,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		L_error("ollama: request failed", "provider", p.name, "error", err)
		MetricFailWithReason(p.metricPrefix, "request_status", "connect_error")
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		L_error("ollama: request failed", "status", resp.StatusCode, "body", string(errBody))
		MetricFailWithReason(p.metricPrefix, "request_status", fmt.Sprintf("http_%d", resp.StatusCode))
		return nil, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(errBody))}
	}

	return newChunkStream(ctx, func(ctx context.Context, emit emitFunc) error {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return fmt.Errorf("decode chunk: %w", err)
			}
			if chunk.Error != "" {
				return &ProviderError{Provider: p.name, Message: chunk.Error}
			}
			if chunk.Message.Thinking != "" {
				if !emit(Chunk{Type: ChunkReasoningDelta, Text: chunk.Message.Thinking}) {
					return ctx.Err()
				}
			}
			if chunk.Message.Content != "" {
				if !emit(Chunk{Type: ChunkTextDelta, Text: chunk.Message.Content}) {
					return ctx.Err()
				}
			}
			if chunk.Done {
				emit(Chunk{Type: ChunkFinish, FinishReason: chunk.DoneReason})
				MetricDuration(p.metricPrefix, "request", time.Since(startTime))
				MetricSuccess(p.metricPrefix, "request_status")
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			MetricFailWithReason(p.metricPrefix, "request_status", "stream_error")
			return fmt.Errorf("read stream: %w", err)
		}
		// body closed without a done marker
		return io.ErrUnexpectedEOF
	}), nil
}
