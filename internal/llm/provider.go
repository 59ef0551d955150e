// Package llm provides the provider contract, provider adapters, error
// classification and fallback resolution used by the stream orchestrator.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ChunkType identifies an event emitted by a provider stream.
type ChunkType string

const (
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkFinishStep     ChunkType = "finish-step"
	ChunkFinish         ChunkType = "finish"
)

// IsFinish reports whether the chunk signals completion. Either finish
// variant is authoritative.
func (t ChunkType) IsFinish() bool {
	return t == ChunkFinish || t == ChunkFinishStep
}

// Chunk is a single event from a provider stream.
type Chunk struct {
	Type         ChunkType
	Text         string
	FinishReason string
}

// Stream yields chunks until io.EOF. Recv returns ctx.Err() once the
// request context is cancelled.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Attachment is a prepared file sent alongside a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
}

// IsImage reports whether the attachment can be sent as an image part.
func (a Attachment) IsImage() bool {
	return len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

// Message is a provider-agnostic conversation message.
type Message struct {
	Role        string       `json:"role"` // "user", "assistant"
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Request is one streaming completion request.
type Request struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Thinking     bool
}

// Provider is the interface every model backend implements. Providers are
// immutable; WithModel returns a clone.
type Provider interface {
	Name() string  // provider id (e.g. "openai", "openrouter")
	Type() string  // adapter type (e.g. "openai", "anthropic", "ollama")
	Model() string // current model
	WithModel(model string) Provider
	IsConfigured() bool
	SupportsAttachments() bool
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ProviderConfig configures a single provider instance.
type ProviderConfig struct {
	Type           string `yaml:"type" json:"type"`                     // "openai", "openrouter", "xai", "anthropic", "ollama", "echo"
	APIKey         string `yaml:"apiKey" json:"apiKey,omitempty"`       // may be ${ENV_VAR}
	BaseURL        string `yaml:"baseUrl" json:"baseUrl,omitempty"`     // override endpoint
	Model          string `yaml:"model" json:"model,omitempty"`         // selected model
	MaxTokens      int    `yaml:"maxTokens" json:"maxTokens,omitempty"` // output limit (0 = adapter default)
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`
	Thinking       bool   `yaml:"thinking" json:"thinking,omitempty"` // request reasoning deltas where supported
	Disabled       bool   `yaml:"disabled" json:"disabled,omitempty"`
}

var (
	// ErrNotConfigured is returned when a provider lacks credentials or is disabled.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrInvalidModel is returned when a model id is empty or rejected.
	ErrInvalidModel = errors.New("invalid model")
	// ErrUnknownProvider is returned for provider types with no adapter.
	ErrUnknownProvider = errors.New("unknown provider type")
)

// ProviderError carries an HTTP status from a provider without a typed SDK error.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
