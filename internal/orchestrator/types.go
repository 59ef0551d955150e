package orchestrator

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/chatstream/internal/conversation"
	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

var (
	// ErrNoConversation is returned when Options.Conversation is nil.
	ErrNoConversation = errors.New("orchestrator: no conversation")
	// ErrNoProviders is returned when Options.Providers is nil.
	ErrNoProviders = errors.New("orchestrator: no provider resolver")
)

// signatureNamespace scopes message signatures.
var signatureNamespace = uuid.MustParse("6f3c1f0e-8a7b-4c61-9d2e-2f5b7f1c9a10")

// Input is one user submission.
type Input struct {
	Text        string           `json:"text"`
	Attachments []string         `json:"attachments,omitempty"` // local paths, read before the first attempt
	Files       []llm.Attachment `json:"-"`                     // already prepared
}

// IsEmpty reports whether there is nothing to send.
func (in Input) IsEmpty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 && len(in.Files) == 0
}

// Signature is a stable digest of the payload used to key retry dedup.
func (in Input) Signature() string {
	var sb strings.Builder
	sb.WriteString(in.Text)
	for _, p := range in.Attachments {
		sb.WriteString("\x00path:")
		sb.WriteString(p)
	}
	for _, f := range in.Files {
		sb.WriteString("\x00file:")
		sb.WriteString(f.Name)
		sb.WriteString(uuid.NewSHA1(signatureNamespace, f.Data).String())
	}
	return uuid.NewSHA1(signatureNamespace, []byte(sb.String())).String()
}

// RetryableOperation preserves a failed turn's payload for exact replay.
type RetryableOperation struct {
	OperationKey       string
	Payload            Input
	MessageSignature   string
	UserMessageID      string
	AssistantMessageID string
}

func (op *RetryableOperation) key() string {
	return op.OperationKey + "|" + op.MessageSignature
}

// Observer receives turn events. Every field is optional.
type Observer struct {
	OnChunk              func(delta, accumulated string)
	OnThinkingChunk      func(delta, accumulated string)
	OnChunkReceived      func()
	OnDoneSignalReceived func()
	OnStreamCompleted    func()
	OnError              func(err error)
	OnFallback           func(from, to, reason string)
	OnProviderChange     func(provider, model string, isFallback bool)
	OnComplete           func()
	OnRetry              func(retry.Attempt)
}

// Status is a snapshot of the orchestrator's user-visible state.
// ErrorMessage is empty when there is no error.
type Status struct {
	State           lifecycle.State `json:"state"`
	IsStreaming     bool            `json:"isStreaming"`
	IsThinking      bool            `json:"isThinking"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CanRetry        bool            `json:"canRetry"`
	WasCancelled    bool            `json:"wasCancelled"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	FailedProviders []string        `json:"failedProviders,omitempty"`
	Attempts        int             `json:"attempts"`
}

// TurnError is reported through OnError when a turn fails after retries and
// fallback.
type TurnError struct {
	Provider       string
	Source         conversation.ErrorSource
	Classification llm.ErrorClassification
	Fixes          []string
}

func (e *TurnError) Error() string {
	return e.Classification.Message
}

func (e *TurnError) Unwrap() error {
	return e.Classification.Err
}

// Conversation is the message list the orchestrator mutates.
// *conversation.Store implements it.
type Conversation interface {
	Append(m conversation.Message) conversation.Message
	Update(id string, fn func(*conversation.Message)) bool
	Messages() []conversation.Message
}

// ProviderResolver resolves provider handles. *llm.Registry implements it.
type ProviderResolver interface {
	ResolveModel(provider, model string) llm.Provider
}

// healthTracker is implemented by resolvers that track invalid configuration.
type healthTracker interface {
	MarkInvalid(provider string, c llm.ErrorClassification)
	MarkHealthy(provider string)
}
