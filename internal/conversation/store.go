// Package conversation holds the caller-owned message list mutated by the
// orchestrator.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/chatstream/internal/llm"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrorSource tells the UI where a failure came from so it can phrase fixes.
type ErrorSource string

const (
	SourceStreaming     ErrorSource = "streaming"
	SourceAttachment    ErrorSource = "attachment"
	SourceCompatibility ErrorSource = "compatibility"
)

// MaxFixes is the most suggested fixes an annotation carries.
const MaxFixes = 3

// ErrorAnnotation is the structured error attached to an assistant message.
type ErrorAnnotation struct {
	Type     string      `json:"type"` // always "error"
	Error    string      `json:"error"`
	Fixes    []string    `json:"fixes"`
	Source   ErrorSource `json:"source"`
	Provider string      `json:"provider,omitempty"`
}

// NewErrorAnnotation builds an annotation, keeping at most MaxFixes fixes.
func NewErrorAnnotation(msg string, fixes []string, source ErrorSource, provider string) *ErrorAnnotation {
	if len(fixes) > MaxFixes {
		fixes = fixes[:MaxFixes]
	}
	return &ErrorAnnotation{
		Type:     "error",
		Error:    msg,
		Fixes:    append([]string(nil), fixes...),
		Source:   source,
		Provider: provider,
	}
}

// Message is one entry in the conversation.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Thinking    string           `json:"thinking,omitempty"`
	Attachments []llm.Attachment `json:"attachments,omitempty"`
	Annotation  *ErrorAnnotation `json:"annotation,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Model       string           `json:"model,omitempty"`
	Superseded  bool             `json:"superseded,omitempty"` // a newer send took over before this reply finished
	CreatedAt   time.Time        `json:"createdAt"`
}

func (m Message) clone() Message {
	m.Attachments = append([]llm.Attachment(nil), m.Attachments...)
	if m.Annotation != nil {
		a := *m.Annotation
		a.Fixes = append([]string(nil), a.Fixes...)
		m.Annotation = &a
	}
	return m
}

// Store is an in-memory conversation. The mutex protects memory only;
// ordering between turns is the orchestrator's job.
type Store struct {
	mu       sync.RWMutex
	messages []Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a message, assigning an ID and timestamp when missing.
func (s *Store) Append(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.messages = append(s.messages, m.clone())
	s.mu.Unlock()
	return m
}

// Update applies fn to the message with id. It returns false if not found.
func (s *Store) Update(id string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			return true
		}
	}
	return false
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Messages returns a copy of every message in order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Reset removes every message.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// History converts messages before the one with id into provider messages.
// Failed, superseded or empty assistant messages are left out.
func History(messages []Message, beforeID string) []llm.Message {
	var out []llm.Message
	for _, m := range messages {
		if m.ID == beforeID {
			break
		}
		if m.Role == RoleAssistant && (m.Annotation != nil || m.Superseded || m.Content == "") {
			continue
		}
		out = append(out, llm.Message{
			Role:        string(m.Role),
			Content:     m.Content,
			Attachments: m.Attachments,
		})
	}
	return out
}
