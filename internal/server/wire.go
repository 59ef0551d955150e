package server

import (
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
)

// Client message types
const (
	MsgSend       = "send"
	MsgRetry      = "retry"
	MsgCancel     = "cancel"
	MsgReset      = "reset"
	MsgBackground = "background"
	MsgForeground = "foreground"
	MsgProvider   = "provider"
	MsgTitle      = "title"
	MsgStatus     = "status"
)

// Server event types
const (
	EventChunk    = "chunk"
	EventThinking = "thinking"
	EventError    = "error"
	EventFallback = "fallback"
	EventProvider = "provider"
	EventRetry    = "retry"
	EventComplete = "complete"
	EventStatus   = "status"
	EventTitle    = "title"
)

// ClientMessage is a request from the client.
type ClientMessage struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Files    []WireFile `json:"files,omitempty"`
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
}

// WireFile is an inline attachment. Data is base64 in JSON.
type WireFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data"`
}

// ServerEvent is pushed to the client. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type        string               `json:"type"`
	Delta       string               `json:"delta,omitempty"`
	Accumulated string               `json:"accumulated,omitempty"`
	Error       string               `json:"error,omitempty"`
	Fixes       []string             `json:"fixes,omitempty"`
	From        string               `json:"from,omitempty"`
	To          string               `json:"to,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Provider    string               `json:"provider,omitempty"`
	Model       string               `json:"model,omitempty"`
	IsFallback  bool                 `json:"isFallback,omitempty"`
	Attempt     int                  `json:"attempt,omitempty"`
	DelayMs     int64                `json:"delayMs,omitempty"`
	Category    string               `json:"category,omitempty"`
	Title       string               `json:"title,omitempty"`
	Status      *orchestrator.Status `json:"status,omitempty"`
}
