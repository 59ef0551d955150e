package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptStep is one event of a scripted stream.
type ScriptStep struct {
	Chunk Chunk
	Err   error         // returned instead of a chunk; ends the stream
	Delay time.Duration // wait before the step
	Hang  bool          // block until the request context is done
}

// TextScript returns steps that stream each delta and then finish.
func TextScript(deltas ...string) []ScriptStep {
	steps := make([]ScriptStep, 0, len(deltas)+1)
	for _, d := range deltas {
		steps = append(steps, ScriptStep{Chunk: Chunk{Type: ChunkTextDelta, Text: d}})
	}
	return append(steps, ScriptStep{Chunk: Chunk{Type: ChunkFinish, FinishReason: "stop"}})
}

// FailScript returns a script that fails immediately with err.
func FailScript(err error) []ScriptStep {
	return []ScriptStep{{Err: err}}
}

type scriptState struct {
	mu       sync.Mutex
	scripts  [][]ScriptStep
	calls    int
	requests []Request
}

// ScriptedProvider replays prepared scripts, one per Stream call. Calls past
// the last script replay the last one. Clones made by WithModel share state.
type ScriptedProvider struct {
	name        string
	model       string
	configured  bool
	attachments bool
	state       *scriptState
}

// NewScriptedProvider creates a configured scripted provider.
func NewScriptedProvider(name, model string, scripts ...[]ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{
		name:        name,
		model:       model,
		configured:  true,
		attachments: true,
		state:       &scriptState{scripts: scripts},
	}
}

// SetConfigured toggles what IsConfigured reports.
func (p *ScriptedProvider) SetConfigured(v bool) *ScriptedProvider {
	p.configured = v
	return p
}

// SetSupportsAttachments toggles what SupportsAttachments reports.
func (p *ScriptedProvider) SetSupportsAttachments(v bool) *ScriptedProvider {
	p.attachments = v
	return p
}

// Calls returns how many times Stream was called.
func (p *ScriptedProvider) Calls() int {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.calls
}

// Requests returns a copy of every request received.
func (p *ScriptedProvider) Requests() []Request {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return append([]Request(nil), p.state.requests...)
}

func (p *ScriptedProvider) Name() string  { return p.name }
func (p *ScriptedProvider) Type() string  { return "scripted" }
func (p *ScriptedProvider) Model() string { return p.model }

func (p *ScriptedProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

func (p *ScriptedProvider) IsConfigured() bool        { return p.configured }
func (p *ScriptedProvider) SupportsAttachments() bool { return p.attachments }

func (p *ScriptedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.state.mu.Lock()
	var steps []ScriptStep
	if n := len(p.state.scripts); n > 0 {
		idx := p.state.calls
		if idx >= n {
			idx = n - 1
		}
		steps = p.state.scripts[idx]
	}
	p.state.calls++
	p.state.requests = append(p.state.requests, req)
	p.state.mu.Unlock()

	return newChunkStream(ctx, func(ctx context.Context, emit emitFunc) error {
		for _, step := range steps {
			if step.Delay > 0 {
				t := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if step.Hang {
				<-ctx.Done()
				return ctx.Err()
			}
			if step.Err != nil {
				return step.Err
			}
			if !emit(step.Chunk) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// EchoProvider streams the last user message back word by word. It needs no
// credentials and backs the "echo" provider type for offline use.
type EchoProvider struct {
	name  string
	model string
	delay time.Duration
}

// NewEchoProvider creates an echo provider.
func NewEchoProvider(name string, cfg ProviderConfig) *EchoProvider {
	model := cfg.Model
	if model == "" {
		model = "echo"
	}
	return &EchoProvider{name: name, model: model, delay: 20 * time.Millisecond}
}

func (p *EchoProvider) Name() string  { return p.name }
func (p *EchoProvider) Type() string  { return "echo" }
func (p *EchoProvider) Model() string { return p.model }

func (p *EchoProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

func (p *EchoProvider) IsConfigured() bool        { return true }
func (p *EchoProvider) SupportsAttachments() bool { return true }

func (p *EchoProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text = req.Messages[i].Content
			break
		}
	}
	var steps []ScriptStep
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		steps = append(steps, ScriptStep{Chunk: Chunk{Type: ChunkTextDelta, Text: word}, Delay: p.delay})
	}
	steps = append(steps, ScriptStep{Chunk: Chunk{Type: ChunkFinish, FinishReason: "stop"}})
	return NewScriptedProvider(p.name, p.model, steps).Stream(ctx, req)
}
