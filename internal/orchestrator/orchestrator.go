// Package orchestrator drives conversation turns. A turn appends the user
// message and an assistant placeholder, streams the reply through the retry
// engine and the fallback chain under a stream lifecycle, and reports every
// transition to an Observer. Stale turns are fenced off by a sequence token.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/roelfdiedericks/chatstream/internal/bus"
	"github.com/roelfdiedericks/chatstream/internal/conversation"
	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
	"github.com/roelfdiedericks/chatstream/internal/retry"
	"github.com/roelfdiedericks/chatstream/internal/sequence"
	"github.com/roelfdiedericks/chatstream/internal/tokens"
)

// errAttachmentsUnsupported marks a provider that cannot take the turn's files.
var errAttachmentsUnsupported = errors.New("provider does not support attachments")

// Options configures an Orchestrator.
type Options struct {
	Conversation Conversation
	Providers    ProviderResolver
	Fallback     *llm.FallbackResolver // nil builds one over the default order

	Provider     string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Thinking     bool

	Retry          retry.Config      // zero fields take retry.DefaultConfig
	Lifecycle      lifecycle.Options // zero durations take lifecycle.DefaultOptions
	EnableRetry    bool
	EnableFallback bool
	EstimateTokens bool

	MaxAttachmentBytes int64
	Bus                *bus.Bus // host signals; nil disables background handling
	Observer           Observer
}

// Orchestrator runs one turn at a time per conversation. Starting a turn
// supersedes the previous one.
type Orchestrator struct {
	opts     Options
	fallback *llm.FallbackResolver
	guard    sequence.Guard
	flights  singleflight.Group

	mu       sync.Mutex
	status   Status
	provider string
	model    string
	lc       *lifecycle.Lifecycle
	latest   *turn // newest turn started by run
	pending  *RetryableOperation
}

// turn is the state of one Send or retry.
type turn struct {
	tok         sequence.Token
	input       Input
	userID      string
	assistantID string
	provider    string
	model       string
	failed      map[string]bool
	completed   bool // set under o.mu
	finished    bool // run returned; set under o.mu
	attempts    int
	started     time.Time
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Conversation == nil {
		return nil, ErrNoConversation
	}
	if opts.Providers == nil {
		return nil, ErrNoProviders
	}
	opts.Retry = opts.Retry.WithDefaults()
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}

	fallback := opts.Fallback
	if fallback == nil {
		lookup, _ := opts.Providers.(llm.ProviderLookup)
		fallback = llm.NewFallbackResolver(nil, lookup)
	}
	if opts.Provider == "" {
		opts.Provider = fallback.Order()[0]
	}

	o := &Orchestrator{
		opts:     opts,
		fallback: fallback,
		provider: opts.Provider,
		model:    opts.Model,
	}
	o.status = Status{State: lifecycle.StateIdle, Provider: opts.Provider, Model: opts.Model}
	L_debug("orchestrator: created",
		"provider", opts.Provider,
		"model", opts.Model,
		"retry", opts.EnableRetry,
		"fallback", opts.EnableFallback)
	return o, nil
}

// Snapshot returns a copy of the current status.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.FailedProviders = append([]string(nil), o.status.FailedProviders...)
	return s
}

// Selection returns the provider and model the next turn starts with.
func (o *Orchestrator) Selection() (provider, model string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider, o.model
}

// SetProvider changes the selection used by the next turn.
func (o *Orchestrator) SetProvider(provider, model string) {
	o.mu.Lock()
	o.provider, o.model = provider, model
	if !o.status.IsStreaming {
		o.status.Provider, o.status.Model = provider, model
	}
	o.mu.Unlock()

	L_info("orchestrator: provider selected", "provider", provider, "model", model)
	if fn := o.opts.Observer.OnProviderChange; fn != nil {
		fn(provider, model, false)
	}
}

// Send runs one turn for in. Empty input is ignored. Failures are recorded on
// the assistant message and in the status, and returned; cancellation and
// superseded turns return nil.
func (o *Orchestrator) Send(ctx context.Context, in Input) error {
	if in.IsEmpty() {
		L_debug("orchestrator: ignoring empty input")
		return nil
	}
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
	return o.run(ctx, in, nil)
}

// Cancel aborts the turn in flight. It reports whether anything was cancelled.
// A cancelled turn shows no error and offers no retry.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	lc := o.lc
	if lc == nil || !lc.State().IsActive() {
		o.mu.Unlock()
		return false
	}
	o.guard.Invalidate()
	o.status.State = lifecycle.StateCancelled
	o.status.IsStreaming = false
	o.status.IsThinking = false
	o.status.ErrorMessage = ""
	o.status.CanRetry = false
	o.status.WasCancelled = true
	o.mu.Unlock()

	L_info("orchestrator: turn cancelled by user")
	lc.Cancel()
	return true
}

// Reset cancels any turn in flight, forgets the retryable operation and
// clears the conversation when it supports Reset.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.guard.Invalidate()
	lc := o.lc
	o.lc = nil
	o.pending = nil
	o.status = Status{State: lifecycle.StateIdle, Provider: o.provider, Model: o.model}
	o.mu.Unlock()

	if lc != nil {
		lc.Cancel()
	}
	if r, ok := o.opts.Conversation.(interface{ Reset() }); ok {
		r.Reset()
	}
	L_debug("orchestrator: reset")
}

// PendingRetry returns the operation RetryLastMessage would replay, or nil.
func (o *Orchestrator) PendingRetry() *RetryableOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return nil
	}
	op := *o.pending
	return &op
}

// RetryLastMessage replays the last failed turn into its existing messages.
// Concurrent calls for the same operation share one replay.
func (o *Orchestrator) RetryLastMessage(ctx context.Context) error {
	o.mu.Lock()
	op := o.pending
	o.mu.Unlock()
	if op == nil {
		L_debug("orchestrator: nothing to retry")
		return nil
	}

	_, err, shared := o.flights.Do(op.key(), func() (any, error) {
		if !o.takePending(op) {
			return nil, nil
		}
		L_info("orchestrator: retrying last message", "operation", op.OperationKey)
		MetricInc("orchestrator", "retry_last")
		return nil, o.run(ctx, op.Payload, op)
	})
	if shared {
		L_debug("orchestrator: retry joined in-flight replay", "operation", op.OperationKey)
	}
	return err
}

// takePending clears op if it is still the pending operation.
func (o *Orchestrator) takePending(op *RetryableOperation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != op {
		return false
	}
	o.pending = nil
	return true
}

// mutate applies fn to the status if tok still owns it.
func (o *Orchestrator) mutate(tok sequence.Token, fn func(s *Status)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.guard.IsCurrent(tok) {
		return false
	}
	fn(&o.status)
	return true
}

func (o *Orchestrator) setMessageIDs(t *turn, userID, assistantID string) {
	o.mu.Lock()
	t.userID, t.assistantID = userID, assistantID
	o.mu.Unlock()
}

// markSuperseded flags t's reply when a newer turn started while t was still
// running. Both the losing turn and its successor call it, whichever sees the
// message first. Cancel and Reset start no turn and leave replies unflagged,
// and an annotated failure keeps its annotation instead.
func (o *Orchestrator) markSuperseded(t *turn) {
	o.mu.Lock()
	id := t.assistantID
	skip := o.latest == t || t.completed || t.finished || id == ""
	o.mu.Unlock()
	if skip {
		return
	}
	o.opts.Conversation.Update(id, func(m *conversation.Message) {
		if m.Annotation == nil {
			m.Superseded = true
		}
	})
	L_debug("orchestrator: reply superseded", "message", id, "generation", t.tok.GenerationID)
}

// live reports whether tok is current and its stream has not been aborted.
func (o *Orchestrator) live(ctx context.Context, tok sequence.Token) bool {
	return ctx.Err() == nil && o.guard.IsCurrent(tok)
}

func (o *Orchestrator) run(ctx context.Context, in Input, op *RetryableOperation) error {
	o.mu.Lock()
	tok := o.guard.Next()
	t := &turn{
		tok:      tok,
		input:    in,
		provider: o.provider,
		model:    o.model,
		failed:   make(map[string]bool),
		started:  time.Now(),
	}
	prev, prevTurn := o.lc, o.latest
	o.latest = t
	o.status = Status{
		State:       lifecycle.StateIdle,
		IsStreaming: true,
		Provider:    t.provider,
		Model:       t.model,
	}
	o.mu.Unlock()

	if prev != nil && prev.Cancel() {
		L_debug("orchestrator: superseded previous turn")
	}
	if prevTurn != nil {
		o.markSuperseded(prevTurn)
	}
	MetricInc("orchestrator", "turn")

	conv := o.opts.Conversation
	if op == nil {
		user := conv.Append(conversation.Message{
			Role:        conversation.RoleUser,
			Content:     in.Text,
			Attachments: in.Files,
		})
		assistant := conv.Append(conversation.Message{
			Role:     conversation.RoleAssistant,
			Provider: t.provider,
			Model:    t.model,
		})
		o.setMessageIDs(t, user.ID, assistant.ID)
	} else {
		o.setMessageIDs(t, op.UserMessageID, op.AssistantMessageID)
		conv.Update(t.assistantID, func(m *conversation.Message) {
			m.Content, m.Thinking = "", ""
			m.Annotation = nil
			m.Superseded = false
		})
	}
	defer func() {
		o.markSuperseded(t)
		o.mu.Lock()
		t.finished = true
		o.mu.Unlock()
	}()

	lc := lifecycle.New(o.opts.Lifecycle, o.callbacks(tok))
	tctx, release := lc.Initialize(ctx)
	defer release()
	if !o.mutate(tok, func(*Status) { o.lc = lc }) {
		lc.Cancel()
		return nil
	}
	if o.opts.Bus != nil {
		unwatch := lc.WatchHost(o.opts.Bus)
		defer unwatch()
	}

	L_info("orchestrator: turn started",
		"provider", t.provider,
		"model", t.model,
		"retry", op != nil,
		"generation", tok.GenerationID)

	files, err := o.prepareAttachments(in)
	if err != nil {
		c := llm.Classify(err)
		c.Message = err.Error()
		return o.failTurn(tctx, t, lc, c, conversation.SourceAttachment)
	}
	if len(in.Attachments) > 0 {
		conv.Update(t.userID, func(m *conversation.Message) { m.Attachments = files })
	}

	for {
		handle := o.opts.Providers.ResolveModel(t.provider, t.model)
		res, source := o.attempt(tctx, t, lc, handle, files)
		t.attempts += res.Attempts

		switch {
		case res.Success:
			return o.completeTurn(tctx, t, lc, res.Data)
		case res.Cancelled || tctx.Err() != nil:
			return o.abortTurn(tctx, t, lc)
		}

		c := *res.Error
		// A provider that cannot take this turn's files is still configured.
		if ht, ok := o.opts.Providers.(healthTracker); ok && source != conversation.SourceCompatibility {
			ht.MarkInvalid(t.provider, c)
		}
		t.failed[t.provider] = true

		next := o.nextCandidate(t, c)
		if next == nil {
			return o.failTurn(tctx, t, lc, c, source)
		}
		if !o.switchProvider(tctx, t, lc, next, c) {
			return o.abortTurn(tctx, t, lc)
		}
	}
}

// attempt runs the retry engine against one provider.
func (o *Orchestrator) attempt(ctx context.Context, t *turn, lc *lifecycle.Lifecycle, handle llm.Provider, files []llm.Attachment) (retry.Result[string], conversation.ErrorSource) {
	if handle == nil {
		c := llm.Classify(fmt.Errorf("%s: %w", t.provider, llm.ErrNotConfigured))
		return retry.Result[string]{Error: &c}, conversation.SourceStreaming
	}
	if len(files) > 0 && !handle.SupportsAttachments() {
		c := llm.ErrorClassification{
			Category:       llm.CategoryConfiguration,
			ShouldFallback: true,
			Message:        fmt.Sprintf("%s does not support attachments", t.provider),
			Err:            errAttachmentsUnsupported,
		}
		L_debug("orchestrator: provider cannot take attachments", "provider", t.provider, "files", len(files))
		return retry.Result[string]{Error: &c, ShouldFallback: true}, conversation.SourceCompatibility
	}

	req := o.buildRequest(t, files)
	cfg := o.opts.Retry
	if !o.opts.EnableRetry {
		cfg = cfg.WithMaxRetries(0)
	}
	res := retry.Execute(ctx, func(ctx context.Context, _ int) (string, error) {
		return o.streamOnce(ctx, t, lc, handle, req)
	}, cfg, o.retryObserver(t, lc))
	return res, conversation.SourceStreaming
}

func (o *Orchestrator) buildRequest(t *turn, files []llm.Attachment) llm.Request {
	msgs := conversation.History(o.opts.Conversation.Messages(), t.userID)
	msgs = append(msgs, llm.Message{
		Role:        string(conversation.RoleUser),
		Content:     t.input.Text,
		Attachments: files,
	})
	return llm.Request{
		Messages:     msgs,
		SystemPrompt: o.opts.SystemPrompt,
		MaxTokens:    o.opts.MaxTokens,
		Thinking:     o.opts.Thinking,
	}
}

// streamOnce performs one provider call, accumulating deltas into the
// assistant placeholder. Each attempt starts from empty content.
func (o *Orchestrator) streamOnce(ctx context.Context, t *turn, lc *lifecycle.Lifecycle, handle llm.Provider, req llm.Request) (string, error) {
	if !o.live(ctx, t.tok) {
		return "", retry.ErrCancelled
	}
	lc.ResetInactivity()
	o.opts.Conversation.Update(t.assistantID, func(m *conversation.Message) {
		m.Content, m.Thinking = "", ""
		m.Provider, m.Model = handle.Name(), handle.Model()
	})

	stream, err := handle.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	obs := o.opts.Observer
	var text, thinking strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if !o.live(ctx, t.tok) {
			return "", retry.ErrCancelled
		}

		switch chunk.Type {
		case llm.ChunkTextDelta:
			if chunk.Text == "" {
				continue
			}
			lc.ChunkReceived()
			text.WriteString(chunk.Text)
			acc := text.String()
			o.opts.Conversation.Update(t.assistantID, func(m *conversation.Message) { m.Content = acc })
			o.mutate(t.tok, func(s *Status) { s.IsThinking = false })
			if obs.OnChunk != nil {
				obs.OnChunk(chunk.Text, acc)
			}
		case llm.ChunkReasoningDelta:
			if chunk.Text == "" {
				continue
			}
			lc.ChunkReceived()
			thinking.WriteString(chunk.Text)
			acc := thinking.String()
			o.opts.Conversation.Update(t.assistantID, func(m *conversation.Message) { m.Thinking = acc })
			o.mutate(t.tok, func(s *Status) { s.IsThinking = true })
			if obs.OnThinkingChunk != nil {
				obs.OnThinkingChunk(chunk.Text, acc)
			}
		}

		if chunk.Type.IsFinish() {
			L_trace("orchestrator: finish signal", "type", chunk.Type, "reason", chunk.FinishReason)
			break
		}
	}

	lc.DoneSignalReceived()
	return text.String(), nil
}

func (o *Orchestrator) retryObserver(t *turn, lc *lifecycle.Lifecycle) retry.Observer {
	return func(a retry.Attempt) {
		lc.ExtendInactivity(a.Delay)
		if !o.mutate(t.tok, func(s *Status) { s.Attempts = t.attempts + a.Attempt }) {
			return
		}
		if fn := o.opts.Observer.OnRetry; fn != nil {
			fn(a)
		}
	}
}

func (o *Orchestrator) nextCandidate(t *turn, c llm.ErrorClassification) *llm.Candidate {
	if !o.opts.EnableFallback || !c.ShouldFallback {
		return nil
	}
	return o.fallback.Next(t.provider, t.failed, c)
}

// switchProvider moves the turn to next. It returns false if the turn no
// longer owns the conversation.
func (o *Orchestrator) switchProvider(ctx context.Context, t *turn, lc *lifecycle.Lifecycle, next *llm.Candidate, c llm.ErrorClassification) bool {
	if ctx.Err() != nil {
		return false
	}
	from := t.provider
	ok := o.mutate(t.tok, func(s *Status) {
		s.FailedProviders = append(s.FailedProviders, from)
		s.Provider, s.Model = next.Provider, next.Model
		o.provider, o.model = next.Provider, next.Model
	})
	if !ok {
		return false
	}
	t.provider, t.model = next.Provider, next.Model

	L_warn("orchestrator: falling back",
		"from", from,
		"to", next.Provider,
		"model", next.Model,
		"category", c.Category)
	MetricInc("orchestrator", "fallback")

	obs := o.opts.Observer
	if obs.OnFallback != nil {
		obs.OnFallback(from, next.Provider, c.Message)
	}
	if obs.OnProviderChange != nil {
		obs.OnProviderChange(next.Provider, next.Model, true)
	}
	lc.ResetInactivity()
	return true
}

func (o *Orchestrator) completeTurn(ctx context.Context, t *turn, lc *lifecycle.Lifecycle, text string) error {
	if !o.live(ctx, t.tok) {
		return nil
	}
	lc.MarkCompleted()
	if ht, ok := o.opts.Providers.(healthTracker); ok {
		ht.MarkHealthy(t.provider)
	}

	ok := o.mutate(t.tok, func(s *Status) {
		s.State = lifecycle.StateCompleted
		s.IsStreaming = false
		s.IsThinking = false
		s.ErrorMessage = ""
		s.CanRetry = false
		s.WasCancelled = false
		s.Provider, s.Model = t.provider, t.model
		s.Attempts = t.attempts
		t.completed = true
	})
	if !ok {
		return nil
	}

	elapsed := time.Since(t.started)
	MetricOutcome("orchestrator", "turn", "completed")
	MetricDuration("orchestrator", "turn", elapsed)
	if o.opts.EstimateTokens {
		n := tokens.Get().Count(text)
		MetricAdd("orchestrator", "output_tokens", int64(n))
		L_debug("orchestrator: output tokens estimated", "tokens", n)
	}
	L_info("orchestrator: turn completed",
		"provider", t.provider,
		"model", t.model,
		"attempts", t.attempts,
		"chars", len(text),
		"elapsed", elapsed.Round(time.Millisecond))

	if fn := o.opts.Observer.OnComplete; fn != nil {
		fn()
	}
	return nil
}

// abortTurn handles an aborted stream context: a watchdog timeout ends the
// turn with an error, anything else is a cancellation.
func (o *Orchestrator) abortTurn(ctx context.Context, t *turn, lc *lifecycle.Lifecycle) error {
	var te *lifecycle.TimeoutError
	if errors.As(context.Cause(ctx), &te) {
		c := llm.Classify(te)
		fixes := llm.SuggestedFixes(c, t.provider)
		msg := llm.UserMessage(c)
		if !o.annotate(t, msg, fixes, conversation.SourceStreaming) {
			return nil
		}
		o.recordPending(t)
		o.mutate(t.tok, func(s *Status) {
			s.IsStreaming = false
			s.IsThinking = false
			s.ErrorMessage = msg
			s.CanRetry = true
			s.Attempts = t.attempts
		})
		MetricOutcome("orchestrator", "turn", "timeout")
		L_warn("orchestrator: turn timed out", "provider", t.provider, "kind", te.Kind, "after", te.After)
		return te
	}

	lc.Cancel()
	if o.mutate(t.tok, func(s *Status) {
		s.State = lifecycle.StateCancelled
		s.IsStreaming = false
		s.IsThinking = false
		s.ErrorMessage = ""
		s.CanRetry = false
		s.WasCancelled = true
		s.Attempts = t.attempts
	}) {
		L_info("orchestrator: turn cancelled", "provider", t.provider, "attempts", t.attempts)
	}
	MetricOutcome("orchestrator", "turn", "cancelled")
	return nil
}

// failTurn annotates the assistant message and moves the lifecycle to error,
// which reports the failure through OnError exactly once.
func (o *Orchestrator) failTurn(ctx context.Context, t *turn, lc *lifecycle.Lifecycle, c llm.ErrorClassification, source conversation.ErrorSource) error {
	if !o.live(ctx, t.tok) {
		return o.abortTurn(ctx, t, lc)
	}

	fixes := fixesFor(c, source, t.provider)
	msg := llm.UserMessage(c)
	if source != conversation.SourceStreaming {
		msg = c.Message
	}
	terr := &TurnError{Provider: t.provider, Source: source, Classification: c, Fixes: fixes}

	if !o.annotate(t, msg, fixes, source) {
		return nil
	}
	o.recordPending(t)
	o.mutate(t.tok, func(s *Status) {
		s.IsStreaming = false
		s.IsThinking = false
		s.ErrorMessage = msg
		s.CanRetry = true
		s.Attempts = t.attempts
	})

	L_error("orchestrator: turn failed",
		"provider", t.provider,
		"category", c.Category,
		"source", source,
		"attempts", t.attempts,
		"failed", len(t.failed),
		"error", c.Message)
	MetricFailWithReason("orchestrator", "turn", string(c.Category))

	if !lc.Fail(terr) && o.guard.IsCurrent(t.tok) {
		if fn := o.opts.Observer.OnError; fn != nil {
			fn(terr)
		}
	}
	return terr
}

func (o *Orchestrator) annotate(t *turn, msg string, fixes []string, source conversation.ErrorSource) bool {
	if !o.guard.IsCurrent(t.tok) {
		return false
	}
	return o.opts.Conversation.Update(t.assistantID, func(m *conversation.Message) {
		m.Annotation = conversation.NewErrorAnnotation(msg, fixes, source, t.provider)
		m.Provider, m.Model = t.provider, t.model
	})
}

func (o *Orchestrator) recordPending(t *turn) {
	op := &RetryableOperation{
		OperationKey:       uuid.NewString(),
		Payload:            t.input,
		MessageSignature:   t.input.Signature(),
		UserMessageID:      t.userID,
		AssistantMessageID: t.assistantID,
	}
	o.mu.Lock()
	if o.guard.IsCurrent(t.tok) {
		o.pending = op
	}
	o.mu.Unlock()
}

// callbacks binds lifecycle events to the turn owning tok.
func (o *Orchestrator) callbacks(tok sequence.Token) lifecycle.Callbacks {
	obs := o.opts.Observer
	forward := func(fn func()) func() {
		return func() {
			if fn != nil && o.guard.IsCurrent(tok) {
				fn()
			}
		}
	}
	return lifecycle.Callbacks{
		OnStateChange: func(_, to lifecycle.State) {
			o.mutate(tok, func(s *Status) { s.State = to })
		},
		OnChunkReceived:      forward(obs.OnChunkReceived),
		OnDoneSignalReceived: forward(obs.OnDoneSignalReceived),
		OnStreamCompleted:    forward(obs.OnStreamCompleted),
		OnError: func(err error) {
			if !o.mutate(tok, func(s *Status) {
				s.ErrorMessage = errorMessage(err)
				s.IsStreaming = false
				s.IsThinking = false
			}) {
				return
			}
			if obs.OnError != nil {
				obs.OnError(err)
			}
		},
		OnCancelled: func() {
			o.mutate(tok, func(s *Status) {
				s.WasCancelled = true
				s.IsStreaming = false
				s.IsThinking = false
				s.ErrorMessage = ""
				s.CanRetry = false
			})
		},
	}
}

func errorMessage(err error) string {
	var terr *TurnError
	if errors.As(err, &terr) {
		if terr.Source != conversation.SourceStreaming {
			return terr.Classification.Message
		}
		return llm.UserMessage(terr.Classification)
	}
	return llm.UserMessage(llm.Classify(err))
}

func fixesFor(c llm.ErrorClassification, source conversation.ErrorSource, provider string) []string {
	switch source {
	case conversation.SourceAttachment:
		return []string{
			"Check that the file exists and is readable",
			"Attach a smaller file",
			"Send the message without the attachment",
		}
	case conversation.SourceCompatibility:
		return []string{
			"Switch to a provider that supports attachments",
			"Send the message without the attachment",
			"Paste the relevant content as text",
		}
	default:
		return llm.SuggestedFixes(c, provider)
	}
}
