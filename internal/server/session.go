package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/chatstream/internal/bus"
	"github.com/roelfdiedericks/chatstream/internal/conversation"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	. "github.com/roelfdiedericks/chatstream/internal/metrics"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 32 << 20
)

// session is one websocket client with its own conversation.
type session struct {
	conn  *websocket.Conn
	store *conversation.Store
	bus   *bus.Bus
	orch  *orchestrator.Orchestrator

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func newSession(conn *websocket.Conn, template orchestrator.Options) (*session, error) {
	s := &session{
		conn:  conn,
		store: conversation.NewStore(),
		bus:   bus.New(),
	}
	opts := template
	opts.Conversation = s.store
	opts.Bus = s.bus
	opts.Observer = s.observer()

	orch, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

func (s *session) observer() orchestrator.Observer {
	return orchestrator.Observer{
		OnChunk: func(delta, accumulated string) {
			s.write(ServerEvent{Type: EventChunk, Delta: delta, Accumulated: accumulated})
		},
		OnThinkingChunk: func(delta, accumulated string) {
			s.write(ServerEvent{Type: EventThinking, Delta: delta, Accumulated: accumulated})
		},
		OnError: func(err error) {
			ev := ServerEvent{Type: EventError, Error: err.Error()}
			var te *orchestrator.TurnError
			if errors.As(err, &te) {
				ev.Fixes = te.Fixes
				ev.Provider = te.Provider
				ev.Category = string(te.Classification.Category)
			}
			s.write(ev)
		},
		OnFallback: func(from, to, reason string) {
			s.write(ServerEvent{Type: EventFallback, From: from, To: to, Reason: reason})
		},
		OnProviderChange: func(provider, model string, isFallback bool) {
			s.write(ServerEvent{Type: EventProvider, Provider: provider, Model: model, IsFallback: isFallback})
		},
		OnRetry: func(a retry.Attempt) {
			s.write(ServerEvent{
				Type:     EventRetry,
				Attempt:  a.Attempt,
				DelayMs:  a.Delay.Milliseconds(),
				Category: string(a.Classification.Category),
			})
		},
		OnComplete: func() {
			s.write(ServerEvent{Type: EventComplete})
		},
	}
}

// run reads client messages until the connection closes.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		s.orch.Cancel()
		s.wg.Wait()
		s.bus.Wait()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.writeStatus()

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				L_debug("server: read failed", "error", err)
			}
			return
		}
		MetricInc("server", "messages")
		s.handle(ctx, msg)
	}
}

func (s *session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgSend:
		in := orchestrator.Input{Text: msg.Text}
		for _, f := range msg.Files {
			in.Files = append(in.Files, llm.Attachment{Name: f.Name, MimeType: f.MimeType, Data: f.Data})
		}
		s.goTurn(func() error { return s.orch.Send(ctx, in) })

	case MsgRetry:
		s.goTurn(func() error { return s.orch.RetryLastMessage(ctx) })

	case MsgCancel:
		s.orch.Cancel()
		s.writeStatus()

	case MsgReset:
		s.orch.Reset()
		s.writeStatus()

	case MsgBackground:
		s.bus.Publish(bus.TopicAppBackground, nil, "ws")

	case MsgForeground:
		s.bus.Publish(bus.TopicAppForeground, nil, "ws")

	case MsgProvider:
		if msg.Provider == "" {
			s.write(ServerEvent{Type: EventError, Error: "provider is required"})
			return
		}
		// OnProviderChange reports the new selection
		s.orch.SetProvider(msg.Provider, msg.Model)

	case MsgTitle:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			title, err := s.orch.GenerateTitle(ctx, msg.Text)
			if err != nil {
				L_debug("server: title generation failed, using fallback", "error", err)
			}
			s.write(ServerEvent{Type: EventTitle, Title: title})
		}()

	case MsgStatus:
		s.writeStatus()

	default:
		L_warn("server: unknown message type", "type", msg.Type)
		s.write(ServerEvent{Type: EventError, Error: "unknown message type: " + msg.Type})
	}
}

// goTurn runs a blocking turn and reports the final status when it returns.
// Failures already reached the client through OnError.
func (s *session) goTurn(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			L_debug("server: turn ended with error", "error", err)
		}
		s.writeStatus()
	}()
}

func (s *session) writeStatus() {
	st := s.orch.Snapshot()
	s.write(ServerEvent{Type: EventStatus, Status: &st})
}

func (s *session) write(ev ServerEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		L_trace("server: write failed", "type", ev.Type, "error", err)
		MetricError("server", "write", "websocket")
	}
}
