package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func drain(t *testing.T, s Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		if c.Type == ChunkTextDelta {
			sb.WriteString(c.Text)
		}
	}
}

func TestScriptedStreamText(t *testing.T) {
	p := NewScriptedProvider("openai", "gpt-5", TextScript("Hel", "lo", "!"))
	s, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	text, err := drain(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("expected Hello!, got %q", text)
	}
}

func TestScriptedStreamErrorAfterChunks(t *testing.T) {
	boom := errors.New("boom")
	p := NewScriptedProvider("openai", "gpt-5", []ScriptStep{
		{Chunk: Chunk{Type: ChunkTextDelta, Text: "partial"}},
		{Err: boom},
	})
	s, _ := p.Stream(context.Background(), Request{})
	defer s.Close()

	text, err := drain(t, s)
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if text != "partial" {
		t.Errorf("expected partial text before error, got %q", text)
	}
}

func TestStreamHonorsCancel(t *testing.T) {
	p := NewScriptedProvider("openai", "gpt-5", []ScriptStep{{Hang: true}})
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := p.Stream(ctx, Request{})
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Recv()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestScriptedReplaysLastScript(t *testing.T) {
	p := NewScriptedProvider("openai", "gpt-5", FailScript(errors.New("first")), TextScript("ok"))
	for i := 0; i < 3; i++ {
		s, _ := p.Stream(context.Background(), Request{})
		drain(t, s)
		s.Close()
	}
	if p.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", p.Calls())
	}
	clone := p.WithModel("gpt-5-mini").(*ScriptedProvider)
	if clone.Calls() != 3 {
		t.Errorf("clone should share call count, got %d", clone.Calls())
	}
}

func TestEchoProvider(t *testing.T) {
	p := NewEchoProvider("echo", ProviderConfig{})
	p.delay = 0
	s, _ := p.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "say  it back"}}})
	defer s.Close()

	text, err := drain(t, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "say it back" {
		t.Errorf("expected echo, got %q", text)
	}
}

func TestChunkTypeIsFinish(t *testing.T) {
	if !ChunkFinish.IsFinish() || !ChunkFinishStep.IsFinish() {
		t.Error("both finish variants must be authoritative")
	}
	if ChunkTextDelta.IsFinish() {
		t.Error("text delta is not a finish")
	}
}
