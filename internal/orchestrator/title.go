package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

// TitleMaxRetries bounds retries for title generation.
const TitleMaxRetries = 2

const maxTitleRunes = 60

const titlePrompt = "Write a title of at most six words for a conversation that starts with the user's message. " +
	"Reply with the title only, without quotes or punctuation at the end."

// GenerateTitle asks the selected provider for a short conversation title.
// It never touches the conversation or the status. On failure it returns a
// title cut from text together with the error.
func (o *Orchestrator) GenerateTitle(ctx context.Context, text string) (string, error) {
	provider, model := o.Selection()
	handle := o.opts.Providers.ResolveModel(provider, model)
	if handle == nil {
		return fallbackTitle(text), fmt.Errorf("%s: %w", provider, llm.ErrNotConfigured)
	}

	req := llm.Request{
		SystemPrompt: titlePrompt,
		MaxTokens:    32,
		Messages:     []llm.Message{{Role: "user", Content: text}},
	}
	res := retry.Execute(ctx, func(ctx context.Context, _ int) (string, error) {
		return collectText(ctx, handle, req)
	}, o.opts.Retry.WithMaxRetries(TitleMaxRetries), nil)

	switch {
	case res.Cancelled:
		return fallbackTitle(text), ctx.Err()
	case !res.Success:
		L_debug("orchestrator: title generation failed", "provider", provider, "error", res.Error.Message)
		return fallbackTitle(text), res.Error
	}

	title := cleanTitle(res.Data)
	if title == "" {
		return fallbackTitle(text), nil
	}
	return title, nil
}

// collectText drains a stream into a string.
func collectText(ctx context.Context, p llm.Provider, req llm.Request) (string, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		if chunk.Type == llm.ChunkTextDelta {
			sb.WriteString(chunk.Text)
		}
		if chunk.Type.IsFinish() {
			return sb.String(), nil
		}
	}
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`*#")
	s = strings.TrimRight(s, ".!:;")
	return truncateRunes(strings.TrimSpace(s), maxTitleRunes)
}

// fallbackTitle is the first few words of text.
func fallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "New conversation"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return truncateRunes(strings.Join(words, " "), maxTitleRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
