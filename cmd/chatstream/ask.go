package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/roelfdiedericks/chatstream/internal/conversation"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

// AskCmd sends one message and streams the reply to stdout.
type AskCmd struct {
	Prompt   []string `arg:"" optional:"" help:"Message text; read from stdin when empty"`
	Files    []string `short:"f" type:"existingfile" help:"Attach a file (repeatable)"`
	System   string   `short:"s" help:"System prompt for this message"`
	Thinking bool     `help:"Request reasoning output where supported"`
	Title    bool     `help:"Print a generated conversation title"`
}

// Run executes the ask command.
func (c *AskCmd) Run(cli *CLI) error {
	_, cfg, err := cli.load()
	if err != nil {
		return err
	}
	text, err := c.text()
	if err != nil {
		return err
	}

	opts, _, err := template(cfg)
	if err != nil {
		return err
	}
	if c.System != "" {
		opts.SystemPrompt = c.System
	}
	if c.Thinking {
		opts.Thinking = true
	}

	out := &askOutput{stdout: os.Stdout, stderr: os.Stderr, tty: term.IsTerminal(int(os.Stderr.Fd()))}
	opts.Conversation = conversation.NewStore()
	opts.Observer = out.observer()

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = orch.Send(ctx, orchestrator.Input{Text: text, Attachments: c.Files})
	out.wait()
	if st := orch.Snapshot(); st.WasCancelled {
		fmt.Fprintln(out.stderr, "\ncancelled")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out.stdout)

	if c.Title {
		title, err := orch.GenerateTitle(context.Background(), text)
		if err != nil {
			L_debug("ask: title generation failed", "error", err)
		}
		fmt.Fprintf(out.stderr, "title: %s\n", title)
	}
	return nil
}

func (c *AskCmd) text() (string, error) {
	text := strings.Join(c.Prompt, " ")
	if strings.TrimSpace(text) != "" || term.IsTerminal(int(os.Stdin.Fd())) {
		if text == "" && len(c.Files) == 0 {
			return "", errors.New("nothing to send: pass a message or pipe one on stdin")
		}
		return text, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text = strings.TrimSpace(string(data))
	if text == "" && len(c.Files) == 0 {
		return "", errors.New("nothing to send")
	}
	return text, nil
}

// askOutput renders observer events for a terminal or a pipe.
type askOutput struct {
	stdout io.Writer
	stderr io.Writer
	tty    bool

	mu        sync.Mutex
	countdown chan struct{}
	wg        sync.WaitGroup
	thinking  bool
}

func (a *askOutput) observer() orchestrator.Observer {
	return orchestrator.Observer{
		OnChunk: func(delta, _ string) {
			a.stopCountdown()
			a.mu.Lock()
			if a.thinking {
				fmt.Fprintln(a.stderr)
				a.thinking = false
			}
			a.mu.Unlock()
			fmt.Fprint(a.stdout, delta)
		},
		OnThinkingChunk: func(delta, _ string) {
			a.stopCountdown()
			a.mu.Lock()
			a.thinking = true
			a.mu.Unlock()
			fmt.Fprint(a.stderr, delta)
		},
		OnRetry: func(at retry.Attempt) {
			if !a.tty {
				fmt.Fprintf(a.stderr, "%s; retry %d in %s\n", at.Classification.Message, at.Attempt, at.Delay)
				return
			}
			a.startCountdown(at)
		},
		OnFallback: func(from, to, reason string) {
			a.stopCountdown()
			fmt.Fprintf(a.stderr, "%s failed (%s), switching to %s\n", from, reason, to)
		},
		OnError: func(err error) {
			a.stopCountdown()
			fmt.Fprintf(a.stderr, "\nerror: %v\n", err)
			var te *orchestrator.TurnError
			if errors.As(err, &te) {
				for _, fix := range te.Fixes {
					fmt.Fprintf(a.stderr, "  - %s\n", fix)
				}
			}
		},
	}
}

// startCountdown redraws the remaining backoff once a second until it
// elapses or output resumes.
func (a *askOutput) startCountdown(at retry.Attempt) {
	a.stopCountdown()
	done := make(chan struct{})
	a.mu.Lock()
	a.countdown = done
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		end := time.Now().Add(at.Delay)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			remaining := time.Until(end)
			if remaining <= 0 {
				break
			}
			fmt.Fprintf(a.stderr, "\r\033[K%s; retry %d in %.0fs", at.Classification.Message, at.Attempt, math.Ceil(remaining.Seconds()))
			select {
			case <-done:
				fmt.Fprint(a.stderr, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
		fmt.Fprint(a.stderr, "\r\033[K")
	}()
}

func (a *askOutput) stopCountdown() {
	a.mu.Lock()
	if a.countdown != nil {
		close(a.countdown)
		a.countdown = nil
	}
	a.mu.Unlock()
}

func (a *askOutput) wait() {
	a.stopCountdown()
	a.wg.Wait()
}
