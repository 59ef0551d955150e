// chatstream streams chat completions with retries, provider fallback and
// stream watchdogs.
package main

import (
	"errors"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
)

const version = "0.1.0"

// Exit codes for failed turns; the error was already printed.
const (
	exitTurnFailed = 2
	exitTimedOut   = 3
)

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("chatstream"),
		kong.Description("Streaming chat with retries, provider fallback and stream watchdogs"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)

	var timeout *lifecycle.TimeoutError
	var turn *orchestrator.TurnError
	switch {
	case errors.As(err, &timeout):
		os.Exit(exitTimedOut)
	case errors.As(err, &turn):
		os.Exit(exitTurnFailed)
	}
	ctx.FatalIfErrorf(err)
}
