package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roelfdiedericks/chatstream/internal/bus"
	"github.com/roelfdiedericks/chatstream/internal/config"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/server"
)

// ServeCmd serves chat streams over a websocket until interrupted.
type ServeCmd struct {
	Addr    string `help:"Address to listen on (overrides server.addr)" env:"CHATSTREAM_ADDR"`
	NoWatch bool   `help:"Do not reload the config file when it changes"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	path, cfg, err := cli.load()
	if err != nil {
		return err
	}
	opts, _, err := template(cfg)
	if err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	srv, err := server.New(server.Config{
		Addr:        addr,
		Path:        cfg.Server.Path,
		MetricsPath: cfg.Server.MetricsPath,
	}, opts)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.Default()
	events.Subscribe(bus.TopicConfigReloaded, func(e bus.Event) {
		next, ok := e.Data.(*config.Config)
		if !ok {
			return
		}
		cli.apply(next)
		SetLevel(next.LoggingLevel())
		opts, _, err := template(next)
		if err != nil {
			L_warn("serve: reloaded providers are invalid, keeping previous", "error", err)
			return
		}
		srv.SetTemplate(opts)
	})

	if path != "" && !c.NoWatch {
		go func() {
			err := config.Watch(ctx, path, config.DefaultDebounce, func(next *config.Config) {
				events.Publish(bus.TopicConfigReloaded, next, "config")
			})
			if err != nil {
				L_warn("serve: config watch stopped", "path", path, "error", err)
			}
		}()
	}

	L_info("serve: ready", "addr", addr, "provider", opts.Provider)
	<-ctx.Done()
	L_info("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Stop(shutdownCtx)
	events.Wait()
	return err
}
