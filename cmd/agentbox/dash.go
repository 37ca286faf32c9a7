package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/tui"
	"github.com/mattn/go-isatty"
)

func runDashCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentbox dash")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) || !isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "agentbox dash needs an interactive terminal; use `agentbox status` or GET /metrics instead")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := tui.NewClient(daemonBaseURL(cfg.BindAddr), readAuthToken(cfg.HomeDir))
	if err := tui.Run(ctx, client, tui.DefaultRefresh); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dash: %v\n", err)
		return 1
	}
	return 0
}
