package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/glamour"

	"github.com/lotwise/ledger/internal/app"
	"github.com/lotwise/ledger/internal/config"
	"github.com/lotwise/ledger/internal/logging"
)

func loadConfig() (*config.AppConfig, error) {
	return config.Load(*configPath)
}

// openStore opens the store cfg names with a stderr logger.
func openStore(ctx context.Context, cfg *config.AppConfig) (*app.Resources, *slog.Logger, error) {
	level := "warn"
	if *verbose {
		level = "info"
	}
	logger := logging.NewTextLogger(os.Stderr, level)

	res, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return res, logger, nil
}

// openLedger loads the configuration and opens the store it names.
func openLedger(ctx context.Context) (*app.Resources, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	res, logger, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if !res.Durable {
		fmt.Fprintln(os.Stderr, "warning: no database configured, reading an empty in-memory ledger")
	}
	return res, logger, nil
}

// printMarkdown renders md for the terminal, or prints it as-is with -raw.
func printMarkdown(md string) {
	if *rawOutput {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err == nil {
		var out string
		if out, err = r.Render(md); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Print(md)
}
