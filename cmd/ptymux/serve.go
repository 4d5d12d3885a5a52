package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/user/ptymux/internal/config"
	"github.com/user/ptymux/internal/server"
)

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.AuthMode == config.AuthModeToken {
		fmt.Fprintf(stdout, "\nptymux listening on http://%s (token in %s)\n\n", cfg.Listen, cfg.ConfigPath)
		if cfg.PrintToken {
			fmt.Fprintln(stdout, cfg.Token)
		}
	} else {
		fmt.Fprintf(stdout, "\nptymux listening on http://%s (no authentication)\n\n", cfg.Listen)
	}
	return srv.Start(ctx)
}
