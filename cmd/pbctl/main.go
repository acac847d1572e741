// Command pbctl manages Proximity Beacon API registrations from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"beaconservice/go-beacon-admin/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pbctl:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pbctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command, try %q", "list-commands")
	}

	cmd, ok := lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown command %q, try %q", args[0], "list-commands")
	}

	fs := cmd.flags()
	fs.SetOutput(io.Discard)
	project := fs.String("project-id", cfg.API.ProjectID, "project to act on, for credentials that span several")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%s: %w", cmd.name, err)
	}
	cfg.API.ProjectID = *project

	var env *clients
	if cmd.run != nil {
		var err error
		if env, err = newClients(cfg, logger); err != nil {
			return err
		}
	}
	return cmd.exec(ctx, env, out)
}
