// agentdeckd is the agent session daemon: it multiplexes coding-agent CLIs
// behind one HTTP API and event stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/agent/claude"
	"github.com/agentdeck/agentdeck/internal/agent/codex"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/server"
	"github.com/agentdeck/agentdeck/internal/store"
)

func main() {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "agentdeckd",
		Short: "Agent session daemon",
		Long:  "Runs coding-agent CLI sessions behind a normalized HTTP API and SSE event stream.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(verbose)
			return run(cmd.Context(), configPath)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentdeckd:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentdeck", "config.yaml")
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	out := os.Stderr
	handler := tint.NewHandler(colorable.NewColorable(out), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("close store", "err", err)
		}
	}()

	dispatcher := agent.NewDispatcher(cfg.DefaultBackend,
		claude.New(claude.Options{
			TranscriptDir: cfg.TranscriptDir,
			DefaultModel:  cfg.Claude.Model,
			Recorder:      st,
			StartQuery:    claude.StartQueryCommand(cfg.Claude.Command),
		}),
		codex.New(codex.Options{
			DefaultModel: cfg.Codex.Model,
			Recorder:     st,
			StartClient:  codex.StartClientCommand(cfg.Codex.Command),
		}),
	)
	defer dispatcher.CleanupAll()

	srv := server.New(dispatcher, st, server.NewHub())
	return srv.ListenAndServe(ctx, cfg.Addr)
}
