package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stoicfive/pulse/internal/analyzer"
	"github.com/stoicfive/pulse/internal/config"
	"github.com/stoicfive/pulse/internal/orchestrator"
	"github.com/stoicfive/pulse/internal/reconciler"
	"github.com/stoicfive/pulse/internal/server"
	"github.com/stoicfive/pulse/internal/store"
	"github.com/stoicfive/pulse/internal/tracker"
	"github.com/stoicfive/pulse/internal/watcher"
	"github.com/stoicfive/pulse/internal/webhook"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the sync engine",
	Long: `Run the full pulse engine: watch the project tree, analyze on every
settled change burst, commit snapshots to the state store, reconcile
with the remote tracker, and broadcast updates to WebSocket clients.

An initial analysis cycle runs at startup so clients never connect to an
empty store. While the engine runs:

  GET  /api/state     full project state
  GET  /api/stats     counts and sync summary
  POST /api/sync      request a manual cycle
  /ws                 realtime updates (initial + update envelopes)

When sync.enabled is set, a webhook receiver on server.webhook_port
feeds verified tracker events back into the cycle.

Example usage:
  pulse engine                       # use pulse.yaml in the project root
  pulse engine --config ./ci.yaml    # explicit config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runEngine(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(engineCmd)
}

func runEngine(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetCommitRetention(cfg.CommitRetention)
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	an := analyzer.New(analyzer.Options{
		Root:         cfg.Analyze.Root,
		PackagesGlob: cfg.Analyze.PackagesGlob,
		PlansDir:     cfg.Analyze.PlansDir,
		CommitLimit:  cfg.Analyze.CommitLimit,
		Logger:       newLogger(cfg, "[analyzer] "),
	})

	var rec *reconciler.Reconciler
	if cfg.Sync.Enabled {
		client, err := tracker.New(tracker.Config{
			Token:      cfg.Tracker.Token,
			Owner:      cfg.Tracker.Owner,
			Repo:       cfg.Tracker.Repo,
			BaseURL:    cfg.Tracker.BaseURL,
			GraphQLURL: cfg.Tracker.GraphQLURL,
			Logger:     newLogger(cfg, "[tracker] "),
		})
		if err != nil {
			return err
		}
		rec = reconciler.New(st, client, reconciler.Config{
			Root:            cfg.Analyze.Root,
			ProjectTitle:    cfg.ProjectTitle,
			TodoIssueCap:    cfg.Sync.TodoIssueCap,
			Pacing:          cfg.Sync.Pacing,
			AutoCloseIssues: cfg.Sync.AutoCloseIssues,
			Logger:          newLogger(cfg, "[reconciler] "),
		})
	}

	// The server and orchestrator reference each other: the server
	// forwards manual sync requests, the orchestrator broadcasts
	// committed state. The trigger closure breaks the construction cycle.
	var orch *orchestrator.Orchestrator
	srv := server.New(&server.Config{
		Port:   cfg.Server.Port,
		Logger: newLogger(cfg, "[server] "),
	}, st, func() { orch.Trigger() })

	orch = orchestrator.New(orchestrator.Config{
		Analyzer:       an,
		Store:          st,
		Reconciler:     rec,
		Broadcaster:    srv,
		ResyncInterval: cfg.Sync.ResyncInterval,
		Logger:         newLogger(cfg, "[orchestrator] "),
	})

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	var hooks *webhook.Server
	if cfg.Server.WebhookPort > 0 {
		hooks, err = webhook.New(webhook.Config{
			Port:   cfg.Server.WebhookPort,
			Path:   cfg.Server.WebhookPath,
			Secret: cfg.Server.WebhookSecret,
			Logger: newLogger(cfg, "[webhook] "),
		}, st, orch.Trigger)
		if err != nil {
			return err
		}
		if err := hooks.Start(); err != nil {
			return err
		}
		defer hooks.Stop()
	}

	w, err := watcher.New(&watcher.Config{
		Root:      cfg.Analyze.Root,
		Paths:     cfg.Watch.Paths,
		Ignore:    cfg.Watch.Ignore,
		Debounce:  cfg.Watch.Debounce,
		Stability: cfg.Watch.Stability,
		Logger:    newLogger(cfg, "[watcher] "),
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Pulse engine running\n")
	fmt.Printf("State API:  http://localhost:%d/api/state\n", cfg.Server.Port)
	fmt.Printf("WebSocket:  ws://localhost:%d/ws\n", cfg.Server.Port)
	if hooks != nil {
		fmt.Printf("Webhooks:   http://localhost:%d%s\n", cfg.Server.WebhookPort, cfg.Server.WebhookPath)
	}

	// Seed the store before the loop so early clients see real state.
	orch.Trigger()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx, w.Events())
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				newLogger(cfg, "[watcher] ").Printf("Watch error: %v", err)
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		fmt.Println("\nShutting down")
		return nil
	}
	return err
}
