package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"packsync/internal/server"
	"packsync/internal/update"
)

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "packsync",
		Short:         "Keep a Minecraft server on the newest server pack",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to packsync.yaml (default: ./packsync.yaml or ./config/packsync.yaml)")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newUpdateCommand(&cfgPath),
		newLatestCommand(&cfgPath),
	)
	return root
}

func newServeCommand(cfgPath *string) *cobra.Command {
	var updateOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for authenticated GET /update requests",
		Long: `Listen for authenticated GET /update requests.

Each request resolves the newest server pack, downloads and verifies it,
and swaps the server's mods/ and config/ directories while keeping
allow-listed entries. Send the key as ?key= or the X-Update-Key header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return &configError{err: err}
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return runServe(cmd.Context(), a, updateOnStart)
		},
	}
	cmd.Flags().BoolVar(&updateOnStart, "update-on-start", false, "run one update as soon as the listener starts")
	return cmd
}

func runServe(ctx context.Context, a *app, updateOnStart bool) error {
	shutdownGrace := a.cfg.UpdateTimeout + 30*time.Second

	srv, err := server.New(server.Config{
		Addr:            a.cfg.ListenAddr,
		AuthKey:         a.cfg.AuthKey,
		UpdateTimeout:   a.cfg.UpdateTimeout,
		ShutdownTimeout: a.cfg.UpdateTimeout,
	}, a.service, a.state, a.notifier, slog.Default().With("component", "server"))
	if err != nil {
		return &configError{err: err}
	}

	// Shutdown watch: once a shutdown signal is received, allow a bounded window
	// for an in-flight update to finish before forcing termination.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(shutdownGrace)
		defer t.Stop()
		<-t.C
		slog.Error("shutdown timed out, forcing exit", "after", shutdownGrace)
		os.Exit(2)
	}()

	slog.Info("starting packsync",
		"version", Version,
		"addr", a.cfg.ListenAddr,
		"project_id", a.cfg.Provider.ProjectID,
		"server_root", a.cfg.ServerRoot,
		"notify", a.cfg.NotifyKind,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if updateOnStart {
		g.Go(func() error {
			uctx, cancel := context.WithTimeout(gctx, a.cfg.UpdateTimeout)
			defer cancel()
			// A failed startup update is reported like any other run; the
			// listener stays up.
			if _, err := a.service.Run(uctx, update.Options{Trigger: "startup"}); err != nil {
				slog.Warn("startup update failed", "kind", update.Classify(err), "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func newUpdateCommand(cfgPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run one update now",
		Example: `  # Install the newest server pack if it is not installed yet
  packsync update

  # Reinstall even when the newest pack is already installed
  packsync update --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.UpdateTimeout)
			defer cancel()
			res, err := a.service.Run(ctx, update.Options{Force: force, Trigger: "cli"})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (file %d)\n", res.Outcome, res.FileName, res.FileID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall even if the newest pack is already installed")
	return cmd
}

func newLatestCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the newest server-pack file without installing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			pc := newProvider(cfg)
			id, err := pc.LatestServerPackFileID(cmd.Context(), cfg.Provider.ProjectID)
			if err != nil {
				return err
			}
			f, err := pc.GetFile(cmd.Context(), cfg.Provider.ProjectID, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", f.ID, f.FileName, f.FileDate.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
