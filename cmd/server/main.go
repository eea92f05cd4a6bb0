package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iccanobif/gikopoi2-sub001/internal/app"
	"github.com/iccanobif/gikopoi2-sub001/internal/auth"
	"github.com/iccanobif/gikopoi2-sub001/internal/config"
	"github.com/iccanobif/gikopoi2-sub001/internal/log"
	"github.com/iccanobif/gikopoi2-sub001/internal/snapshot"
)

type flags struct {
	configPath string
	overrides  config.Config
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "gikopoi",
		Short:         "gikopoi virtual space server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to config.yaml")
	pf.StringVar(&f.overrides.Log.Level, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&f.overrides.Log.Format, "log-format", "", "log format (console, json)")

	fs := root.Flags()
	fs.StringVar(&f.overrides.Addr, "addr", "", "HTTP listen address")
	fs.DurationVar(&f.overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	fs.DurationVar(&f.overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	fs.StringVar(&f.overrides.World.CatalogPath, "catalog", "", "room catalog YAML, empty for the built-in one")

	root.AddCommand(newHashPasswordCmd(), newSnapshotCmd(f))
	return root
}

func loadConfig(f *flags) (*config.Config, error) {
	boot := log.New(f.overrides.Log.Level, f.overrides.Log.Format)
	cfg, path, err := config.Load(boot, f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.UpdateFrom(f.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func serve(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := log.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("addr", cfg.Addr).Msg("starting gikopoi server")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newSnapshotCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with persisted snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Summarize the latest snapshot of the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := app.OpenSnapshotStore(ctx, cfg.Snapshot)
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("snapshot backend is none")
			}
			defer st.Close()

			doc, err := snapshot.Load(ctx, st)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if doc == nil {
				fmt.Fprintln(out, "no snapshot stored")
				return nil
			}
			counters := 0
			for _, byRoom := range doc.Counters {
				counters += len(byRoom)
			}
			fmt.Fprintf(out, "version:  %d\n", doc.Version)
			fmt.Fprintf(out, "taken at: %s\n", doc.TakenAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "users:    %d\n", len(doc.Users))
			fmt.Fprintf(out, "bans:     %d\n", len(doc.Bans))
			fmt.Fprintf(out, "counters: %d\n", counters)
			return nil
		},
	})
	return cmd
}
