package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"funnel-service/config"
	"funnel-service/internal/service"
	"funnel-service/internal/store"
	"funnel-service/internal/util"
	"funnel-service/internal/worker"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var databaseURL string

	rootCmd := &cobra.Command{
		Use:           "funnelctl",
		Short:         "Operator tooling for the funnel service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if databaseURL == "" {
				databaseURL = cfg.Database.URL
			}
			return util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")

	open := func() (*store.Store, error) {
		return store.NewStore(databaseURL)
	}

	rootCmd.AddCommand(migrateCmd(open))
	rootCmd.AddCommand(seedCmd(open))
	rootCmd.AddCommand(reapCmd(open))
	rootCmd.AddCommand(analyticsCmd(open))

	return rootCmd
}

type opener func() (*store.Store, error)

func migrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.RunMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
			}
			return nil
		},
	}
}

func seedCmd(open opener) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "seed [file.yaml]",
		Short: "Load products and funnels from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read seed file: %w", err)
			}
			seed, err := store.ParseSeed(data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Seed has %d products and %d funnels\n", len(seed.Products), len(seed.Funnels))
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "Dry run - no changes made")
				return nil
			}

			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ApplySeed(cmd.Context(), seed); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Seed applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	return cmd
}

func reapCmd(open opener) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Abandon active funnel sessions idle longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return reap(cmd.Context(), cmd.OutOrStdout(), db, olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "idle time after which a session is abandoned")
	return cmd
}

func reap(ctx context.Context, out io.Writer, st worker.StaleSessionStore, olderThan time.Duration) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	n, err := worker.NewSessionReaper(st, 0, olderThan).ReapOnce(ctx)
	if err != nil {
		return fmt.Errorf("failed to reap sessions: %w", err)
	}
	fmt.Fprintf(out, "Abandoned %d sessions\n", n)
	return nil
}

func analyticsCmd(open opener) *cobra.Command {
	var steps bool

	cmd := &cobra.Command{
		Use:   "analytics [funnel-id]",
		Short: "Print funnel analytics as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var funnelID int64
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid funnel id %q", args[0])
				}
				funnelID = id
			}

			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return printAnalytics(cmd.Context(), cmd.OutOrStdout(), service.NewAnalyticsService(db), funnelID, steps)
		},
	}

	cmd.Flags().BoolVar(&steps, "steps", false, "report per-step acceptance (requires funnel-id)")
	return cmd
}

func printAnalytics(ctx context.Context, out io.Writer, svc *service.AnalyticsService, funnelID int64, steps bool) error {
	var (
		report interface{}
		err    error
	)
	switch {
	case funnelID == 0 && steps:
		return fmt.Errorf("--steps requires a funnel id")
	case funnelID == 0:
		report, err = svc.ListFunnelAnalytics(ctx)
	case steps:
		report, err = svc.GetStepAnalytics(ctx, funnelID)
	default:
		report, err = svc.GetFunnelAnalytics(ctx, funnelID)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
