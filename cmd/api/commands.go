package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/designdesk/backend/internal/catalog"
	"github.com/designdesk/backend/internal/db"
	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/models"
	"github.com/designdesk/backend/internal/realtime"
	"github.com/designdesk/backend/internal/repository"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(cmd.Context(), pool, logger)
		},
	}
}

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair credit balances",
	}
	cmd.AddCommand(newReconcileCommand(opts))
	return cmd
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile [account-id]",
		Short: "Recompute cached balances from ledger entries",
		Long: `Recompute each account's cached balance from the sum of its ledger entries and
repair any drift.

Examples:
  api ledger reconcile 5b0c7c9e-4f3e-4d0a-9f57-0d3c2a1e8b11
  api ledger reconcile --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass an account id or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("account id required (or --all)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			accounts := repository.NewAccountRepo(pool)
			svc := ledger.NewService(pool, accounts, repository.NewCreditRepo(pool), logger)

			var ids []uuid.UUID
			if all {
				if ids, err = accounts.ListIDs(ctx); err != nil {
					return err
				}
			} else {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid account id %q: %w", args[0], err)
				}
				ids = []uuid.UUID{id}
			}

			repaired := 0
			for _, id := range ids {
				report, err := svc.Reconcile(ctx, id)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", id, err)
				}
				if report.Repaired {
					repaired++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: cached %d, ledger %d, drift %+d repaired\n",
						id, report.Cached, report.Computed, report.Drift())
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d account(s), repaired %d\n", len(ids), repaired)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every account")
	return cmd
}

func newCategoriesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage the commission category catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a YAML catalog and upsert its categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cats, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			cat := catalog.New(repository.NewCategoryRepo(pool), 0, nil, logger)
			if err := cat.Import(cmd.Context(), cats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d categor(ies) from %s\n", len(cats), args[0])
			return nil
		},
	})
	return cmd
}

// newTailCommand follows an account's notification stream, printing one JSON line per event.
func newTailCommand() *cobra.Command {
	var (
		baseURL string
		token   string
		idle    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the notification stream of the account behind --token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := realtime.NewClient(baseURL+"/v1/notifications/stream", token)
			if idle > 0 {
				client.IdleTimeout = idle
			}
			client.Logger = slog.Default()
			enc := json.NewEncoder(cmd.OutOrStdout())
			err := client.Run(ctx, func(n *models.Notification) {
				_ = enc.Encode(n)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().DurationVar(&idle, "idle-timeout", 0, "reconnect after this long without events or heartbeats")
	return cmd
}
