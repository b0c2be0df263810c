package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ariefcatur/go-realtime-bookings/internal/app"
	"github.com/ariefcatur/go-realtime-bookings/internal/config"
	"github.com/ariefcatur/go-realtime-bookings/internal/logging"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
	"github.com/ariefcatur/go-realtime-bookings/internal/postgres"
	"github.com/ariefcatur/go-realtime-bookings/internal/worker"
)

// loader builds the App for a command; tests swap it for one over memstore.
type loader func(ctx context.Context, log logrus.FieldLogger) (*app.App, error)

func fromEnv(ctx context.Context, log logrus.FieldLogger) (*app.App, error) {
	return app.New(ctx, config.Load(), log)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(fromEnv)
}

func newRootCmdWith(load loader) *cobra.Command {
	var timeout time.Duration
	root := &cobra.Command{
		Use:          "bookingctl",
		Short:        "Operate the booking service: migrations, sweeps and payment reconciliation",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall command timeout")

	run := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		cfg := config.Load()
		log := logging.New(cfg.LogLevel, "text")
		log.SetOutput(cmd.ErrOrStderr())
		a, err := load(ctx, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, func(ctx context.Context, a *app.App) error {
					if a.DB == nil {
						return errors.New("migrate needs STORE_DRIVER=postgres")
					}
					if err := postgres.Migrate(ctx, a.DB); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
					return nil
				})
			},
		},
		newSweepCmd(run),
		newReconcileCmd(run),
	)
	return root
}

type runner func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error

func newSweepCmd(run runner) *cobra.Command {
	var batch int
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed holds and reconcile silent payments once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				s := &worker.Sweeper{
					Bookings:       a.Bookings,
					Reconciler:     a.Reconciler,
					Batch:          batch,
					ReconcileAfter: after,
					Log:            a.Bookings.Log,
				}
				expired, reconciled := s.Once(ctx)
				return writeJSON(cmd.OutOrStdout(), map[string]int{"expired": expired, "reconciled": reconciled})
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 200, "maximum rows per pass")
	cmd.Flags().DurationVar(&after, "after", 10*time.Minute, "reconcile payments silent for longer than this")
	return cmd
}

func newReconcileCmd(run runner) *cobra.Command {
	var date, orderRef string
	var apply bool
	cmd := &cobra.Command{
		Use:   "reconcile <transactionId>",
		Short: "Ask the gateway about a transaction, optionally applying a definitive answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := payments.QueryInput{TransactionID: args[0], OrderRef: orderRef}
			if date != "" {
				t, err := time.Parse(time.RFC3339, date)
				if err != nil {
					return fmt.Errorf("--date: %w", err)
				}
				in.TransactionDate = t
			}
			return run(cmd, func(ctx context.Context, a *app.App) error {
				if !apply {
					res, err := a.Reconciler.QueryTransaction(ctx, in)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), res)
				}
				res, err := a.Reconciler.Reconcile(ctx, in)
				if err != nil {
					return err
				}
				out := map[string]any{"query": res.Query}
				if res.Ingest != nil && res.Ingest.Log != nil {
					out["processing_status"] = res.Ingest.Log.ProcessingStatus
				}
				if res.Ingest != nil {
					out["applied"] = res.Ingest.Applied
					out["duplicate"] = res.Ingest.Duplicate
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "transaction date, RFC3339 (defaults to when it was opened)")
	cmd.Flags().StringVar(&orderRef, "order-ref", "", "gateway-side transaction number")
	cmd.Flags().BoolVar(&apply, "apply", false, "feed a definitive answer through webhook ingestion")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
