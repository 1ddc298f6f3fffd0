package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/hostelgate/internal/config"
	"github.com/BrandonDHaskell/hostelgate/internal/db"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/reconcile"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			v, err := migrate(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", cfg.DBDriver, v)
			return nil
		},
	}
}

func migrate(ctx context.Context, cfg config.Config) (int64, error) {
	switch cfg.DBDriver {
	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return db.Version(ctx, conn, db.DialectSQLite)

	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return 0, err
		}
		defer pool.Close()
		sqlDB := stdlib.OpenDBFromPool(pool)
		defer sqlDB.Close()
		return db.Version(ctx, sqlDB, db.DialectPostgres)

	default:
		return 0, fmt.Errorf("%s driver has no schema", cfg.DBDriver)
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark lapsed credentials expired and prune old ones, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			sw := service.NewCredentialSweeper(st, service.SweeperConfig{RetentionDays: cfg.CredentialRetentionDays})
			expired, pruned := sw.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d pruned=%d\n", expired, pruned)
			return nil
		},
	}
}

type reconcileFlags struct {
	date        string
	from        string
	to          string
	requestType string
	out         string
}

func newReconcileCmd() *cobra.Command {
	var f reconcileFlags

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Print the movement report for a day or window",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.query(time.Now())
			if err != nil {
				return err
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := service.NewMovementService(st, cfg.Segments).Report(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), f.out, report)
		},
	}

	cmd.Flags().StringVar(&f.date, "date", "", "UTC day, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&f.from, "from", "", "window start, RFC 3339 (overrides --date)")
	cmd.Flags().StringVar(&f.to, "to", "", "window end, RFC 3339, exclusive")
	cmd.Flags().StringVar(&f.requestType, "request-type", "outing", "outing | home-permission | all")
	cmd.Flags().StringVar(&f.out, "out", "text", "output format: text | json")
	return cmd
}

func (f reconcileFlags) query(now time.Time) (service.MovementQuery, error) {
	q := service.MovementQuery{RequestType: f.requestType}
	if strings.EqualFold(f.requestType, "all") {
		q.RequestType = ""
	}

	if f.from != "" || f.to != "" {
		var err error
		if f.from != "" {
			if q.From, err = time.Parse(time.RFC3339, f.from); err != nil {
				return q, fmt.Errorf("--from: %w", err)
			}
		}
		if f.to != "" {
			if q.To, err = time.Parse(time.RFC3339, f.to); err != nil {
				return q, fmt.Errorf("--to: %w", err)
			}
		}
		if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
			return q, fmt.Errorf("--from must be before --to")
		}
		return q, nil
	}

	day := now.UTC().Truncate(24 * time.Hour)
	if f.date != "" {
		d, err := time.Parse("2006-01-02", f.date)
		if err != nil {
			return q, fmt.Errorf("--date: %w", err)
		}
		day = d
	}
	q.From, q.To = day, day.Add(24*time.Hour)
	return q, nil
}

func printReport(w io.Writer, format string, r reconcile.Report) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, seg := range r.Segments {
		fmt.Fprintf(tw, "== %s\tout=%d\tin=%d\tstill_out=%d\tanomalies=%d\n",
			seg.Name, seg.Stats.TotalOut, seg.Stats.TotalIn, seg.Stats.CurrentlyOut, seg.Stats.AnomalyCount)
		for _, s := range seg.Sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.StudentRef, s.Block, s.Room, stamp(s.OutTime), stamp(s.InTime), s.Status)
		}
	}
	if r.Unassigned > 0 {
		fmt.Fprintf(tw, "unassigned events\t%d\n", r.Unassigned)
	}
	return tw.Flush()
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("15:04")
}
