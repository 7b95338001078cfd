package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/bootstrap"
	"spend-enrichment-pipeline/internal/linkscore"
	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/spend"
	"spend-enrichment-pipeline/internal/stage"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [stage]",
		Short: "Run one invocation of a stage inline, under the runner lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			scope, _ := cmd.Flags().GetString("scope")
			if scope == "" {
				scope = e.cfg.DefaultScope
			}
			maxItems, _ := cmd.Flags().GetInt("max-items")
			if !cmd.Flags().Changed("max-items") {
				maxItems = e.cfg.MaxItemsPerInvocation
			}

			e.cfg.Stages = []string{args[0]}
			handlers, err := bootstrap.Handlers(ctx, e.cfg, e.store, e.client, e.log)
			if err != nil {
				return err
			}

			id := queue.InvocationID(args[0], scope)
			lease := queue.NewLease(e.client, id, bootstrap.WorkerID(), e.cfg.RunnerLeaseTTL)
			ok, err := lease.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("acquire lease: %w", err)
			}
			if !ok {
				holder, _ := queue.Holder(ctx, e.client, id)
				return fmt.Errorf("%s is already running (held by %s)", id, holder)
			}
			defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

			res, err := stage.NewRunner(e.store, handlers[0], scope, e.cfg.BatchSize, e.log).Invoke(ctx, maxItems)
			printJob(res.Job)
			if err != nil {
				return err
			}
			fmt.Printf("Batches:   %d\nSelected:  %d\nSucceeded: %d\nFailed:    %d\nDone:      %v\n",
				res.Batches, res.Selected, res.Succeeded, res.Failed, res.Done)
			return nil
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Job scope (defaults to DEFAULT_SCOPE)")
	cmd.Flags().IntP("max-items", "n", 0, "Subjects to attempt before pausing (0 = no limit)")

	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [stage]",
		Short: "Clear a job's cursor, counters and error log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			scope, _ := cmd.Flags().GetString("scope")
			if scope == "" {
				scope = e.cfg.DefaultScope
			}
			force, _ := cmd.Flags().GetBool("force")
			job, err := e.store.EnsureJob(ctx, args[0], scope)
			if err != nil {
				return err
			}
			if job.Busy() && !force {
				return fmt.Errorf("%s/%s is %s; pass --force to reset anyway", args[0], scope, job.Status)
			}
			if err := e.store.ResetJob(ctx, args[0], scope); err != nil {
				return err
			}
			job, err = e.store.GetJob(ctx, args[0], scope)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Job scope (defaults to DEFAULT_SCOPE)")
	cmd.Flags().Bool("force", false, "Reset even if the job looks busy")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every job document",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			jobs, err := e.store.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("Jobs: (none)")
				return nil
			}
			fmt.Printf("%-24s %-10s %-12s %-10s %10s %8s\n", "STAGE", "SCOPE", "STATUS", "CURSOR", "PROCESSED", "ERRORS")
			for _, j := range jobs {
				fmt.Printf("%-24s %-10s %-12s %-10s %10d %8d\n",
					j.Stage, j.Scope, j.Status, valueOrDefault(j.Cursor, "-"), j.TotalProcessed, j.TotalErrors)
			}
			return nil
		},
	}
}

func aggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute spend summaries for one buyer or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			r := spend.NewReaggregator(e.store, e.cfg.AggregateConcurrency, e.log)
			if buyer, _ := cmd.Flags().GetString("buyer"); buyer != "" {
				summary, err := r.Buyer(ctx, buyer)
				if err != nil {
					return err
				}
				return printJSON(summary)
			}
			stats, err := r.Run(ctx)
			fmt.Printf("Buyers:    %d\nSucceeded: %d\nFailed:    %d\n", stats.Buyers, stats.Succeeded, stats.Failed)
			return err
		},
	}

	cmd.Flags().StringP("buyer", "b", "", "Only aggregate this buyer")

	return cmd
}

func scoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score [url] [anchor text]",
		Short: "Score a link against the spend-data pattern table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor := ""
			if len(args) == 2 {
				anchor = args[1]
			}
			scored := linkscore.ScoreLink(args[0], anchor)
			if scored == nil {
				fmt.Println("Score: 0 (no pattern matched)")
				return nil
			}
			fmt.Printf("Score:    %d\nPatterns: %s\n", scored.Score, strings.Join(scored.MatchedPatternNames, ", "))
			return nil
		},
	}
}

func importSpendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-spend [file.csv]",
		Short: "Bulk-load a date,vendor,category,amount CSV for a buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buyer, _ := cmd.Flags().GetString("buyer")
			if buyer == "" {
				return fmt.Errorf("--buyer is required")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			txns, err := spend.ReadTransactionsCSV(f, buyer)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.store.CopyTransactions(ctx, txns)
			if err != nil {
				return err
			}
			e.log.Info("pipeline: spend imported", zap.String("buyer", buyer), zap.Int64("rows", n))
			if reaggregate, _ := cmd.Flags().GetBool("aggregate"); reaggregate {
				if _, err := spend.NewReaggregator(e.store, 1, e.log).Buyer(ctx, buyer); err != nil {
					return err
				}
			}
			fmt.Printf("Imported %d transactions for %s\n", n, buyer)
			return nil
		},
	}

	cmd.Flags().StringP("buyer", "b", "", "Buyer id the rows belong to")
	cmd.Flags().Bool("aggregate", true, "Recompute the buyer's summary after loading")

	return cmd
}

func importBuyersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-buyers [file.csv]",
		Short: "Insert or update buyers from an id,name,org_type[,website_url,...] CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			buyers, err := spend.ReadBuyersCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			for _, b := range buyers {
				if err := e.store.UpsertBuyer(ctx, b); err != nil {
					return err
				}
			}
			e.log.Info("pipeline: buyers imported", zap.Int("rows", len(buyers)))
			fmt.Printf("Imported %d buyers\n", len(buyers))
			return nil
		},
	}
}

func printJob(j models.Job) {
	fmt.Printf("Job:       %s/%s\nStatus:    %s\nCursor:    %s\nProcessed: %d\nErrors:    %d\n",
		j.Stage, j.Scope, j.Status, valueOrDefault(j.Cursor, "-"), j.TotalProcessed, j.TotalErrors)
	for _, line := range j.ErrorLog {
		fmt.Printf("  ! %s\n", line)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
