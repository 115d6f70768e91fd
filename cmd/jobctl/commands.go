package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/producer"
	"github.com/SirClappington/jobq/internal/storage"
)

// env carries what every subcommand opens.
type env struct {
	cfg   config.Config
	log   *zap.Logger
	store *storage.Store
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return errors.New("jobctl needs STORE_DRIVER=postgres")
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	st, err := app.OpenPostgres(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Pool().Close()
	return fn(cmd.Context(), &env{cfg: cfg, log: logger, store: st})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				if err := storage.Migrate(ctx, e.store.Pool()); err != nil {
					return err
				}
				v, err := storage.SchemaVersion(ctx, e.store.Pool())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
				return nil
			})
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		typ, payload, id string
		priority, maxAtt int
		delay            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a job",
		Example: `  jobctl enqueue --type EMAIL --payload '{"to":"a@example.com","subject":"hi"}'
  jobctl enqueue --type SMS --id otp-42 --priority 9 --payload '{"phone_number":"+15551234567","message":"1234"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := domain.ParsePayload(domain.Type(typ), json.RawMessage(payload))
			if err != nil {
				return err
			}
			req := producer.Request{JobID: id, Payload: p}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("max-attempts") {
				req.MaxAttempts = &maxAtt
			}
			if delay > 0 {
				at := time.Now().Add(delay)
				req.ScheduledFor = &at
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				hints := app.OpenHints(ctx, e.cfg, e.log)
				defer hints.Close() //nolint:errcheck
				job, err := producer.New(e.store, hints.Notifier, e.log).CreateJob(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "job type (EMAIL, PUSH, SMS, CONTENT_DIGEST, SUBSCRIPTION_EXPIRY)")
	f.StringVar(&payload, "payload", "", "payload JSON")
	f.StringVar(&id, "id", "", "job id; generated when empty")
	f.IntVar(&priority, "priority", domain.DefaultPriority, "priority 1-10, higher runs first")
	f.IntVar(&maxAtt, "max-attempts", domain.DefaultMaxAttempts, "attempts before dead-lettering")
	f.DurationVar(&delay, "delay", 0, "run no earlier than now + delay")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		typ, status   string
		priority      int
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := domain.Filter{Type: domain.Type(typ), Status: domain.Status(status), Limit: limit, Offset: offset}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if cmd.Flags().Changed("priority") {
				f.Priority = &priority
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				jobs, total, err := e.store.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				writeJobTable(cmd.OutOrStdout(), jobs)
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(jobs), total)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&typ, "type", "", "filter by job type")
	fl.StringVar(&status, "status", "", "filter by status")
	fl.IntVar(&priority, "priority", 0, "filter by priority")
	fl.IntVar(&limit, "limit", domain.DefaultListLimit, "page size")
	fl.IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func writeJobTable(w io.Writer, jobs []*domain.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tTYPE\tSTATUS\tPRI\tATTEMPTS\tSCHEDULED FOR\tLAST ERROR")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
			if len(lastErr) > 60 {
				lastErr = lastErr[:57] + "..."
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.JobID, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
			j.ScheduledFor.Local().Format(time.DateTime), lastErr)
	}
	_ = tw.Flush()
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				job, err := e.store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				st, err := e.store.Stats(ctx, domain.Type(typ))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "restrict to one job type")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a dead or failed job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				job, err := e.store.RetryJob(ctx, args[0])
				if err != nil {
					return err
				}
				hints := app.OpenHints(ctx, e.cfg, e.log)
				defer hints.Close() //nolint:errcheck
				if err := hints.Notifier.Notify(ctx, job.Type); err != nil {
					e.log.Warn("wake-up hint failed", zap.Error(err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", job.JobID)
				return nil
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed jobs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				if !cmd.Flags().Changed("retention-days") {
					days = e.cfg.RetentionDays
				}
				if days < 0 {
					return fmt.Errorf("retention-days must not be negative")
				}
				n, err := e.store.Cleanup(ctx, time.Duration(days)*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "retention-days", 0, "keep completed jobs newer than this many days (default RETENTION_DAYS)")
	return cmd
}
