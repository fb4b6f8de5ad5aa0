package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-ingest/internal/app"
	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool and recovery sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApp(cmd.Context(), opts.cfg)
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}
			defer application.Close()

			slog.Info("contexta is running", "port", opts.cfg.Port, "store", opts.cfg.Store, "storage", opts.cfg.StorageBackend)
			err = application.Serve(cmd.Context())
			slog.Info("shutting down")
			return err
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process one job as an isolated instance and exit",
		Long: "Process one job as an isolated instance and exit. The exit code is 0 whenever\n" +
			"the job reaches a resting state, including a terminal error.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApp(cmd.Context(), opts.cfg)
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}
			defer application.Close()
			return application.RunJob(cmd.Context(), jobID)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job to process")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep cycle and exit",
		Long: "Run one recovery sweep cycle and exit. Stuck jobs are requeued or failed;\n" +
			"relaunching is left to the serving instances.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			a := &app.App{Config: opts.cfg, Store: store, Tracker: jobstatus.NewTracker(store, opts.cfg.MaxRetryCount)}
			rep, err := a.Sweeper(nil).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, rep); err != nil {
				return err
			}
			return errors.Join(rep.Errors...)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bootstrap the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Store != config.StorePostgres {
				slog.Info("nothing to migrate", "store", opts.cfg.Store)
				return nil
			}
			store, err := app.OpenStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			slog.Info("schema ready")
			return store.Close()
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		owner string
		ids   []string
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status for an owner",
		Long: "Show job status for an owner. Without --ids the owner's active jobs are listed.\n" +
			"With --wait the given jobs are polled until every one is terminal.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			jobs := services.NewJobService(store, jobstatus.NewTracker(store, opts.cfg.MaxRetryCount), 0)

			switch {
			case wait:
				if len(ids) == 0 {
					return errors.New("--wait needs --ids")
				}
				views, err := jobs.WaitForTerminal(cmd.Context(), owner, ids, func(vs []services.JobView) {
					for _, v := range vs {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%s\t%d%%\t%s\n", v.ID, v.Status, v.Progress, v.StageLabel)
					}
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, views)
			case len(ids) > 0:
				views, err := jobs.List(cmd.Context(), owner, ids)
				if err != nil {
					return err
				}
				return writeJSON(cmd, views)
			default:
				views, err := jobs.Active(cmd.Context(), owner)
				if err != nil {
					return err
				}
				return writeJSON(cmd, views)
			}
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "job ids, comma separated")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until every job is terminal")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
