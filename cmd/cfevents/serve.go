package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"cfevents/internal/importer"
	appLog "cfevents/internal/log"
	"cfevents/internal/metrics"
	"cfevents/internal/web"
)

func (c *cli) newServeCommand() *cobra.Command {
	var listen string
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API and import on the configured schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				c.cfg.Listen = listen
			}
			return c.serve(cmd.Context(), runNow)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run an import immediately on start")
	return cmd
}

func (c *cli) serve(ctx context.Context, runNow bool) error {
	m := metrics.New()
	env, err := importer.Setup(c.cfg, m)
	if err != nil {
		return err
	}
	defer env.Close()

	srv := web.NewServer(c.cfg, env.Store, m.Handler())

	job := func() {
		started := time.Now()
		srcs, err := env.Sources(ctx, nil, "")
		if err != nil {
			appLog.Error("scheduled run: build sources", err)
			srv.SetStatus(web.RunStatus{Mode: importer.ModeImport.String(), StartedAt: started, FinishedAt: time.Now(), Error: err.Error()})
			return
		}
		sum, err := env.Importer.Run(ctx, srcs, importer.ModeImport)
		if err != nil {
			appLog.Error("scheduled run failed", err, "run_id", sum.RunID)
		}
		srv.SetStatus(runStatus(sum, started, err))
	}

	// Overlapping ticks are skipped, keeping one writer per run.
	logger := cronLogger{}
	sched := cron.New(
		cron.WithLocation(c.cfg.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	entry, err := sched.AddFunc(c.cfg.Schedule, job)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()
	appLog.Info("scheduler started", "schedule", c.cfg.Schedule, "next", sched.Entry(entry).Next.Format(time.RFC3339))

	if runNow {
		go sched.Entry(entry).WrappedJob.Run()
	}

	httpSrv := &http.Server{
		Addr:              c.cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+c.cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runStatus(sum importer.Summary, started time.Time, err error) web.RunStatus {
	st := web.RunStatus{
		RunID:      sum.RunID,
		Mode:       sum.Mode.String(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	for _, r := range sum.Sources {
		ss := web.SourceStatus{
			Source:     r.Report.Source,
			Imported:   r.Report.Imported,
			Updated:    r.Report.Updated,
			Duplicates: r.Report.Duplicates,
			Failed:     r.Report.Failed,
		}
		if r.Err != nil {
			ss.Error = r.Err.Error()
		}
		st.Sources = append(st.Sources, ss)
	}
	return st
}

// cronLogger routes scheduler messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
