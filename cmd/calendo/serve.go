package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calendo/internal/command"
	"calendo/internal/config"
	"calendo/internal/ics"
	appLog "calendo/internal/log"
	"calendo/internal/recurrence"
	"calendo/internal/scheduler"
	"calendo/internal/store"
	"calendo/internal/web"
)

var refreshOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&refreshOnStart, "refresh-now", true, "Refresh subscriptions once at startup")
}

func runServe(ctx context.Context, cfg *config.Config) error {
	appLog.Info("calendo starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"db", cfg.DBPath,
		"timezone", cfg.Timezone,
		"reminder_cron", cfg.ReminderCron,
		"refresh_cron", cfg.RefreshCron,
		"ics_count", len(cfg.ICS),
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	loc, err := recurrence.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	reg := command.New(st, command.Options{DefaultTimezone: cfg.Timezone, MaxOccurrences: cfg.MaxOccurrences})
	fetcher := ics.NewFetcher(cfg.CacheDir, &http.Client{Timeout: 30 * time.Second})
	importer := ics.NewImporter(st, cfg.Timezone)

	sched, err := scheduler.New(scheduler.Config{
		ReminderSpec: cfg.ReminderCron,
		RefreshSpec:  cfg.RefreshCron,
		Sources:      cfg.Sources(),
		Location:     loc,
	}, st, fetcher, importer)
	if err != nil {
		return err
	}

	srv := web.NewServer(cfg, reg, func(ctx context.Context) (string, error) {
		return ics.Export(ctx, st)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if refreshOnStart && len(cfg.ICS) > 0 {
		g.Go(func() error {
			if err := sched.Refresh(gctx); err != nil {
				appLog.Error("initial refresh failed", err)
			}
			return nil
		})
	}

	err = g.Wait()
	appLog.Info("calendo exiting", "db", st.Path())
	return err
}
