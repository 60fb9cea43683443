// Package scheduler runs the periodic background jobs: firing due reminders
// and refreshing subscribed iCalendar feeds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calendo/internal/ics"
	appLog "calendo/internal/log"
	"calendo/internal/model"
)

// Reminders is the slice of the store the reminder scan needs.
type Reminders interface {
	DueReminders(ctx context.Context, now time.Time) ([]*model.Reminder, error)
	MarkReminderFired(ctx context.Context, id string, at time.Time) error
}

type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, error)
}

type Importer interface {
	Import(ctx context.Context, src ics.Source, body []byte, prune bool) (ics.ImportResult, error)
}

type Config struct {
	// ReminderSpec and RefreshSpec are standard cron specs or descriptors
	// such as "@every 1m". An empty spec disables the job.
	ReminderSpec string
	RefreshSpec  string
	Sources      []ics.Source
	Location     *time.Location
	Now          func() time.Time
}

type Scheduler struct {
	cfg       Config
	reminders Reminders
	fetcher   Fetcher
	importer  Importer
	cron      *cron.Cron

	mu     sync.Mutex // serializes refreshes
	runCtx context.Context
}

// New parses the cron expressions and registers the jobs. Nothing runs until Run.
func New(cfg Config, reminders Reminders, fetcher Fetcher, importer Importer) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Scheduler{
		cfg:       cfg,
		reminders: reminders,
		fetcher:   fetcher,
		importer:  importer,
		runCtx:    context.Background(),
	}
	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if cfg.ReminderSpec != "" && reminders != nil {
		if _, err := s.cron.AddFunc(cfg.ReminderSpec, s.reminderJob); err != nil {
			return nil, fmt.Errorf("scheduler: reminder spec %q: %w", cfg.ReminderSpec, err)
		}
	}
	if cfg.RefreshSpec != "" && len(cfg.Sources) > 0 && fetcher != nil && importer != nil {
		if _, err := s.cron.AddFunc(cfg.RefreshSpec, s.refreshJob); err != nil {
			return nil, fmt.Errorf("scheduler: refresh spec %q: %w", cfg.RefreshSpec, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx
	appLog.Info("scheduler started", "jobs", s.Jobs(),
		"reminder_cron", s.cfg.ReminderSpec, "refresh_cron", s.cfg.RefreshSpec)
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) reminderJob() {
	if _, err := s.FireDue(s.runCtx); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("reminder scan failed", err)
	}
}

func (s *Scheduler) refreshJob() {
	if err := s.Refresh(s.runCtx); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("subscription refresh failed", err)
	}
}

// FireDue fires every reminder due at Now and returns how many it fired.
// Firing logs the reminder and stamps it so it is not fired again.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()
	due, err := s.reminders.DueReminders(ctx, now)
	if err != nil {
		return 0, err
	}
	fired := 0
	var errs []error
	for _, r := range due {
		kv := []any{"reminder_id", r.ID, "remind_at", r.RemindAt, "message", r.Message}
		if r.EventID != nil {
			kv = append(kv, "event_id", *r.EventID)
		}
		if r.TaskID != nil {
			kv = append(kv, "task_id", *r.TaskID)
		}
		appLog.Info("reminder", kv...)

		if err := s.reminders.MarkReminderFired(ctx, r.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("mark reminder %s: %w", r.ID, err))
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// Refresh fetches every subscription and re-imports it, pruning events the
// feed no longer carries. A failing feed does not stop the others.
func (s *Scheduler) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	results, fetchErr := s.fetcher.FetchAll(ctx, s.cfg.Sources)
	errs := []error{fetchErr}
	for _, res := range results {
		imp, err := s.importer.Import(ctx, res.Source, res.Body, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", res.Source.ID, err))
			continue
		}
		appLog.Info("subscription refreshed", "source", res.Source.ID, "from_cache", res.FromCache,
			"created", imp.Created, "updated", imp.Updated, "removed", imp.Removed, "skipped", imp.Skipped)
	}
	appLog.Debug("refresh done", "sources", len(s.cfg.Sources), "elapsed", time.Since(started).String())
	return errors.Join(errs...)
}

// cronLogger routes cron's own messages into the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
