package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/pesio-ai/be-bank-reconciliation/internal/domain"
	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
)

// QueueConfig sizes the worker pool and the reminder schedule.
type QueueConfig struct {
	Workers          int
	MaxAttempts      int
	JobTimeout       time.Duration
	RemindersEnabled bool
	Reminders        DailySchedule
}

// Queue is the River client that stores notification jobs next to the
// workflow tables and runs the dispatch and reminder workers.
type Queue struct {
	client      *river.Client[pgx.Tx]
	maxAttempts int
	log         *logger.Logger
}

// NewQueue builds the River client and registers the workers. Nothing runs
// until Start.
func NewQueue(pool *pgxpool.Pool, cfg QueueConfig, d *Dispatcher, log *logger.Logger) (*Queue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &dispatchWorker{dispatcher: d})
	river.AddWorker(workers, &reminderWorker{dispatcher: d})

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	riverCfg := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		JobTimeout:   cfg.JobTimeout,
		ErrorHandler: &errorHandler{log: log},
	}
	if cfg.RemindersEnabled {
		riverCfg.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				cfg.Reminders,
				func() (river.JobArgs, *river.InsertOpts) {
					return ReminderArgs{}, nil
				},
				&river.PeriodicJobOpts{},
			),
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &Queue{client: client, maxAttempts: cfg.MaxAttempts, log: log}, nil
}

// Start begins working jobs.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.log.Info().Msg("notify: queue started")
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	q.log.Info().Msg("notify: queue stopped")
	return nil
}

// InsertTx records n as a dispatch job inside tx. The job becomes visible
// to workers only if tx commits.
func (q *Queue) InsertTx(ctx context.Context, tx pgx.Tx, n domain.Notification) error {
	var opts *river.InsertOpts
	if q.maxAttempts > 0 {
		opts = &river.InsertOpts{MaxAttempts: q.maxAttempts}
	}
	if _, err := q.client.InsertTx(ctx, tx, DispatchArgs{Notification: n}, opts); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", n.Kind, err)
	}
	return nil
}

type dispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	dispatcher *Dispatcher
}

func (w *dispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) error {
	return w.dispatcher.Dispatch(ctx, job.ID, job.Args.Notification)
}

type reminderWorker struct {
	river.WorkerDefaults[ReminderArgs]
	dispatcher *Dispatcher
}

func (w *reminderWorker) Work(ctx context.Context, job *river.Job[ReminderArgs]) error {
	return w.dispatcher.Remind(ctx, job.CreatedAt)
}

// errorHandler logs every failed attempt. River's retry policy decides
// what happens next.
type errorHandler struct {
	log *logger.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Error().Err(err).
		Str("job_kind", job.Kind).
		Int64("job_id", job.ID).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Msg("notify: job failed")
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error().
		Str("job_kind", job.Kind).
		Int64("job_id", job.ID).
		Interface("panic", panicVal).
		Str("trace", trace).
		Msg("notify: job panicked")
	return nil
}
