// Package scheduler runs the periodic settlement jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Job func(ctx context.Context) error

type Metrics interface {
	ObserveJob(name, status string, elapsed time.Duration)
}

// Runner wraps a cron with seconds precision. Overlapping runs of the same
// job are skipped, and each run gets its own timeout derived from the base
// context so shutdown cancels in-flight work.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
	logger  *slog.Logger
	metrics Metrics
	timeout time.Duration
	entries map[string]cron.EntryID
}

type Option func(*Runner)

func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithJobTimeout bounds each run. Zero leaves runs bounded only by the base context.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

func New(baseCtx context.Context, logger *slog.Logger, opts ...Option) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		baseCtx: baseCtx,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(r)
	}
	cl := cronLogger{logger: logger}
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return r
}

// Add schedules job under name. An empty spec disables the job.
func (r *Runner) Add(name, spec string, job Job) error {
	if spec == "" {
		r.logger.Info("cron job disabled", "job", name)
		return nil
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("cron job %q already registered", name)
	}
	id, err := r.cron.AddFunc(spec, func() { r.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	r.entries[name] = id
	return nil
}

// Jobs lists the registered job names with their next run time.
func (r *Runner) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(r.entries))
	for name, id := range r.entries {
		out[name] = r.cron.Entry(id).Next
	}
	return out
}

func (r *Runner) run(name string, job Job) {
	ctx := r.baseCtx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		r.logger.Error("cron job failed", "job", name, "error", err, "elapsed", elapsed.String())
	} else {
		r.logger.Debug("cron job done", "job", name, "elapsed", elapsed.String())
	}
	if r.metrics != nil {
		r.metrics.ObserveJob(name, status, elapsed)
	}
}

func (r *Runner) Start() {
	r.logger.Info("cron started", "jobs", len(r.entries))
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("cron stopped")
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
