// Package scheduler runs the daily price refresh in-process for deployments
// without an external scheduler.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"

	"github.com/raterudder/chargerudder/pkg/log"
)

// Job is run on every tick.
type Job func(ctx context.Context)

// Scheduler triggers a Job on a cron schedule.
type Scheduler struct {
	spec string
}

// Configured sets up flags for the scheduler and returns it.
func Configured() *Scheduler {
	s := &Scheduler{}
	spec := lflag.String("refresh-cron", "", "Cron schedule for the in-process price refresh, e.g. \"CRON_TZ=Europe/Berlin 5 0 * * *\" (empty disables)")

	lflag.Do(func() {
		s.spec = *spec
		if s.spec == "" {
			return
		}
		if _, err := cron.ParseStandard(s.spec); err != nil {
			panic(fmt.Sprintf("invalid refresh-cron %q: %v", s.spec, err))
		}
	})
	return s
}

// New returns a Scheduler for spec.
func New(spec string) *Scheduler {
	return &Scheduler{spec: spec}
}

// Enabled reports whether a schedule was configured.
func (s *Scheduler) Enabled() bool {
	return s.spec != ""
}

// Run calls job on the schedule until ctx is done and then waits for a
// running job to finish. Overlapping ticks are skipped.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if !s.Enabled() {
		return nil
	}
	logger := cronLogger{ctx: ctx}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() {
		jobCtx := log.WithCycleID(ctx)
		log.Ctx(jobCtx).InfoContext(jobCtx, "scheduled price refresh starting")
		job(jobCtx)
	}); err != nil {
		return fmt.Errorf("register refresh job: %w", err)
	}

	c.Start()
	log.Ctx(ctx).InfoContext(ctx, "scheduler started", slog.String("spec", s.spec))
	<-ctx.Done()
	<-c.Stop().Done()
	log.Ctx(ctx).InfoContext(ctx, "scheduler stopped")
	return nil
}

// cronLogger sends cron's logs to slog.
type cronLogger struct {
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
