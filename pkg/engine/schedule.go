package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starfail/dwell/pkg/logx"
)

// cronLogger adapts logx to the cron.Logger interface
type cronLogger struct {
	logger *logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// buildSchedule registers the periodic jobs. An empty spec skips the job.
func (e *Engine) buildSchedule() (*cron.Cron, error) {
	cl := cronLogger{logger: e.logger.With("component", "cron")}
	c := cron.New(
		cron.WithLocation(e.config.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"rebuild", e.config.RebuildSpec, e.rebuildJob},
		{"geocode_rescan", e.config.RescanSpec, func() { e.RescanUnnamed() }},
		{"cleanup", e.config.CleanupSpec, e.deps.Telemetry.Cleanup},
		{"status", e.config.StatusSpec, e.statusJob},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
		e.logger.Debug("job scheduled", "job", job.name, "spec", job.spec)
	}
	return c, nil
}

func (e *Engine) rebuildJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := e.Rebuild(ctx); err != nil {
		e.logger.Error("scheduled rebuild failed", "error", err)
	}
}

func (e *Engine) statusJob() {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.PublishTimeout)
	defer cancel()
	if err := e.PublishStatus(ctx); err != nil {
		e.logger.Warn("failed to publish status", "error", err)
	}
}
