package orchestrator

import (
	"context"
)

// Serve wraps Run in an in-process gocron schedule. It is additive sugar
// over the single-shot invocation model: deployments
// that prefer a long-lived daemon over an external trigger (cron,
// EventBridge, a k8s CronJob) can call Serve instead of wiring their own
// scheduler around Run. eventFn is called fresh before every tick so
// overrides like PAUSE_INGESTING can be picked up without a restart.
func (o *Orchestrator) Serve(ctx context.Context, cronExpr string, eventFn func() Event) (*Scheduler, error) {
	sched, err := newScheduler(o.logger, 1)
	if err != nil {
		return nil, err
	}

	task := func() {
		result := o.Run(ctx, eventFn())
		o.logger.Info("scheduled orchestrator run complete", "duration", result.Duration, "paused", result.Paused)
	}

	if err := sched.AddJob("ingest-drain", cronExpr, task); err != nil {
		return nil, err
	}
	sched.Describe("ingest-drain", "drains the fetchlog queue across metadata/realtime/pipeline streams")
	return sched, nil
}
