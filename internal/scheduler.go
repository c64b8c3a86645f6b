package internal

import (
	"context"
	"time"
)

// SyncDispatcher starts sync runs. With a publisher the run is queued for a
// worker; without one it runs in the caller's goroutine.
type SyncDispatcher struct {
	runner    SyncRunner
	publisher SyncPublisher
	logger    *Logger
	now       func() time.Time
}

func NewSyncDispatcher(runner SyncRunner, publisher SyncPublisher, logger *Logger) *SyncDispatcher {
	if logger == nil {
		logger = NopLogger()
	}
	return &SyncDispatcher{runner: runner, publisher: publisher, logger: logger, now: time.Now}
}

// Queued reports whether Trigger hands work to a queue instead of running it.
func (d *SyncDispatcher) Queued() bool {
	return d.publisher != nil
}

// Trigger returns a nil result when the run was queued.
func (d *SyncDispatcher) Trigger(ctx context.Context, reason string) (*SyncResult, error) {
	if d.publisher != nil {
		task := SyncTask{
			ClanTag:     d.runner.ClanTag(),
			Reason:      reason,
			RequestedAt: d.now().UTC(),
		}
		if err := d.publisher.PublishSyncTask(task); err != nil {
			d.logger.Error("sync_task_publish_failed").
				Component("scheduler").
				Operation("trigger").
				Clan(task.ClanTag, "").
				Err(err).
				Log()
			return nil, err
		}
		return nil, nil
	}
	return d.runner.Run(ctx)
}

// RunScheduler triggers a sync every interval until ctx ends. A zero
// interval disables it.
func RunScheduler(ctx context.Context, interval time.Duration, dispatcher *SyncDispatcher) {
	if interval <= 0 {
		dispatcher.logger.Info("sync_scheduler_disabled").
			Component("scheduler").
			Log()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dispatcher.logger.Info("sync_scheduler_started").
		Component("scheduler").
		Meta("interval", interval.String()).
		Meta("queued", dispatcher.Queued()).
		Log()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatcher.Trigger(ctx, "scheduled")
		}
	}
}
