package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectSyncRun       = "clash.sync.run"
	SubjectSyncCompleted = "clash.sync.completed"
	syncQueueGroup       = "sync-workers"
)

// SyncRunner is satisfied by *SyncOrchestrator.
type SyncRunner interface {
	Run(ctx context.Context) (*SyncResult, error)
	ClanTag() string
}

type NATSClient struct {
	Conn   *nats.Conn
	logger *Logger
}

func NewNATSClient(cfg *Config, logger *Logger) (*NATSClient, error) {
	conn, err := nats.Connect(cfg.NATSUrl,
		nats.Name(cfg.NATSClientID),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected").
				Component("nats").
				Operation("connection").
				Err(err).
				Log()
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats_reconnected").
				Component("nats").
				Operation("connection").
				Meta("url", c.ConnectedUrl()).
				Log()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.NATSUrl, err)
	}
	return &NATSClient{Conn: conn, logger: logger}, nil
}

func (nc *NATSClient) Publish(subject string, data []byte) error {
	return nc.Conn.Publish(subject, data)
}

func (nc *NATSClient) PublishSyncTask(task SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return nc.Publish(SubjectSyncRun, data)
}

func (nc *NATSClient) PublishSyncCompleted(summary SyncSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return nc.Publish(SubjectSyncCompleted, data)
}

// StartSyncWorker joins the sync queue group so that each published task is
// run by exactly one process.
func (nc *NATSClient) StartSyncWorker(ctx context.Context, runner SyncRunner) (*nats.Subscription, error) {
	handler := func(msg *nats.Msg) {
		processSyncTask(ctx, msg, runner, nc.logger)
	}

	sub, err := nc.Conn.QueueSubscribe(SubjectSyncRun, syncQueueGroup, handler)
	if err != nil {
		return nil, err
	}
	nc.logger.Info("sync_worker_started").
		Component("nats").
		Worker(syncQueueGroup, SubjectSyncRun).
		Log()
	return sub, nil
}

func processSyncTask(ctx context.Context, msg *nats.Msg, runner SyncRunner, logger *Logger) {
	var task SyncTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		logger.Error("sync_task_invalid").
			Component("nats").
			Worker(syncQueueGroup, SubjectSyncRun).
			Err(err).
			Log()
		return
	}

	if task.ClanTag != "" && NormalizeTag(task.ClanTag) != runner.ClanTag() {
		logger.Warn("sync_task_skipped").
			Component("nats").
			Worker(syncQueueGroup, SubjectSyncRun).
			Clan(task.ClanTag, "").
			Meta("reason", "clan not tracked by this process").
			Log()
		return
	}

	logger.Info("sync_task_received").
		Component("nats").
		Worker(syncQueueGroup, SubjectSyncRun).
		Clan(runner.ClanTag(), "").
		Meta("reason", task.Reason).
		Meta("queued_for_ms", time.Since(task.RequestedAt).Milliseconds()).
		Log()

	// Failures are logged and reported by the runner itself.
	runner.Run(ctx)
}

func (nc *NATSClient) Close() {
	if nc == nil || nc.Conn == nil {
		return
	}
	if err := nc.Conn.Drain(); err != nil {
		nc.Conn.Close()
	}
}
