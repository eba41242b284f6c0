package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bissquit/contest-sync/internal/pkg/ctxlog"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/hibiken/asynq"
)

// Engine is the part of the update engine the worker drives.
type Engine interface {
	ProcessBatch(ctx context.Context, groupID int64, queueID string) bool
	RunAutoUpdate(ctx context.Context, force bool) (*updater.AutoUpdateReport, error)
	Cleanup(ctx context.Context, opts updater.CleanupOptions) (*updater.CleanupReport, error)
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	Concurrency      int
	Queue            string
	AutoUpdateCron   string
	CleanupCron      string
	CleanupOlderThan time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:      10,
		Queue:            DefaultQueue,
		AutoUpdateCron:   "*/5 * * * *",
		CleanupCron:      "",
		CleanupOlderThan: 24 * time.Hour,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Worker executes batch tasks and fires the recurring triggers.
type Worker struct {
	config    WorkerConfig
	engine    Engine
	server    *asynq.Server
	scheduler *asynq.Scheduler
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(redisOpt asynq.RedisConnOpt, config WorkerConfig, engine Engine, logger *slog.Logger) *Worker {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	log := &asynqLogger{logger: logger.With("component", "asynq")}

	return &Worker{
		config: config,
		engine: engine,
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     config.Concurrency,
			Queues:          map[string]int{config.Queue: 1},
			ShutdownTimeout: config.ShutdownTimeout,
			Logger:          log,
			LogLevel:        asynq.WarnLevel,
		}),
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Logger:   log,
			LogLevel: asynq.WarnLevel,
		}),
	}
}

// Mux returns the task handlers.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessBatch, w.handleBatch)
	mux.HandleFunc(TypeAutoUpdate, w.handleAutoUpdate)
	mux.HandleFunc(TypeCleanup, w.handleCleanup)
	return mux
}

// Start registers the recurring triggers and starts processing in the background.
func (w *Worker) Start() error {
	if w.config.AutoUpdateCron != "" {
		entryID, err := w.scheduler.Register(w.config.AutoUpdateCron, asynq.NewTask(TypeAutoUpdate, nil), asynq.Queue(w.config.Queue), asynq.MaxRetry(0))
		if err != nil {
			return fmt.Errorf("register auto update trigger: %w", err)
		}
		slog.Info("auto update trigger registered", "cron", w.config.AutoUpdateCron, "entry_id", entryID)
	}
	if w.config.CleanupCron != "" {
		entryID, err := w.scheduler.Register(w.config.CleanupCron, asynq.NewTask(TypeCleanup, nil), asynq.Queue(w.config.Queue), asynq.MaxRetry(0))
		if err != nil {
			return fmt.Errorf("register cleanup trigger: %w", err)
		}
		slog.Info("cleanup trigger registered", "cron", w.config.CleanupCron, "entry_id", entryID)
	}

	if err := w.server.Start(w.Mux()); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("start task scheduler: %w", err)
	}

	slog.Info("task worker started", "queue", w.config.Queue, "concurrency", w.config.Concurrency)
	return nil
}

// Stop gracefully stops the scheduler and waits for running tasks.
func (w *Worker) Stop() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	slog.Info("task worker stopped")
}

// handleBatch never asks asynq to retry: the engine reschedules itself.
func (w *Worker) handleBatch(ctx context.Context, t *asynq.Task) error {
	task, err := ParseBatchTask(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := ctxlog.With(ctx, "task_batch", task.Batch)
	if !w.engine.ProcessBatch(ctxlog.WithLogger(ctx, log), task.GroupID, task.QueueID) {
		log.Debug("batch task ended without completing or rescheduling",
			"group_id", task.GroupID,
			"queue_id", task.QueueID,
		)
	}
	return nil
}

func (w *Worker) handleAutoUpdate(ctx context.Context, _ *asynq.Task) error {
	report, err := w.engine.RunAutoUpdate(ctx, false)
	if err != nil {
		return fmt.Errorf("run auto update: %w", err)
	}
	if !report.Ran {
		slog.Debug("auto update skipped", "reason", report.SkippedReason)
	}
	return nil
}

func (w *Worker) handleCleanup(ctx context.Context, _ *asynq.Task) error {
	opts := updater.DefaultCleanupOptions()
	opts.OlderThan = w.config.CleanupOlderThan
	opts.DryRun = false

	if _, err := w.engine.Cleanup(ctx, opts); err != nil {
		return fmt.Errorf("run cleanup: %w", err)
	}
	return nil
}

// asynqLogger routes asynq logs to slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
