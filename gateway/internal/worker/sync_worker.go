// Package worker runs the periodic directory reconciliation.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/orglink/bridge/gateway/internal/service"
	"github.com/orglink/bridge/pkg/types"
)

// Syncer runs one directory reconciliation pass.
type Syncer interface {
	SyncUsers(ctx context.Context, opts service.SyncOptions) (*types.SyncRun, error)
}

// ConnectionProbe reports whether the agent link is up.
type ConnectionProbe interface {
	Connected() bool
}

// SyncConfig holds configuration for the sync worker.
type SyncConfig struct {
	// Interval between incremental sync runs.
	Interval time.Duration

	// FullSyncInterval is how often to run a full sync instead of the
	// cheaper changes mode.
	FullSyncInterval time.Duration

	// IncludePhoto controls whether photos are fetched on scheduled runs.
	IncludePhoto bool
}

// DefaultSyncConfig returns sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:         1 * time.Hour,
		FullSyncInterval: 24 * time.Hour,
		IncludePhoto:     false,
	}
}

// SyncWorker periodically reconciles the employee store against the
// directory through the agent. Runs are skipped while the agent is offline;
// the next tick retries.
type SyncWorker struct {
	syncer       Syncer
	probe        ConnectionProbe
	config       SyncConfig
	logger       *slog.Logger
	stopCh       chan struct{}
	lastFullSync time.Time
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(syncer Syncer, probe ConnectionProbe, config SyncConfig, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		syncer: syncer,
		probe:  probe,
		config: config,
		logger: logger.With("component", "sync_worker"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sync worker in a goroutine.
func (w *SyncWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *SyncWorker) Stop() {
	close(w.stopCh)
}

func (w *SyncWorker) run(ctx context.Context) {
	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"full_sync_interval", w.config.FullSyncInterval,
	)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("sync worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *SyncWorker) runOnce(ctx context.Context) {
	if !w.probe.Connected() {
		w.logger.Info("skipping scheduled sync, agent not connected")
		return
	}

	mode := types.SyncModeChanges
	if time.Since(w.lastFullSync) >= w.config.FullSyncInterval {
		mode = types.SyncModeFull
	}

	run, err := w.syncer.SyncUsers(ctx, service.SyncOptions{
		Mode:              mode,
		IncludePhoto:      w.config.IncludePhoto,
		RequireDepartment: true,
		Triggered:         "worker",
	})
	if err != nil {
		w.logger.Error("scheduled sync failed", "mode", mode, "error", err)
		return
	}

	if mode == types.SyncModeFull {
		w.lastFullSync = time.Now()
	}

	w.logger.Info("scheduled sync completed",
		"mode", mode,
		"new", run.Stats.NewUsers,
		"updated", run.Stats.UpdatedUsers,
		"pages", run.Stats.Pages,
		"duration", run.Duration,
	)
}
