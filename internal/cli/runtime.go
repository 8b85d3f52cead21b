package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-timer/internal/action"
	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/jobmanager"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/wal"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-timer/internal/store/sqlstore"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/redis/go-redis/v9"
)

// backend is an opened job store plus the background work it needs while
// the process runs. maintain is nil when there is none.
type backend struct {
	store.Store
	maintain func(ctx context.Context) error
}

// openStore connects the backend selected by cfg.Store.Backend.
func openStore(ctx context.Context, cfg config.Store, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		st, err := redisstore.Open(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, redisstore.Options{
			Prefix:    cfg.KeyPrefix,
			ResultTTL: cfg.ResultTTL,
		})
		if err != nil {
			return nil, err
		}
		return &backend{Store: st}, nil

	case config.BackendSQL:
		st, err := sqlstore.Open(ctx, cfg.SQL.Driver, cfg.SQL.DSN, sqlstore.Options{
			ResultTTL:     cfg.ResultTTL,
			SweepInterval: cfg.SQL.SweepInterval,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return &backend{Store: st}, nil

	case config.BackendMemory:
		return openMemory(cfg, logger)
	}
	return nil, fmt.Errorf("%w: store.backend %q", config.ErrInvalid, cfg.Backend)
}

// openMemory builds the in-process store. With a snapshot path it restores
// the last snapshot, replays the journal written after it, puts interrupted
// jobs back on the queue and keeps snapshotting until the context ends.
// Each snapshot compacts the journal.
func openMemory(cfg config.Store, logger *slog.Logger) (*backend, error) {
	opts := jobmanager.Options{
		ResultTTL:   cfg.ResultTTL,
		MaxRetained: cfg.Memory.MaxRetained,
	}
	if cfg.Memory.SnapshotPath == "" {
		return &backend{Store: jobmanager.NewJobManager(opts)}, nil
	}

	sm := snapshot.NewManager(cfg.Memory.SnapshotPath, logger)
	data, err := sm.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var journal *wal.WAL
	if cfg.Memory.WALPath != "" {
		journal, err = wal.Open(cfg.Memory.WALPath, wal.Options{
			BufferSize:    cfg.Memory.WALBufferSize,
			FlushInterval: cfg.Memory.WALFlushInterval,
			StartSeq:      data.WALSeq,
		})
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		opts.Journal = journal
	}

	jm := jobmanager.NewJobManager(opts)
	if err := jm.Restore(data); err != nil {
		_ = jm.Close()
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	replayed := 0
	if journal != nil {
		replayed, err = journal.Replay(data.WALSeq, func(e wal.Event) error {
			jm.ApplyJournal(e.Job)
			return nil
		})
		if err != nil {
			_ = jm.Close()
			return nil, fmt.Errorf("replay wal: %w", err)
		}
		sm.AfterSave(func(saved types.SnapshotData) error {
			return journal.Compact(saved.WALSeq)
		})
	}
	requeued := jm.RequeueInFlight()
	logger.Info("memory store restored",
		"snapshot", sm.Path(), "jobs", len(data.Jobs), "replayed", replayed, "requeued", requeued)

	source := func() types.SnapshotData {
		jm.Evict()
		return jm.Snapshot()
	}
	return &backend{
		Store: jm,
		maintain: func(ctx context.Context) error {
			if journal == nil {
				return sm.Loop(ctx, cfg.Memory.SnapshotInterval, source)
			}
			flushCtx, stopFlush := context.WithCancel(ctx)
			flushDone := make(chan error, 1)
			go func() { flushDone <- journal.Run(flushCtx) }()

			err := sm.Loop(ctx, cfg.Memory.SnapshotInterval, source)
			stopFlush()
			return errors.Join(err, <-flushDone)
		},
	}, nil
}

// newExecutor builds the request_url action from cfg.
func newExecutor(cfg config.Action, logger *slog.Logger) *action.Handler {
	return action.NewHandler(action.Options{
		PreDelay:    cfg.PreDelay,
		RetryMax:    cfg.RetryMax,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
	})
}

func controllerConfig(w config.Worker) controller.Config {
	return controller.Config{
		WorkerID:      w.ID,
		WorkerCount:   w.Count,
		PollInterval:  w.PollInterval,
		BatchSize:     w.BatchSize,
		LeaseDuration: w.LeaseDuration,
		TaskTimeout:   w.TaskTimeout,
		MaxAttempts:   w.MaxAttempts,
		ReapInterval:  w.ReapInterval,
	}
}
