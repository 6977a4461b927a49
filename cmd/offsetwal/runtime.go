package main

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/offsetwal/checkpoint"
	"github.com/INLOpen/offsetwal/config"
	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/hooks"
	"github.com/INLOpen/offsetwal/hooks/listeners"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/INLOpen/offsetwal/wal"
	"go.opentelemetry.io/otel/trace"
)

// closableStore is an offset store owned by the process.
type closableStore interface {
	resume.OffsetStore
	io.Closer
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (closableStore, error) {
	switch cfg.Kind {
	case "file":
		ct, err := core.ParseCompressionType(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewFileStore(cfg.Dir, checkpoint.FileStoreOptions{Compression: ct, Logger: logger})
	case "badger":
		return checkpoint.NewBadgerStore(cfg.Dir, checkpoint.BadgerStoreOptions{SyncWrites: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

var (
	publishOnce sync.Once
	metrics     struct {
		logged, degraded, processed, failed, replayed *expvar.Int
		appended, bytes, stale, flushes, compactions  *expvar.Int
	}
)

func publishMetrics() {
	publishOnce.Do(func() {
		metrics.logged = expvar.NewInt("offsetwal_updates_logged_total")
		metrics.degraded = expvar.NewInt("offsetwal_updates_degraded_total")
		metrics.processed = expvar.NewInt("offsetwal_updates_processed_total")
		metrics.failed = expvar.NewInt("offsetwal_updates_failed_total")
		metrics.replayed = expvar.NewInt("offsetwal_entries_replayed_total")
		metrics.appended = expvar.NewInt("offsetwal_wal_entries_appended_total")
		metrics.bytes = expvar.NewInt("offsetwal_wal_bytes_written_total")
		metrics.stale = expvar.NewInt("offsetwal_wal_stale_updates_total")
		metrics.flushes = expvar.NewInt("offsetwal_wal_flushes_total")
		metrics.compactions = expvar.NewInt("offsetwal_wal_compactions_total")
	})
}

// strategyOptions maps the configuration onto resume options.
func strategyOptions(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, hm hooks.HookManager) resume.Options {
	publishMetrics()
	return resume.Options{
		Path:             cfg.WAL.Path,
		Capacity:         cfg.WAL.Capacity,
		FlushInterval:    config.ParseDuration(cfg.WAL.FlushInterval, wal.DefaultFlushInterval, logger),
		StopTimeout:      config.ParseDuration(cfg.WAL.StopTimeout, wal.DefaultStopTimeout, logger),
		MaxRecordSize:    cfg.WAL.MaxRecordSize,
		LockTimeout:      config.ParseDuration(cfg.WAL.LockTimeout, wal.DefaultLockTimeout, logger),
		ReaderBufferSize: cfg.WAL.ReaderBufferSize,
		ReplayRateLimit:  cfg.Recovery.ReplayRateLimit,
		Logger:           logger,
		Tracer:           tracer,
		HookManager:      hm,
		UpdatesLogged:    metrics.logged,
		UpdatesDegraded:  metrics.degraded,
		UpdatesProcessed: metrics.processed,
		UpdatesFailed:    metrics.failed,
		EntriesReplayed:  metrics.replayed,
		WAL: wal.Options{
			EntriesAppended: metrics.appended,
			BytesWritten:    metrics.bytes,
			StaleUpdates:    metrics.stale,
			Flushes:         metrics.flushes,
		},
	}
}

// app bundles what every command that touches the log needs.
type app struct {
	logger   *slog.Logger
	store    closableStore
	strategy *resume.WriteAheadResumeStrategy
	hooks    hooks.HookManager
}

func newApp(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*app, error) {
	hm := hooks.NewHookManager(logger)
	listeners.NewFailureAlerterListener(logger).Register(hm)

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		hm.Stop()
		return nil, err
	}
	strategy, err := resume.New(store, strategyOptions(cfg, logger, tracer, hm))
	if err != nil {
		store.Close()
		hm.Stop()
		return nil, err
	}
	return &app{logger: logger, store: store, strategy: strategy, hooks: hm}, nil
}

// Close closes the strategy before the store it protects.
func (a *app) Close() error {
	err := errors.Join(a.strategy.Close(), a.store.Close())
	a.hooks.Stop()
	return err
}
