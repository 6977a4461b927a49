package resume

import (
	"context"
	"errors"
	"expvar"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/hooks"
	"github.com/INLOpen/offsetwal/wal"
	"github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// Options holds configuration for a WriteAheadResumeStrategy.
type Options struct {
	Path             string
	Capacity         int
	FlushInterval    time.Duration
	StopTimeout      time.Duration
	MaxRecordSize    int
	LockTimeout      time.Duration
	ReaderBufferSize int
	// ReplayRateLimit caps replayed records per second during LoadCache.
	// Zero means unlimited.
	ReplayRateLimit float64

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
	Policy      *Policy

	UpdatesLogged    *expvar.Int
	UpdatesDegraded  *expvar.Int
	UpdatesProcessed *expvar.Int
	UpdatesFailed    *expvar.Int
	EntriesReplayed  *expvar.Int
	// WAL carries the log writer's own counters.
	WAL wal.Options
}

// Stats is a snapshot of the strategy's counters.
type Stats struct {
	Logged    int64
	Degraded  int64
	Processed int64
	Failed    int64
	Replayed  int64

	AckCount int64
	AckP50   time.Duration
	AckP99   time.Duration
}

// WriteAheadResumeStrategy decorates an OffsetStore. Each update is appended
// to the log as NEW before it is forwarded, and its record is marked PROCESSED
// or FAILED when the store answers. LoadCache replays NEW and FAILED records.
type WriteAheadResumeStrategy struct {
	delegate OffsetStore
	opts     Options

	// mu serializes writer access; store callbacks may arrive on any goroutine.
	mu     sync.Mutex
	writer *wal.LogWriter

	policy      *Policy
	tracer      trace.Tracer
	limiter     *rate.Limiter
	logger      *slog.Logger
	hookManager hooks.HookManager

	latencyMu sync.Mutex
	latency   *tdigest.TDigest

	logged, degraded, processed, failed, replayed atomic.Int64
}

var _ OffsetStore = (*WriteAheadResumeStrategy)(nil)

// New creates a strategy around delegate. The log is opened by Start.
func New(delegate OffsetStore, opts Options) (*WriteAheadResumeStrategy, error) {
	if delegate == nil {
		return nil, errors.New("resume strategy needs an offset store")
	}
	if opts.Path == "" {
		return nil, errors.New("resume strategy needs a log path")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReaderBufferSize <= 0 {
		opts.ReaderBufferSize = core.DefaultReaderBufferSize
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("offsetwal/resume")
	}
	logger := opts.Logger.With("component", "WriteAheadResumeStrategy")
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy(logger)
	}

	td, err := tdigest.New()
	if err != nil {
		return nil, err
	}
	s := &WriteAheadResumeStrategy{
		delegate:    delegate,
		opts:        opts,
		policy:      opts.Policy,
		tracer:      opts.Tracer,
		logger:      logger,
		hookManager: opts.HookManager,
		latency:     td,
	}
	if opts.ReplayRateLimit > 0 {
		burst := int(opts.ReplayRateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.ReplayRateLimit), burst)
	}
	return s, nil
}

// Start opens the log, keeping existing records for LoadCache.
func (s *WriteAheadResumeStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil
	}

	wopts := s.opts.WAL
	wopts.Capacity = s.opts.Capacity
	wopts.FlushInterval = s.opts.FlushInterval
	wopts.StopTimeout = s.opts.StopTimeout
	wopts.MaxRecordSize = s.opts.MaxRecordSize
	wopts.LockTimeout = s.opts.LockTimeout
	wopts.Logger = s.opts.Logger
	wopts.HookManager = s.hookManager

	w, err := wal.Open(s.opts.Path, wopts)
	if err != nil {
		return err
	}
	s.writer = w
	s.logger.Info("Resume strategy started", "path", s.opts.Path)
	return nil
}

// UpdateLastOffset logs the update as NEW, forwards it to the store and
// records the store's answer in the log. If the log cannot take the entry
// the update is still forwarded, without a record to reconcile.
func (s *WriteAheadResumeStrategy) UpdateLastOffset(ctx context.Context, key, value Serializable, done func(error)) {
	ctx, span := s.tracer.Start(ctx, "WriteAheadResumeStrategy.UpdateLastOffset")
	if done == nil {
		done = func(error) {}
	}

	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		span.End()
		done(core.ErrNotStarted)
		return
	}

	info, logErr := s.appendNew(writer, key, value)
	logged := logErr == nil
	if !logged {
		if err := s.policy.Handle(OpWALAppend, logErr, "key", Text(key)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "wal append failed")
			span.End()
			done(err)
			return
		}
		s.degraded.Add(1)
		addMetric(s.opts.UpdatesDegraded, 1)
	} else {
		s.logged.Add(1)
		addMetric(s.opts.UpdatesLogged, 1)
	}
	span.SetAttributes(attribute.Bool("offsetwal.logged", logged))

	begin := time.Now()
	s.delegate.UpdateLastOffset(ctx, key, value, func(remoteErr error) {
		defer span.End()
		s.observeAck(time.Since(begin))

		state := core.EntryStateProcessed
		if remoteErr != nil {
			state = core.EntryStateFailed
			s.failed.Add(1)
			addMetric(s.opts.UpdatesFailed, 1)
			span.RecordError(remoteErr)
			span.SetStatus(codes.Error, "offset store update failed")
		} else {
			s.processed.Add(1)
			addMetric(s.opts.UpdatesProcessed, 1)
		}

		var stateErr error
		if logged {
			s.mu.Lock()
			_, err := writer.UpdateState(info, state)
			s.mu.Unlock()
			stateErr = s.policy.Handle(OpWALUpdateState, err, "key", Text(key), "state", state.String())
		}
		s.notifyUpdate(key, value, logged, remoteErr)
		done(errors.Join(s.policy.Handle(OpRemoteUpdate, remoteErr), stateErr))
	})
}

func (s *WriteAheadResumeStrategy) appendNew(writer *wal.LogWriter, key, value Serializable) (core.CachedEntryInfo, error) {
	kb, err := key.Serialize()
	if err != nil {
		return core.CachedEntryInfo{}, err
	}
	vb, err := value.Serialize()
	if err != nil {
		return core.CachedEntryInfo{}, err
	}
	entry := core.NewLogEntry(core.EntryStateNew, key.TypeTag(), kb, value.TypeTag(), vb)

	s.mu.Lock()
	defer s.mu.Unlock()
	return writer.Append(entry)
}

func (s *WriteAheadResumeStrategy) notifyUpdate(key, value Serializable, logged bool, err error) {
	if s.hookManager == nil {
		return
	}
	kb, _ := key.Serialize()
	vb, _ := value.Serialize()
	s.hookManager.Trigger(context.Background(), hooks.NewPostOffsetUpdateEvent(hooks.OffsetUpdatePayload{Key: kb, Value: vb, Logged: logged, Err: err}))
}

// RecoveryResult summarizes a LoadCache run.
type RecoveryResult struct {
	Scanned  int
	Replayed int
	Failed   int
	Reset    bool
}

// LoadCache loads the store's cache, then replays every NEW or FAILED record
// of the log through the store, one at a time, and writes the outcome back to
// the record. When no record needed replay the log is reset to its header.
// It must run before the first UpdateLastOffset.
func (s *WriteAheadResumeStrategy) LoadCache(ctx context.Context) error {
	_, err := s.Recover(ctx)
	return err
}

// Recover is LoadCache returning what was replayed.
func (s *WriteAheadResumeStrategy) Recover(ctx context.Context) (RecoveryResult, error) {
	ctx, span := s.tracer.Start(ctx, "WriteAheadResumeStrategy.LoadCache")
	defer span.End()

	var res RecoveryResult
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return res, core.ErrNotStarted
	}

	if err := s.policy.Handle(OpDelegateLoadCache, s.delegate.LoadCache(ctx)); err != nil {
		span.RecordError(err)
		return res, err
	}

	reader, err := wal.NewLogReader(s.opts.Path, wal.WithBufferSize(s.opts.ReaderBufferSize), wal.WithReaderLogger(s.opts.Logger))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("No log to recover", "path", s.opts.Path)
		return res, nil
	case err != nil:
		if herr := s.policy.Handle(OpRecoveryRead, err); herr != nil {
			span.RecordError(herr)
			return res, herr
		}
		return res, nil
	}
	defer reader.Close()

	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			if herr := s.policy.Handle(OpRecoveryRead, err, "scanned", res.Scanned); herr != nil {
				span.RecordError(herr)
				return res, herr
			}
			break
		}
		res.Scanned++
		if !entry.State.NeedsReplay() {
			continue
		}
		res.Replayed++
		s.replayed.Add(1)
		addMetric(s.opts.EntriesReplayed, 1)

		ok, err := s.replay(ctx, writer, entry)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if !ok {
			res.Failed++
		}
	}

	if res.Replayed == 0 {
		s.mu.Lock()
		err := writer.Reset()
		s.mu.Unlock()
		if herr := s.policy.Handle(OpLogReset, err); herr != nil {
			return res, herr
		}
		res.Reset = err == nil
	}

	span.SetAttributes(
		attribute.Int("offsetwal.scanned", res.Scanned),
		attribute.Int("offsetwal.replayed", res.Replayed),
		attribute.Int("offsetwal.failed", res.Failed),
	)
	s.logger.Info("Log recovery finished", "scanned", res.Scanned, "replayed", res.Replayed, "failed", res.Failed, "reset", res.Reset)
	if s.hookManager != nil {
		s.hookManager.Trigger(ctx, hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			Path: s.opts.Path, Scanned: res.Scanned, Replayed: res.Replayed, Failed: res.Failed, Reset: res.Reset,
		}))
	}
	return res, nil
}

// replay drives one recovered record through the store and stores the
// outcome in the record. It reports whether the store accepted the update.
func (s *WriteAheadResumeStrategy) replay(ctx context.Context, writer *wal.LogWriter, entry *core.PersistedLogEntry) (bool, error) {
	key, value, err := s.delegate.Deserialize(entry.KeyMetadata, entry.Key, entry.ValueMetadata, entry.Value)
	if err != nil {
		return false, s.policy.Handle(OpReplayDecode, err, "position", entry.Info.Position())
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	result := make(chan error, 1)
	begin := time.Now()
	s.delegate.UpdateLastOffset(ctx, key, value, func(err error) { result <- err })
	var remoteErr error
	select {
	case remoteErr = <-result:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	s.observeAck(time.Since(begin))

	state := core.EntryStateProcessed
	if remoteErr != nil {
		state = core.EntryStateFailed
	}
	s.mu.Lock()
	err = writer.UpdatePersistedState(entry, state)
	s.mu.Unlock()
	if herr := s.policy.Handle(OpWALUpdateState, err, "position", entry.Info.Position()); herr != nil {
		return false, herr
	}
	if remoteErr != nil {
		return false, s.policy.Handle(OpReplayUpdate, remoteErr, "key", Text(key))
	}
	return true, nil
}

// Deserialize delegates to the wrapped store.
func (s *WriteAheadResumeStrategy) Deserialize(keyMeta int32, key []byte, valueMeta int32, value []byte) (Serializable, Serializable, error) {
	return s.delegate.Deserialize(keyMeta, key, valueMeta, value)
}

// Flush forces logged updates to stable storage.
func (s *WriteAheadResumeStrategy) Flush() error {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return core.ErrNotStarted
	}
	return writer.Flush()
}

func (s *WriteAheadResumeStrategy) observeAck(d time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if err := s.latency.AddWeighted(float64(d), 1); err != nil {
		s.logger.Debug("Failed to record ack latency", "error", err)
	}
}

// Stats returns the strategy's counters and store acknowledgement latency.
func (s *WriteAheadResumeStrategy) Stats() Stats {
	st := Stats{
		Logged:    s.logged.Load(),
		Degraded:  s.degraded.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Replayed:  s.replayed.Load(),
	}
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	st.AckCount = int64(s.latency.Count())
	if st.AckCount > 0 {
		st.AckP50 = time.Duration(s.latency.Quantile(0.5))
		st.AckP99 = time.Duration(s.latency.Quantile(0.99))
	}
	return st
}

// Close closes the log. The wrapped store is left open.
func (s *WriteAheadResumeStrategy) Close() error {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return nil
	}
	return s.policy.Handle(OpClose, writer.Close())
}

func addMetric(v *expvar.Int, n int64) {
	if v != nil {
		v.Add(n)
	}
}
