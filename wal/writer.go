package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/hooks"
	"github.com/INLOpen/offsetwal/sys"
)

const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultStopTimeout   = time.Second
	DefaultLockTimeout   = 5 * time.Second
)

// Options holds configuration for a LogWriter.
type Options struct {
	// Capacity is the number of slots of the in-memory ring. After the ring
	// wraps, records overwrite the disk region of the slot they replace.
	Capacity int
	// FlushInterval is the period of the background fsync. Zero uses the
	// default; a negative value disables the supervisor.
	FlushInterval time.Duration
	StopTimeout   time.Duration
	// MaxRecordSize rejects larger appends so every record stays readable
	// with a reader buffer of the same size.
	MaxRecordSize int
	// Header is written to new files and required of existing ones.
	Header      *core.Header
	LockTimeout time.Duration

	Logger      *slog.Logger
	HookManager hooks.HookManager

	EntriesAppended *expvar.Int
	BytesWritten    *expvar.Int
	StaleUpdates    *expvar.Int
	Flushes         *expvar.Int
	Compactions     *expvar.Int
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = core.DefaultCapacity
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = core.DefaultMaxRecordSize
	}
	if o.Header == nil {
		h := core.DefaultHeader()
		o.Header = &h
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// LogWriter appends entries to a single log file and updates their state in
// place. A LogWriter is meant to be driven by one writer goroutine; its
// internal mutex only keeps the periodic flush from interleaving with writes.
type LogWriter struct {
	path   string
	opts   Options
	header core.Header

	mu     sync.Mutex
	file   sys.FileHandle
	tlog   *TransactionLog
	floor  int64 // append cursor lower bound: header end, or end of a reopened file
	buf    []byte
	closed bool

	// maxRecord is the largest record appended since open or reset.
	maxRecord int

	supervisor *LogSupervisor
	unlock     func() error

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// Create creates the log at path, truncating any existing file, and writes a
// fresh header.
func Create(path string, opts Options) (*LogWriter, error) {
	return openWriter(path, opts, true)
}

// Open opens the log at path for appending while keeping its records, so that
// recovered entries can be updated in place. A missing or empty file is
// initialized with a header; a file with a different header is rejected.
func Open(path string, opts Options) (*LogWriter, error) {
	return openWriter(path, opts, false)
}

func openWriter(path string, opts Options, truncate bool) (*LogWriter, error) {
	opts.applyDefaults()
	logger := opts.Logger.With("component", "LogWriter", "path", path)

	unlock, err := sys.AcquireOSFileLock(path+core.LockFileSuffix, opts.LockTimeout)
	if err != nil {
		if !errors.Is(err, sys.ErrOSFileLockNotSupported) {
			return nil, fmt.Errorf("failed to lock log %s: %w", path, err)
		}
		logger.Warn("OS file locking is not supported; single writer is not enforced")
		unlock = func() error { return nil }
	}

	flag := os.O_RDWR | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	}
	file, err := sys.OpenFile(path, flag, 0644)
	if err != nil {
		_ = unlock()
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}

	floor, err := prepareFile(file, path, *opts.Header)
	if err != nil {
		file.Close()
		_ = unlock()
		return nil, err
	}

	w := &LogWriter{
		path:        path,
		opts:        opts,
		header:      *opts.Header,
		file:        file,
		tlog:        NewTransactionLog(opts.Capacity),
		floor:       floor,
		unlock:      unlock,
		logger:      logger,
		hookManager: opts.HookManager,
	}
	if opts.FlushInterval > 0 {
		w.supervisor = NewLogSupervisor(opts.FlushInterval, opts.StopTimeout, opts.Logger)
		w.supervisor.Start(w.Flush)
	}
	logger.Info("Log writer opened", "capacity", opts.Capacity, "append_floor", floor, "truncated", truncate)
	return w, nil
}

// prepareFile writes a header to an empty file or validates an existing one,
// and returns the offset appends may start at.
func prepareFile(file sys.FileHandle, path string, want core.Header) (int64, error) {
	stat, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat log %s: %w", path, err)
	}
	got, err := ReadHeader(file, stat.Size())
	if err != nil {
		var headerErr *core.InvalidHeaderError
		if errors.As(err, &headerErr) {
			headerErr.Path = path
		}
		return 0, err
	}
	if got == nil {
		if err := WriteHeader(file, want); err != nil {
			return 0, err
		}
		return core.HeaderSize, nil
	}
	if !got.Matches(want) {
		return 0, &core.InvalidHeaderError{Path: path, Reason: fmt.Sprintf("found %s, want %s", got, want)}
	}
	return stat.Size(), nil
}

// Path returns the log file path.
func (w *LogWriter) Path() string { return w.path }

// Header returns the header of the log file.
func (w *LogWriter) Header() core.Header { return w.header }

// Size returns the current size of the log file.
func (w *LogWriter) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, core.ErrWriterClosed
	}
	stat, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Append adds e to the ring and persists it. On the first pass through the
// ring the record goes to the end of the log; after a wrap it replaces the
// disk region of the slot's previous occupant:
//   - same size: written in place;
//   - smaller by at least one record overhead: written in place, with the
//     remainder covered by an IGNORED filler record;
//   - otherwise: the old record is marked IGNORED and the new one is appended.
//
// An append that would take the file past its first pass plus one largest
// record per slot compacts the log instead of growing it.
func (w *LogWriter) Append(e *core.LogEntry) (core.CachedEntryInfo, error) {
	if e == nil {
		return core.CachedEntryInfo{}, errors.New("cannot append nil entry")
	}
	size := e.Size()
	if size > w.opts.MaxRecordSize {
		return core.CachedEntryInfo{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", core.ErrRecordTooLarge, size, w.opts.MaxRecordSize)
	}
	if w.hookManager != nil {
		if err := w.hookManager.Trigger(context.Background(), hooks.NewPreWALAppendEvent(hooks.WALAppendPayload{Entry: e})); err != nil {
			return core.CachedEntryInfo{}, fmt.Errorf("append cancelled by hook: %w", err)
		}
		// A pre-hook may have changed the entry.
		if size = e.Size(); size > w.opts.MaxRecordSize {
			return core.CachedEntryInfo{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", core.ErrRecordTooLarge, size, w.opts.MaxRecordSize)
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return core.CachedEntryInfo{}, core.ErrWriterClosed
	}
	info, relocated, err := w.appendLocked(e, size)
	w.mu.Unlock()
	if err != nil {
		return core.CachedEntryInfo{}, err
	}

	addMetric(w.opts.EntriesAppended, 1)
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Entry: e, Info: info, Relocated: relocated}))
	}
	return info, nil
}

func (w *LogWriter) appendLocked(e *core.LogEntry, size int) (core.CachedEntryInfo, bool, error) {
	li := w.tlog.Add(e)
	if size > w.maxRecord {
		w.maxRecord = size
	}
	oldStart, oldEnd, owned := w.tlog.slotSpan(li.Index)

	if !owned || li.Layer == 0 {
		return w.appendAtEnd(li, e, size, -1)
	}

	region := int(oldEnd - oldStart)
	switch gap := region - size; {
	case gap == 0:
		if err := w.writeRecords(oldStart, e); err != nil {
			return w.failSlot(li, oldStart, region, err)
		}
	case gap >= core.RecordOverhead:
		if err := w.writeRecords(oldStart, e, fillerEntry(gap)); err != nil {
			return w.failSlot(li, oldStart, region, err)
		}
	default:
		return w.appendAtEnd(li, e, size, oldStart)
	}
	// The slot keeps owning the whole region, filler included.
	return core.NewCachedEntryInfo(oldStart, oldStart+int64(size), li), false, nil
}

// sizeLimit is the largest the file may grow to: everything below the floor
// plus one largest-seen record per slot.
func (w *LogWriter) sizeLimit() int64 {
	return w.floor + int64(w.tlog.Capacity())*int64(w.maxRecord)
}

// appendAtEnd writes e past the furthest owned region. A non-negative oldStart
// is the slot's previous region, which is marked IGNORED before the slot moves.
// When the write would exceed sizeLimit the log is compacted instead.
func (w *LogWriter) appendAtEnd(li core.LayerInfo, e *core.LogEntry, size int, oldStart int64) (core.CachedEntryInfo, bool, error) {
	relocated := oldStart >= 0
	start := w.tlog.EndPosition(w.floor)
	if start+int64(size) > w.sizeLimit() {
		err := w.compactLocked()
		if err == nil {
			start, end, _ := w.tlog.slotSpan(li.Index)
			return core.NewCachedEntryInfo(start, end, li), relocated, nil
		}
		w.logger.Warn("Log compaction failed; appending past the size bound", "slot", li.Index, "error", err)
	}

	if relocated {
		if err := w.writeState(oldStart, core.EntryStateIgnored); err != nil {
			return w.failSlot(li, oldStart, 4, err)
		}
		// The old region is IGNORED; the slot no longer owns it.
		w.tlog.setSlotSpan(li.Index, -1, -1)
	}
	if err := w.writeRecords(start, e); err != nil {
		return w.failSlot(li, start, size, err)
	}
	w.tlog.setSlotSpan(li.Index, start, start+int64(size))
	if relocated {
		w.logger.Debug("Record relocated to end of log", "slot", li.Index, "old_start", oldStart, "size", size, "start", start)
	}
	return core.NewCachedEntryInfo(start, start+int64(size), li), relocated, nil
}

// compactLocked rewrites the log as the records below the floor followed by
// the live ring entries, oldest first, and swaps the result in by rename.
// Fillers, relocated leftovers and given-up slots are dropped. On success every
// live slot owns its new region.
func (w *LogWriter) compactLocked() error {
	before := w.tlog.EndPosition(w.floor)
	tmpPath := core.FormatTempFilename(w.path, "compact")
	tmp, err := sys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create compaction file %s: %w", tmpPath, err)
	}
	discard := func(err error) error {
		tmp.Close()
		_ = sys.Remove(tmpPath)
		return err
	}

	if err := WriteHeader(tmp, w.header); err != nil {
		return discard(err)
	}
	if n := w.floor - core.HeaderSize; n > 0 {
		src := io.NewSectionReader(w.file, core.HeaderSize, n)
		if _, err := io.Copy(io.NewOffsetWriter(tmp, core.HeaderSize), src); err != nil {
			return discard(fmt.Errorf("failed to copy recovered records of log %s: %w", w.path, err))
		}
	}

	live := w.tlog.liveSlots()
	entries := make([]*core.LogEntry, len(live))
	for i, idx := range live {
		entries[i] = w.tlog.slots[idx].entry
	}
	buf, err := w.serialize(entries...)
	if err != nil {
		return discard(err)
	}
	if _, err := tmp.WriteAt(buf, w.floor); err != nil {
		return discard(fmt.Errorf("failed to write compaction file %s: %w", tmpPath, err))
	}
	if err := sys.Fdatasync(tmp); err != nil {
		return discard(fmt.Errorf("failed to sync compaction file %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		_ = sys.Remove(tmpPath)
		return fmt.Errorf("failed to close compaction file %s: %w", tmpPath, err)
	}
	if err := sys.Rename(tmpPath, w.path); err != nil {
		_ = sys.Remove(tmpPath)
		return fmt.Errorf("failed to replace log %s: %w", w.path, err)
	}

	// The old handle now refers to the replaced file.
	file, err := sys.OpenFile(w.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted log %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("Failed to close replaced log handle", "error", err)
	}
	w.file = file

	for i := 0; i < w.tlog.Capacity(); i++ {
		w.tlog.setSlotSpan(i, -1, -1)
	}
	off := w.floor
	for i, idx := range live {
		end := off + int64(entries[i].Size())
		w.tlog.setSlotSpan(idx, off, end)
		off = end
	}
	addMetric(w.opts.BytesWritten, int64(len(buf))+core.HeaderSize+(w.floor-core.HeaderSize))
	addMetric(w.opts.Compactions, 1)
	w.logger.Info("Log compacted", "live_records", len(live), "size_before", before, "size_after", off)
	return nil
}

// failSlot marks the ring copy of an entry that could not be persisted so it
// is never updated through the ring. The region written to may hold a torn
// record.
func (w *LogWriter) failSlot(li core.LayerInfo, off int64, n int, err error) (core.CachedEntryInfo, bool, error) {
	w.logger.Warn("Failed to persist log record", "slot", li.String(), "offset", off, "bytes", n, "error", err)
	w.tlog.Update(li, core.EntryStateIgnored)
	return core.CachedEntryInfo{}, false, err
}

// serialize encodes entries back to back into the writer's scratch buffer.
func (w *LogWriter) serialize(entries ...*core.LogEntry) ([]byte, error) {
	total := 0
	for _, e := range entries {
		total += e.Size()
	}
	if cap(w.buf) < total {
		w.buf = make([]byte, total)
	}
	buf := w.buf[:total]
	n := 0
	for _, e := range entries {
		m, err := SerializeEntry(buf[n:], e)
		if err != nil {
			return nil, err
		}
		n += m
	}
	return buf, nil
}

// writeRecords serializes entries back to back and writes them at off.
func (w *LogWriter) writeRecords(off int64, entries ...*core.LogEntry) error {
	buf, err := w.serialize(entries...)
	if err != nil {
		return err
	}
	if _, err := w.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("failed to write %d bytes to log %s at offset %d: %w", len(buf), w.path, off, err)
	}
	addMetric(w.opts.BytesWritten, int64(len(buf)))
	return nil
}

// writeState overwrites the state field of the record starting at off.
func (w *LogWriter) writeState(off int64, state core.EntryState) error {
	var b [4]byte
	byteOrder.PutUint32(b[:], uint32(state))
	if _, err := w.file.WriteAt(b[:], off); err != nil {
		return fmt.Errorf("failed to update record state in log %s at offset %d: %w", w.path, off, err)
	}
	addMetric(w.opts.BytesWritten, 4)
	return nil
}

// UpdateState sets the state of an appended entry, in the ring and on disk.
// It returns false without error when the entry's slot has since been reused.
func (w *LogWriter) UpdateState(info core.CachedEntryInfo, state core.EntryState) (bool, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false, core.ErrWriterClosed
	}
	li := info.LayerInfo
	entry := w.tlog.Update(li, state)
	var start, position int64
	var owned bool
	if entry != nil {
		start, _, owned = w.tlog.slotSpan(li.Index)
		// A compaction may have moved the record since info was issued.
		position = start + int64(entry.Size())
	}
	if entry == nil || !owned {
		w.mu.Unlock()
		w.onStale(li, state)
		return false, nil
	}
	err := w.writeState(start, state)
	w.mu.Unlock()
	if err != nil {
		return false, err
	}

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostStateUpdateEvent(hooks.StateUpdatePayload{Position: position, State: state}))
	}
	return true, nil
}

func (w *LogWriter) onStale(li core.LayerInfo, state core.EntryState) {
	addMetric(w.opts.StaleUpdates, 1)
	if state == core.EntryStateFailed {
		w.logger.Warn("Dropped FAILED state for a log slot that was already reused", "slot", li.String())
	} else {
		w.logger.Debug("Dropped state update for a log slot that was already reused", "slot", li.String(), "state", state.String())
	}
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewOnStaleUpdateEvent(hooks.StaleUpdatePayload{LayerInfo: li, State: state}))
	}
}

// UpdatePersistedState sets the state of a record read back from the file.
func (w *LogWriter) UpdatePersistedState(p *core.PersistedLogEntry, state core.EntryState) error {
	if p == nil {
		return errors.New("cannot update nil persisted entry")
	}
	start := p.Start()
	if start < core.HeaderSize {
		return fmt.Errorf("persisted entry start %d lies inside the header", start)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return core.ErrWriterClosed
	}
	err := w.writeState(start, state)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	p.State = state

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostStateUpdateEvent(hooks.StateUpdatePayload{Position: p.Info.Position(), State: state, Persisted: true}))
	}
	return nil
}

// Reset truncates the log to its header and empties the ring. Handles issued
// before Reset become stale.
func (w *LogWriter) Reset() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return core.ErrWriterClosed
	}
	if err := w.file.Truncate(core.HeaderSize); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to truncate log %s: %w", w.path, err)
	}
	w.tlog.Reset()
	w.floor = core.HeaderSize
	w.maxRecord = 0
	w.mu.Unlock()

	w.logger.Info("Log reset to header")
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostLogResetEvent(hooks.LogResetPayload{Path: w.path}))
	}
	return nil
}

// Flush forces written records to stable storage.
func (w *LogWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return core.ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *LogWriter) flushLocked() error {
	if err := sys.Fdatasync(w.file); err != nil {
		return fmt.Errorf("failed to sync log %s: %w", w.path, err)
	}
	addMetric(w.opts.Flushes, 1)
	return nil
}

// Close stops the supervisor, flushes and closes the file. Failures are
// logged and returned; calling Close again is a no-op.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	// The supervisor task takes the lock, so it is stopped without holding it.
	if w.supervisor != nil {
		w.supervisor.Stop()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	var errs []error
	if err := w.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log %s: %w", w.path, err))
	}
	if err := w.unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock of log %s: %w", w.path, err))
	}
	w.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		w.logger.Error("Log writer closed with errors", "error", err)
	} else {
		w.logger.Info("Log writer closed")
	}
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWriterCloseEvent(hooks.WriterClosePayload{Path: w.path, Err: err}))
	}
	return err
}

func addMetric(v *expvar.Int, n int64) {
	if v != nil {
		v.Add(n)
	}
}
