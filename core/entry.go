package core

import (
	"fmt"
)

// EntryState is the lifecycle state of a log record. The numeric codes are
// persisted on disk and must never be renumbered.
type EntryState int32

const (
	EntryStateIgnored   EntryState = -1
	EntryStateNew       EntryState = 1
	EntryStateProcessed EntryState = 10
	EntryStateFailed    EntryState = 20
)

// ParseEntryState maps an on-disk state code back to an EntryState.
func ParseEntryState(code int32) (EntryState, error) {
	switch s := EntryState(code); s {
	case EntryStateIgnored, EntryStateNew, EntryStateProcessed, EntryStateFailed:
		return s, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownEntryState, code)
	}
}

// String returns the string representation of the EntryState.
func (s EntryState) String() string {
	switch s {
	case EntryStateIgnored:
		return "IGNORED"
	case EntryStateNew:
		return "NEW"
	case EntryStateProcessed:
		return "PROCESSED"
	case EntryStateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// NeedsReplay reports whether a record in this state must be re-driven
// through the offset store during recovery.
func (s EntryState) NeedsReplay() bool {
	return s == EntryStateNew || s == EntryStateFailed
}

// RecordOverhead is the number of fixed int32 fields in a record:
// state, key metadata, key length, value metadata and value length.
const RecordOverhead = 5 * 4

// LogEntry is a single (key, value) record of the write-ahead log.
type LogEntry struct {
	State         EntryState
	KeyMetadata   int32
	Key           []byte
	ValueMetadata int32
	Value         []byte
}

// NewLogEntry creates a LogEntry.
func NewLogEntry(state EntryState, keyMetadata int32, key []byte, valueMetadata int32, value []byte) *LogEntry {
	return &LogEntry{
		State:         state,
		KeyMetadata:   keyMetadata,
		Key:           key,
		ValueMetadata: valueMetadata,
		Value:         value,
	}
}

// Size returns the exact number of bytes the entry occupies on disk.
func (e *LogEntry) Size() int {
	return RecordOverhead + len(e.Key) + len(e.Value)
}

// Clone returns a deep copy of the entry.
func (e *LogEntry) Clone() *LogEntry {
	c := *e
	c.Key = append([]byte(nil), e.Key...)
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// LayerInfo identifies a slot of the in-memory transaction log together with
// the generation (layer) that wrote it. Epoch changes when the log is reset.
type LayerInfo struct {
	Index       int
	Layer       int
	Epoch       int
	RollingOver bool
}

func (l LayerInfo) String() string {
	return fmt.Sprintf("index=%d layer=%d epoch=%d rolling_over=%t", l.Index, l.Layer, l.Epoch, l.RollingOver)
}

// EntryInfo locates a record in the log file. Position is the byte offset
// immediately after the record.
type EntryInfo interface {
	Position() int64
}

// PersistedEntryInfo is the location of a record that was read back from disk.
type PersistedEntryInfo struct {
	position int64
}

var _ EntryInfo = PersistedEntryInfo{}

// NewPersistedEntryInfo creates a PersistedEntryInfo for the given end position.
func NewPersistedEntryInfo(position int64) PersistedEntryInfo {
	return PersistedEntryInfo{position: position}
}

func (i PersistedEntryInfo) Position() int64 { return i.position }

// CachedEntryInfo is the handle returned by an append. It names the ring slot
// the entry occupies so that a later state update can be checked for staleness.
type CachedEntryInfo struct {
	position  int64
	start     int64
	LayerInfo LayerInfo
}

var _ EntryInfo = CachedEntryInfo{}

// NewCachedEntryInfo creates a CachedEntryInfo for a record spanning [start, position).
func NewCachedEntryInfo(start, position int64, layerInfo LayerInfo) CachedEntryInfo {
	return CachedEntryInfo{position: position, start: start, LayerInfo: layerInfo}
}

func (i CachedEntryInfo) Position() int64 { return i.position }

// Start returns the offset of the first byte of the record.
func (i CachedEntryInfo) Start() int64 { return i.start }

// PersistedLogEntry is a LogEntry read back from disk with its file position.
type PersistedLogEntry struct {
	LogEntry
	Info PersistedEntryInfo
}

// Start returns the offset of the first byte of the record.
func (p *PersistedLogEntry) Start() int64 {
	return p.Info.Position() - int64(p.Size())
}
