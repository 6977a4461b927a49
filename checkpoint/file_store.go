package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/INLOpen/offsetwal/compressors"
	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/INLOpen/skiplist"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Compression core.CompressionType
	Logger      *slog.Logger
}

type storedOffset struct {
	key    resume.Serializable
	value  resume.Serializable
	record OffsetRecord
}

// FileStore keeps the latest offset per key in an ordered in-memory index
// and rewrites a single snapshot file on every update.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	offsets    *skiplist.SkipList[string, *storedOffset]
	compressor core.Compressor
	logger     *slog.Logger
	closed     bool
}

var _ resume.OffsetStore = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating the directory
// if needed. Existing offsets are not read until LoadCache.
func NewFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create offset store directory %s: %w", dir, err)
	}
	compressor, err := compressors.New(opts.Compression)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:        dir,
		offsets:    skiplist.NewWithComparator[string, *storedOffset](strings.Compare),
		compressor: compressor,
		logger:     logger.With("component", "FileStore", "dir", dir),
	}, nil
}

// indexKey orders keys by type tag first, then by their serialized bytes.
func indexKey(tag int32, key []byte) string {
	var b strings.Builder
	b.Grow(4 + len(key))
	var t [4]byte
	binary.BigEndian.PutUint32(t[:], uint32(tag))
	b.Write(t[:])
	b.Write(key)
	return b.String()
}

// UpdateLastOffset stores value for key and persists the snapshot before
// calling done.
func (s *FileStore) UpdateLastOffset(ctx context.Context, key, value resume.Serializable, done func(error)) {
	done(s.update(ctx, key, value))
}

func (s *FileStore) update(ctx context.Context, key, value resume.Serializable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kb, err := key.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize key: %w", err)
	}
	vb, err := value.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize value: %w", err)
	}
	entry := &storedOffset{
		key:    key,
		value:  value,
		record: OffsetRecord{KeyTag: key.TypeTag(), Key: kb, ValueTag: value.TypeTag(), Value: vb},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	ik := indexKey(entry.record.KeyTag, kb)
	// The index only changes once the snapshot holding the update is durable.
	if err := writeSnapshot(s.dir, s.recordsWithLocked(ik, entry), s.compressor); err != nil {
		return err
	}
	s.offsets.Insert(ik, entry)
	return nil
}

// recordsWithLocked returns the stored records with entry placed at ik.
func (s *FileStore) recordsWithLocked(ik string, entry *storedOffset) []OffsetRecord {
	records := make([]OffsetRecord, 0, s.offsets.Len()+1)
	replaced := false
	s.offsets.Range(func(k string, v *storedOffset) bool {
		if k == ik {
			records = append(records, entry.record)
			replaced = true
		} else {
			records = append(records, v.record)
		}
		return true
	})
	if !replaced {
		records = append(records, entry.record)
	}
	return records
}

// LoadCache replaces the in-memory index with the snapshot on disk. A
// missing snapshot leaves the store empty.
func (s *FileStore) LoadCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records, found, err := readSnapshot(s.dir)
	if err != nil {
		return err
	}
	offsets := skiplist.NewWithComparator[string, *storedOffset](strings.Compare)
	for _, r := range records {
		key, value, err := resume.DecodePair(r.KeyTag, r.Key, r.ValueTag, r.Value)
		if err != nil {
			return fmt.Errorf("failed to decode stored offset: %w", err)
		}
		offsets.Insert(indexKey(r.KeyTag, r.Key), &storedOffset{key: key, value: value, record: r})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	s.offsets = offsets
	s.logger.Debug("Offset cache loaded.", "found", found, "offsets", len(records))
	return nil
}

// Get returns the stored offset for key.
func (s *FileStore) Get(key resume.Serializable) (resume.Serializable, bool, error) {
	kb, err := key.Serialize()
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, core.ErrStoreClosed
	}
	ik := indexKey(key.TypeTag(), kb)
	node, ok := s.offsets.Seek(ik)
	if !ok || node.Key() != ik {
		return nil, false, nil
	}
	return node.Value().value, true, nil
}

// Len returns the number of stored keys.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets.Len()
}

// Range calls fn for each stored offset in key order until fn returns false.
func (s *FileStore) Range(fn func(key, value resume.Serializable) bool) {
	s.mu.Lock()
	entries := make([]*storedOffset, 0, s.offsets.Len())
	s.offsets.Range(func(_ string, v *storedOffset) bool {
		entries = append(entries, v)
		return true
	})
	s.mu.Unlock()
	for _, e := range entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (s *FileStore) Deserialize(keyMeta int32, key []byte, valueMeta int32, value []byte) (resume.Serializable, resume.Serializable, error) {
	return resume.DecodePair(keyMeta, key, valueMeta, value)
}

// Close releases the store. Later calls return core.ErrStoreClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}
