package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/resume"
	"github.com/dgraph-io/badger/v4"
)

var offsetKeyPrefix = []byte("offset:")

// BadgerStoreOptions configures a BadgerStore.
type BadgerStoreOptions struct {
	// InMemory keeps everything in memory. Used by tests.
	InMemory bool
	// SyncWrites makes every update durable before done is called.
	SyncWrites bool
	Logger     *slog.Logger
}

// BadgerStore keeps offsets in a badger database, one key per offset key.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

var _ resume.OffsetStore = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a badger database in dir.
func NewBadgerStore(dir string, opts BadgerStoreOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger.With("component", "BadgerStore", "dir", dir)}, nil
}

func offsetKey(tag int32, key []byte) []byte {
	k := make([]byte, 0, len(offsetKeyPrefix)+4+len(key))
	k = append(k, offsetKeyPrefix...)
	k = binary.BigEndian.AppendUint32(k, uint32(tag))
	return append(k, key...)
}

func encodeTagged(tag int32, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(tag))
	return append(buf, data...)
}

func decodeTagged(buf []byte) (int32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("%w: tagged value is %d bytes", core.ErrMalformedRecord, len(buf))
	}
	return int32(binary.BigEndian.Uint32(buf)), buf[4:], nil
}

// UpdateLastOffset writes value for key in a single transaction and then
// calls done.
func (s *BadgerStore) UpdateLastOffset(ctx context.Context, key, value resume.Serializable, done func(error)) {
	done(s.update(ctx, key, value))
}

func (s *BadgerStore) update(ctx context.Context, key, value resume.Serializable) error {
	if s.closed.Load() {
		return core.ErrStoreClosed
	}
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
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(offsetKey(key.TypeTag(), kb), encodeTagged(value.TypeTag(), vb))
	})
}

// LoadCache checks that every stored offset decodes.
func (s *BadgerStore) LoadCache(ctx context.Context) error {
	if s.closed.Load() {
		return core.ErrStoreClosed
	}
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(offsetKeyPrefix); it.ValidForPrefix(offsetKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			keyTag, key, err := decodeTagged(bytes.TrimPrefix(item.Key(), offsetKeyPrefix))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				valueTag, value, err := decodeTagged(val)
				if err != nil {
					return err
				}
				_, _, err = resume.DecodePair(keyTag, key, valueTag, value)
				return err
			}); err != nil {
				return fmt.Errorf("failed to decode stored offset: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Offset cache loaded.", "offsets", count)
	return nil
}

// Get returns the stored offset for key.
func (s *BadgerStore) Get(key resume.Serializable) (resume.Serializable, bool, error) {
	if s.closed.Load() {
		return nil, false, core.ErrStoreClosed
	}
	kb, err := key.Serialize()
	if err != nil {
		return nil, false, err
	}
	var value resume.Serializable
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(offsetKey(key.TypeTag(), kb))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			tag, data, err := decodeTagged(val)
			if err != nil {
				return err
			}
			value, err = resume.Decode(tag, data)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Len returns the number of stored offsets. It returns 0 once the store is
// closed or when the count fails.
func (s *BadgerStore) Len() int {
	if s.closed.Load() {
		return 0
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = offsetKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to count stored offsets", "error", err)
		return 0
	}
	return count
}

func (s *BadgerStore) Deserialize(keyMeta int32, key []byte, valueMeta int32, value []byte) (resume.Serializable, resume.Serializable, error) {
	return resume.DecodePair(keyMeta, key, valueMeta, value)
}

// Close closes the database. It is safe to call more than once.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
