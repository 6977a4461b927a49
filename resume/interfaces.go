// Package resume protects offset checkpoints with a write-ahead log: every
// update is logged before it is sent to the offset store, and updates that
// were never acknowledged are replayed on startup.
package resume

import (
	"context"
)

// Serializable is an offset key or value that can be written to the log.
// TypeTag is stored next to the bytes so the value can be decoded on replay.
type Serializable interface {
	Serialize() ([]byte, error)
	TypeTag() int32
}

// OffsetStore is the store whose checkpoints are being protected.
type OffsetStore interface {
	// UpdateLastOffset records value as the latest offset for key. done is
	// called exactly once, with nil on success, possibly on another goroutine.
	UpdateLastOffset(ctx context.Context, key, value Serializable, done func(error))
	// LoadCache loads previously stored offsets.
	LoadCache(ctx context.Context) error
	// Deserialize rebuilds a key and value from their logged form.
	Deserialize(keyMeta int32, key []byte, valueMeta int32, value []byte) (Serializable, Serializable, error)
}
