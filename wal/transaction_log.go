package wal

import (
	"github.com/INLOpen/offsetwal/core"
)

// slot is one position of the ring. start and end locate the on-disk region
// the slot owns; they are negative until the slot has been persisted.
type slot struct {
	info  core.LayerInfo
	entry *core.LogEntry
	used  bool
	start int64
	end   int64
}

// TransactionLog is a fixed-capacity ring of in-flight entries. Every write
// into the ring is tagged with the current layer (the number of times the
// cursor has wrapped) so that a handle can later be checked for staleness.
//
// TransactionLog is not safe for concurrent use; LogWriter serializes access.
type TransactionLog struct {
	slots        []slot
	currentIndex int
	currentLayer int
	epoch        int
}

// NewTransactionLog creates a ring with the given capacity. A capacity below
// one is treated as one.
func NewTransactionLog(capacity int) *TransactionLog {
	if capacity < 1 {
		capacity = 1
	}
	t := &TransactionLog{slots: make([]slot, capacity)}
	t.clearSlots()
	return t
}

func (t *TransactionLog) clearSlots() {
	for i := range t.slots {
		t.slots[i] = slot{start: -1, end: -1}
	}
}

// Add stores a copy of e in the next slot and returns the slot's LayerInfo.
// When the cursor has reached capacity it wraps to zero and the layer is
// incremented. The slot keeps the disk span of its previous occupant until the
// writer replaces it.
func (t *TransactionLog) Add(e *core.LogEntry) core.LayerInfo {
	if t.currentIndex >= len(t.slots) {
		t.currentIndex = 0
		t.currentLayer++
	}
	info := core.LayerInfo{
		Index:       t.currentIndex,
		Layer:       t.currentLayer,
		Epoch:       t.epoch,
		RollingOver: t.currentLayer > 0,
	}
	s := &t.slots[t.currentIndex]
	s.info = info
	s.entry = e.Clone()
	s.used = true
	t.currentIndex++
	return info
}

// CanUpdate reports whether the slot named by info still holds the entry that
// was added when info was issued.
func (t *TransactionLog) CanUpdate(info core.LayerInfo) bool {
	if info.Epoch != t.epoch || info.Index < 0 || info.Index >= len(t.slots) {
		return false
	}
	switch info.Layer {
	case t.currentLayer:
		return t.currentIndex >= info.Index
	case t.currentLayer - 1:
		// The cursor has not yet come back around to this slot.
		return t.currentIndex <= info.Index
	default:
		return false
	}
}

// Update sets the state of the entry named by info. It returns nil when the
// handle is stale.
func (t *TransactionLog) Update(info core.LayerInfo, state core.EntryState) *core.LogEntry {
	e := t.Get(info)
	if e == nil {
		return nil
	}
	e.State = state
	return e
}

// Get returns the entry named by info, or nil when the handle is stale.
func (t *TransactionLog) Get(info core.LayerInfo) *core.LogEntry {
	if !t.CanUpdate(info) {
		return nil
	}
	s := &t.slots[info.Index]
	if !s.used || s.info.Layer != info.Layer || s.info.Epoch != info.Epoch {
		return nil
	}
	return s.entry
}

// Reset empties the ring and starts a new epoch, invalidating every handle
// issued before the call.
func (t *TransactionLog) Reset() {
	t.clearSlots()
	t.currentIndex = 0
	t.currentLayer = 0
	t.epoch++
}

// Capacity returns the number of slots.
func (t *TransactionLog) Capacity() int { return len(t.slots) }

// CurrentIndex returns the index the next Add would use before wrapping.
func (t *TransactionLog) CurrentIndex() int { return t.currentIndex }

// CurrentLayer returns the number of completed wraps in this epoch.
func (t *TransactionLog) CurrentLayer() int { return t.currentLayer }

// slotSpan returns the disk region owned by the slot at index.
func (t *TransactionLog) slotSpan(index int) (start, end int64, ok bool) {
	s := t.slots[index]
	if s.start < 0 {
		return 0, 0, false
	}
	return s.start, s.end, true
}

func (t *TransactionLog) setSlotSpan(index int, start, end int64) {
	t.slots[index].start = start
	t.slots[index].end = end
}

// EndPosition derives the append cursor: the end of the furthest region owned
// by any slot, or floor when nothing past it is owned.
func (t *TransactionLog) EndPosition(floor int64) int64 {
	pos := floor
	for i := range t.slots {
		if t.slots[i].end > pos {
			pos = t.slots[i].end
		}
	}
	return pos
}

// liveSlots returns the indexes of the used slots, oldest first. Slots whose
// entry was given up after a failed write are skipped.
func (t *TransactionLog) liveSlots() []int {
	n := len(t.slots)
	live := make([]int, 0, n)
	for k := 0; k < n; k++ {
		i := (t.currentIndex + k) % n
		s := &t.slots[i]
		if !s.used || s.entry.State == core.EntryStateIgnored {
			continue
		}
		live = append(live, i)
	}
	return live
}
