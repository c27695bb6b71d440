// Package addrmap implements the host-IP to guest-PC address map.
//
// Entries are inserted on the emulator's translation goroutine before the
// corresponding code ever executes, and looked up concurrently by any number
// of decoder worker goroutines. It is therefore built as a single-writer,
// many-reader open-addressing table where every slot is published with one
// atomic pointer store, so a reader that observes a non-nil slot always
// observes both of its fields intact.
package addrmap

import (
	"sync"
	"sync/atomic"
)

const (
	initialSlots  = 1 << 16
	maxLoadFactor = 0.5
)

type entry struct {
	hostIP  uint64
	guestPC uint64
}

// Map is the host-IP -> guest-PC address map.
//
// The zero value is not usable; construct with New.
type Map struct {
	mu sync.Mutex // guards growth and writes; readers never take it

	slots atomic.Pointer[[]atomic.Pointer[entry]]
	count atomic.Int64
}

// New creates an empty address map.
func New() *Map {
	m := &Map{}
	table := newTable(initialSlots)
	m.slots.Store(&table)
	return m
}

func newTable(n int) []atomic.Pointer[entry] {
	return make([]atomic.Pointer[entry], n)
}

// Insert records that hostIP maps to guestPC.
//
// Insert must only be called from the translation goroutine; re-insertion of
// an existing hostIP is not expected (the caller guarantees uniqueness) and
// is ignored if it happens.
func (m *Map) Insert(hostIP, guestPC uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := *m.slots.Load()
	if float64(m.count.Load()+1) >= maxLoadFactor*float64(len(table)) {
		table = m.growLocked(table)
	}

	if m.insertLocked(table, hostIP, guestPC) {
		m.count.Add(1)
	}
}

// insertLocked probes table for a free slot and publishes the entry,
// reporting whether it was added. Must be called with mu held.
func (m *Map) insertLocked(table []atomic.Pointer[entry], hostIP, guestPC uint64) bool {
	mask := uint64(len(table) - 1)
	e := &entry{hostIP: hostIP, guestPC: guestPC}

	for i := uint64(0); ; i++ {
		idx := (hostIP + i) & mask
		slot := &table[idx]

		cur := slot.Load()
		if cur == nil {
			slot.Store(e)
			return true
		}
		if cur.hostIP == hostIP {
			// Re-insertion of an existing key: caller guarantees this does
			// not happen in practice. Keep the existing entry.
			return false
		}
	}
}

// growLocked doubles the table, re-publishing every live entry into the new
// table before installing it, so a concurrent Lookup never observes a
// partially migrated table. Must be called with mu held.
func (m *Map) growLocked(old []atomic.Pointer[entry]) []atomic.Pointer[entry] {
	next := newTable(len(old) * 2)
	mask := uint64(len(next) - 1)

	for i := range old {
		e := old[i].Load()
		if e == nil {
			continue
		}

		for j := uint64(0); ; j++ {
			idx := (e.hostIP + j) & mask
			if next[idx].Load() == nil {
				next[idx].Store(e)
				break
			}
		}
	}

	m.slots.Store(&next)
	return next
}

// Lookup returns the guest PC mapped to hostIP, or (0, false) if there is no
// such mapping.
//
// Lookup is safe to call concurrently from any number of goroutines and
// never blocks on Insert.
func (m *Map) Lookup(hostIP uint64) (uint64, bool) {
	table := *m.slots.Load()
	mask := uint64(len(table) - 1)

	for i := uint64(0); i < uint64(len(table)); i++ {
		idx := (hostIP + i) & mask
		e := table[idx].Load()
		if e == nil {
			return 0, false
		}
		if e.hostIP == hostIP {
			return e.guestPC, true
		}
	}

	return 0, false
}

// Len returns the number of entries currently stored.
func (m *Map) Len() int {
	return int(m.count.Load())
}
