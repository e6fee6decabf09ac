// Package intern maps raw resource identities (task handles, ISR numbers,
// marker addresses) to small dense IDs for the wire format.
package intern

import (
	"sync"
	"sync/atomic"
)

// Table assigns dense IDs to raw identities for the lifetime of one
// recording session. Lookups and allocations are lock-free and safe from
// producer contexts that may preempt each other.
//
// The raw identity is a back-reference only: the table never dereferences
// it and never controls the lifetime of the object it names.
type Table struct {
	base   uint64
	ids    sync.Map // uint64 identity -> uint32 ID
	nextID atomic.Uint32
}

// New returns a table that accepts identities at or above base. The base
// is the configured RAM origin: identities go on the wire as an offset
// from it, and anything below it is invalid.
func New(base uint64) *Table {
	return &Table{base: base}
}

// Intern resolves addr to its dense ID. The first appearance of an
// identity allocates the next ID and reports fresh=true so the caller can
// emit the one-time resource description. Identities below the base are
// rejected with ok=false.
//
// When two producers race on the same new identity, one allocation is
// abandoned and its ID is never used. IDs of non-overlapping first
// appearances are strictly increasing.
func (t *Table) Intern(addr uint64) (id uint32, fresh, ok bool) {
	if addr < t.base {
		return 0, false, false
	}
	if v, hit := t.ids.Load(addr); hit {
		return v.(uint32), false, true
	}
	id = t.nextID.Add(1) - 1
	if v, raced := t.ids.LoadOrStore(addr, id); raced {
		return v.(uint32), false, true
	}
	return id, true, true
}

// Offset returns addr relative to the base for wire encoding. Valid only
// for identities Intern accepted.
func (t *Table) Offset(addr uint64) uint64 {
	return addr - t.base
}

// Base returns the configured RAM origin.
func (t *Table) Base() uint64 {
	return t.base
}

// Count returns the number of IDs allocated, abandoned ones included.
func (t *Table) Count() int {
	return int(t.nextID.Load())
}
