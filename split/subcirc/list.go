// Package subcirc implements the sub-circuit record and the
// fixed-index, resizable sub-circuit list (SCL) described by spec §4.B.
package subcirc

import (
	"fmt"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/reorder"
)

// State is the sub-circuit lifecycle state (spec §3).
type State int

const (
	StateUnspec State = iota
	StatePendingCookie
	StatePendingJoin
	StateAdded
)

func (s State) String() string {
	switch s {
	case StateUnspec:
		return "UNSPEC"
	case StatePendingCookie:
		return "PENDING_COOKIE"
	case StatePendingJoin:
		return "PENDING_JOIN"
	case StateAdded:
		return "ADDED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one sub-circuit: the tuple (id, state, circuit_ref, reorder
// buffer) from spec §3. ID is only meaningful once State == StateAdded;
// pending entries carry ID as a placeholder (0) until assignment.
type Entry struct {
	ID      split.SubcircID
	State   State
	Circuit *circuit.Circuit
	Buffer  *reorder.Buffer
}

// NewEntry allocates a fresh, unadded sub-circuit record bound to circ.
func NewEntry(circ *circuit.Circuit) *Entry {
	return &Entry{Circuit: circ, Buffer: reorder.New()}
}

// ChangeState advances the entry's lifecycle state. Per spec §3 the
// state only moves monotonically forward or is removed outright; the
// original implementation asserts the target is never StateAdded via
// this path (reaching StateAdded requires the sub-circuit's ID — see
// List.Add), so that transition is rejected here too.
func (e *Entry) ChangeState(newState State) error {
	if newState == StateAdded {
		return fmt.Errorf("subcirc: use List.Add to reach StateAdded, not ChangeState")
	}
	e.State = newState
	return nil
}

// defaultCapacity is min(8, MaxSubcircs) per spec §4.B.
func defaultCapacity() int {
	if split.MaxSubcircs < 8 {
		return split.MaxSubcircs
	}
	return 8
}

// List is the sparse, fixed-index, resizable sub-circuit list (SCL).
type List struct {
	entries  []*Entry
	maxIndex int // -1 if empty
	count    int
}

// NewList returns an empty SCL at default capacity.
func NewList() *List {
	return &List{
		entries:  make([]*Entry, defaultCapacity()),
		maxIndex: -1,
	}
}

func (l *List) ensureCapacity(id split.SubcircID) error {
	if int(id) >= split.MaxSubcircs {
		return fmt.Errorf("subcirc: id %d exceeds MaxSubcircs %d", id, split.MaxSubcircs)
	}
	capacity := len(l.entries)
	if int(id) < capacity {
		return nil
	}
	if int(id) >= split.MaxSubcircs/2 {
		capacity = split.MaxSubcircs
	} else {
		for int(id) >= capacity {
			capacity *= 2
		}
		if capacity > split.MaxSubcircs {
			capacity = split.MaxSubcircs
		}
	}
	grown := make([]*Entry, capacity)
	copy(grown, l.entries)
	l.entries = grown
	return nil
}

// Add inserts sc at index id, which must currently be empty.
func (l *List) Add(sc *Entry, id split.SubcircID) error {
	if err := l.ensureCapacity(id); err != nil {
		return err
	}
	if l.entries[id] != nil {
		return fmt.Errorf("subcirc: index %d already occupied", id)
	}
	sc.ID = id
	sc.State = StateAdded
	l.entries[id] = sc
	l.count++
	if int(id) > l.maxIndex {
		l.maxIndex = int(id)
	}
	return nil
}

// Remove deletes the entry at id, if any; it is a no-op otherwise. The
// stored entry itself is not modified, matching the original's
// "does not touch the stored item" contract.
func (l *List) Remove(id split.SubcircID) {
	if int(id) >= len(l.entries) || l.entries[id] == nil {
		return
	}
	l.entries[id] = nil
	l.count--

	if l.count == 0 {
		l.maxIndex = -1
		return
	}
	if int(id) == l.maxIndex {
		for idx := l.maxIndex; idx >= 0; idx-- {
			if l.entries[idx] != nil {
				l.maxIndex = idx
				return
			}
		}
	}
}

// Get returns the entry at id, or nil if none. Fails (returns an error)
// if id is out of the list's current capacity bound, per spec §4.B
// ("get(id) fails on out-of-bounds").
func (l *List) Get(id split.SubcircID) (*Entry, error) {
	if int(id) >= len(l.entries) {
		return nil, fmt.Errorf("subcirc: id %d out of bounds (capacity %d)", id, len(l.entries))
	}
	return l.entries[id], nil
}

// Contains reports whether sc is present anywhere in the list. O(capacity).
func (l *List) Contains(sc *Entry) bool {
	if l.count == 0 {
		return false
	}
	for idx := 0; idx <= l.maxIndex; idx++ {
		if l.entries[idx] == sc {
			return true
		}
	}
	return false
}

// MaxIndex returns the greatest inserted id still present, or -1 if empty.
func (l *List) MaxIndex() int {
	return l.maxIndex
}

// ContainsID reports whether id currently names an occupied slot.
// Together with MaxIndex, this lets *List satisfy strategy.Membership
// directly.
func (l *List) ContainsID(id split.SubcircID) bool {
	if int(id) >= len(l.entries) {
		return false
	}
	return l.entries[id] != nil
}

// Count returns the number of entries currently stored.
func (l *List) Count() int {
	return l.count
}

// Capacity returns the list's current backing capacity (never exceeds
// MaxSubcircs).
func (l *List) Capacity() int {
	return len(l.entries)
}

// Clear removes every entry from the list.
func (l *List) Clear() {
	for i := range l.entries {
		l.entries[i] = nil
	}
	l.maxIndex = -1
	l.count = 0
}

// Each calls fn for every populated index in ascending order.
func (l *List) Each(fn func(id split.SubcircID, e *Entry)) {
	for idx := 0; idx <= l.maxIndex; idx++ {
		if l.entries[idx] != nil {
			fn(split.SubcircID(idx), l.entries[idx])
		}
	}
}
