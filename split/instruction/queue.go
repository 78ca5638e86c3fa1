package instruction

import (
	"fmt"

	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/splitkind"
)

// Instruction is a decoded, in-order playbook of sub-circuit IDs plus a
// read cursor (spec's "finite ordered sequence of sub-circuit IDs").
type Instruction struct {
	IDs []split.SubcircID
	pos int
}

// NewInstruction wraps a decoded ID sequence as a fresh Instruction.
func NewInstruction(ids []split.SubcircID) *Instruction {
	return &Instruction{IDs: ids}
}

// Exhausted reports whether every ID has already been consumed.
func (i *Instruction) Exhausted() bool {
	return i.pos >= len(i.IDs)
}

// Queue is the FIFO list of instructions for one direction, capped at
// MaxNumSplitInstructions in-flight instructions (spec §3, §4.E).
type Queue struct {
	items []*Instruction
}

// NewQueue returns an empty instruction queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of instructions currently queued (not the
// number of remaining IDs).
func (q *Queue) Len() int {
	return len(q.items)
}

// Append adds a new instruction to the tail of the queue, failing with
// ErrCapacityExceeded once MaxNumSplitInstructions is reached.
func (q *Queue) Append(inst *Instruction) error {
	if len(q.items) >= split.MaxNumSplitInstructions {
		return fmt.Errorf("%w: instruction queue full (%d)", splitkind.ErrCapacityExceeded, split.MaxNumSplitInstructions)
	}
	q.items = append(q.items, inst)
	return nil
}

// Check validates that every ID referenced by inst is known to scl,
// using the supplied membership predicate (decoupling this package from
// split/subcirc to avoid an import cycle).
func Check(inst *Instruction, known func(split.SubcircID) bool) error {
	if len(inst.IDs) == 0 {
		return fmt.Errorf("%w: instruction has no ids", splitkind.ErrProtocol)
	}
	for _, id := range inst.IDs {
		if !known(id) {
			return fmt.Errorf("%w: instruction references unknown sub-circuit id %d", splitkind.ErrProtocol, id)
		}
	}
	return nil
}

// NextID consumes and returns the next ID from the head instruction. If
// that instruction is exhausted by this call, it is removed from the
// queue and consumed reports true (signaling the caller should
// replenish, per spec §4.E/§4.F). Fails with ErrNoActiveInstruction if
// the queue is empty.
func (q *Queue) NextID() (id split.SubcircID, consumedHead bool, err error) {
	if len(q.items) == 0 {
		return 0, false, fmt.Errorf("%w", splitkind.ErrNoActiveInstruction)
	}
	head := q.items[0]
	id = head.IDs[head.pos]
	head.pos++
	if head.Exhausted() {
		q.items = q.items[1:]
		return id, true, nil
	}
	return id, false, nil
}
