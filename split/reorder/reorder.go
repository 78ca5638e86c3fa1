// Package reorder implements the per-sub-circuit cell reorder buffer: a
// FIFO of cells stamped with a coarse monotonic insertion timestamp,
// plus a process-wide counter of currently-buffered bytes.
package reorder

import (
	"sync/atomic"

	"github.com/cvsouth/splitcore/cell"
)

// BufferedBytes is the process-wide count of bytes currently held across
// every live Buffer. Collaborators query it for OOM pressure decisions.
var BufferedBytes atomic.Int64

// bufferedCellSize is the size (in bytes) charged against BufferedBytes for
// each queued entry, mirroring the original's per-node accounting
// (sizeof(buffered_cell_t), not the variable cell payload length: the
// accounting tracks buffer-node pressure, not wire bytes).
const bufferedCellSize = 64

// Clock returns a coarse monotonic timestamp. The default wraps a
// 32-bit counter of elapsed centiseconds since process start, without
// depending on wall-clock time. A millisecond counter of the same width
// would wrap after about 49.7 days; the centisecond unit, coarse enough
// for buffer-age reporting, stretches the wrap period to about 497 days.
type Clock func() uint32

var defaultClock = newWrappingClock()

type bufferedCell struct {
	next      *bufferedCell
	cell      cell.Cell
	timestamp uint32
}

// Buffer is a FIFO of buffered cells for one sub-circuit.
type Buffer struct {
	head, tail *bufferedCell
	num        int
	clock      Clock
}

// New returns an empty Buffer using the default coarse clock.
func New() *Buffer {
	return &Buffer{clock: defaultClock}
}

// NewWithClock returns an empty Buffer using an injected clock, for tests.
func NewWithClock(clock Clock) *Buffer {
	return &Buffer{clock: clock}
}

// Append copies cell c and stamps it with the current coarse time.
func (b *Buffer) Append(c cell.Cell) {
	cp := make(cell.Cell, len(c))
	copy(cp, c)
	node := &bufferedCell{cell: cp, timestamp: b.clock()}
	if b.tail == nil {
		b.head, b.tail = node, node
	} else {
		b.tail.next = node
		b.tail = node
	}
	b.num++
	BufferedBytes.Add(bufferedCellSize)
}

// Pop removes and returns the oldest buffered cell. ok is false if the
// buffer is empty.
func (b *Buffer) Pop() (c cell.Cell, ok bool) {
	if b.head == nil {
		return nil, false
	}
	node := b.head
	b.head = node.next
	if b.head == nil {
		b.tail = nil
	}
	b.num--
	BufferedBytes.Add(-bufferedCellSize)
	return node.cell, true
}

// Len returns the number of cells currently buffered.
func (b *Buffer) Len() int {
	return b.num
}

// Clear removes every buffered cell and returns the number of bytes freed.
func (b *Buffer) Clear() int64 {
	freed := int64(b.num) * bufferedCellSize
	b.head, b.tail = nil, nil
	b.num = 0
	BufferedBytes.Add(-freed)
	return freed
}

// OldestAge returns the age of the oldest buffered cell as measured from
// now, or 0 if the buffer is empty. Defined modulo the 32-bit wrap of
// the coarse clock (for the default centisecond clock the wrap comes
// after about 497 days of continuous buffering).
func (b *Buffer) OldestAge(now uint32) uint32 {
	if b.head == nil {
		return 0
	}
	return now - b.head.timestamp
}
