// Package schedule implements dispatch and delivery ordering across a
// split session's sub-circuits (spec §4.H), grounded on splitcommon.c's
// split_process_relay_cell dispatch shape.
package schedule

import (
	"fmt"

	"github.com/cvsouth/splitcore/cell"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/reorder"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/splitkind"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// HighWaterBytes/LowWaterBytes mirror tor's cell_queues_check_size
// high/low watermark hysteresis, applied here to reorder.BufferedBytes
// instead of the global cell queue: once buffered bytes cross the high
// watermark, callers should stop reading from sub-circuits until usage
// falls back below the low watermark (spec §6 "cell_queues_check_size
// hook variable"), reusing the counter/threshold idiom stream/flow.go
// uses for its own SENDME accounting.
const (
	HighWaterBytes = 16 * 1024 * 1024
	LowWaterBytes  = 8 * 1024 * 1024
)

// QueuePressure reports whether the process-wide reorder-buffer byte
// count has crossed the high watermark and callers should pause reading
// new cells off sub-circuits until Drained reports recovery.
func QueuePressure() bool {
	return reorder.BufferedBytes.Load() >= HighWaterBytes
}

// Drained reports whether buffered bytes have fallen back to or below
// the low watermark, clearing a previously signaled QueuePressure.
func Drained() bool {
	return reorder.BufferedBytes.Load() <= LowWaterBytes
}

// Dispatch sends data on whichever sub-circuit sess.GetNextSC selects
// for dir, confirming consumption via UsedSC only once the send
// succeeds — a failed send leaves the scheduling decision unconsumed so
// a retry (or a subsequent failure handler) sees the same target.
func Dispatch(sess *session.Session, dir session.Direction, relayCmd uint8, streamID uint16, data []byte) error {
	entry, err := sess.GetNextSC(dir)
	if err != nil {
		return fmt.Errorf("schedule: dispatch: %w", err)
	}
	if err := entry.Circuit.SendRelay(relayCmd, streamID, data); err != nil {
		return fmt.Errorf("schedule: send on sub-circuit %d: %w", entry.ID, err)
	}
	sess.UsedSC(dir)
	return nil
}

// Receive buffers an inbound cell c into the reorder buffer of the
// sub-circuit it physically arrived on, arrivalSC — not whichever
// sub-circuit the active instruction currently expects. This is what
// lets a cell that raced ahead of its turn wait in its own buffer
// rather than being misfiled onto the expected sub-circuit (spec §4.H,
// Scenario 4); DeliverNext is what actually advances the schedule once
// the expected sub-circuit's cell shows up.
func Receive(sess *session.Session, arrivalSC split.SubcircID, c cell.Cell) error {
	entry, err := sess.Subcircs.Get(arrivalSC)
	if err != nil || entry == nil {
		return fmt.Errorf("%w: receive: unknown sub-circuit %d", splitkind.ErrProtocol, arrivalSC)
	}
	entry.Buffer.Append(c)
	return nil
}

// DeliverNext returns the next cell due for dir in instruction order,
// if the sub-circuit sess.GetNextSC currently expects already has one
// buffered. It never blocks: ok is false when the expected sub-circuit's
// buffer is still empty, and the schedule position is left unconsumed
// so a later call — once that sub-circuit's cell actually arrives — picks
// up where this one left off rather than skipping ahead.
func DeliverNext(sess *session.Session, dir session.Direction) (cell.Cell, bool, error) {
	entry, err := sess.GetNextSC(dir)
	if err != nil {
		return nil, false, fmt.Errorf("schedule: deliver: %w", err)
	}
	c, ok := entry.Buffer.Pop()
	if !ok {
		return nil, false, nil
	}
	sess.UsedSC(dir)
	return c, true, nil
}

// Drain pops the oldest buffered cell off e's reorder buffer, if any,
// for delivery to the stream layer.
func Drain(e *subcirc.Entry) (cell.Cell, bool) {
	return e.Buffer.Pop()
}
