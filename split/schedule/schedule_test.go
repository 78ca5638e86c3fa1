package schedule

import (
	"testing"

	"github.com/cvsouth/splitcore/cell"
	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/split/reorder"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/strategy"
	"github.com/cvsouth/splitcore/split/subcirc"
)

func TestQueuePressureThresholds(t *testing.T) {
	reorder.BufferedBytes.Store(0)
	if QueuePressure() {
		t.Fatalf("expected no pressure at zero bytes")
	}
	reorder.BufferedBytes.Store(HighWaterBytes)
	if !QueuePressure() {
		t.Fatalf("expected pressure at high watermark")
	}
	if Drained() {
		t.Fatalf("expected not drained at high watermark")
	}
	reorder.BufferedBytes.Store(LowWaterBytes)
	if !Drained() {
		t.Fatalf("expected drained at low watermark")
	}
	reorder.BufferedBytes.Store(0)
}

func TestReceiveBuffersOnArrivalSubcirc(t *testing.T) {
	sess := session.New(&circuit.Circuit{}, strategy.MinID, 509, 1)
	c := cell.NewFixedCell(1, cell.CmdRelay)

	if err := Receive(sess, 0, c); err != nil {
		t.Fatal(err)
	}
	if sess.BaseEntry.Buffer.Len() != 1 {
		t.Fatalf("expected cell buffered on arrival sub-circuit 0, got len %d", sess.BaseEntry.Buffer.Len())
	}
}

func TestReceiveRejectsUnknownSubcirc(t *testing.T) {
	sess := session.New(&circuit.Circuit{}, strategy.MinID, 509, 1)
	c := cell.NewFixedCell(1, cell.CmdRelay)
	if err := Receive(sess, 3, c); err == nil {
		t.Fatal("expected error buffering onto an unjoined sub-circuit id")
	}
}

// Scenario 4 (spec literal): a cell for sub-circuit 1 arrives before the
// cell for sub-circuit 0 that the active instruction actually expects
// first. DeliverNext must withhold it until sub-circuit 0's cell
// arrives instead of delivering whichever sub-circuit happened to
// receive data first.
func TestDeliverNextWithholdsOutOfOrderArrival(t *testing.T) {
	sess := session.New(&circuit.Circuit{}, strategy.RoundRobin, 509, 2)
	other := subcirc.NewEntry(&circuit.Circuit{})
	if err := sess.Subcircs.Add(other, 1); err != nil {
		t.Fatal(err)
	}
	if err := sess.GenerateInstruction(session.In); err != nil {
		t.Fatal(err)
	}

	outOfOrder := cell.NewFixedCell(1, cell.CmdRelay)
	if err := Receive(sess, 1, outOfOrder); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := DeliverNext(sess, session.In); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("expected DeliverNext to withhold sub-circuit 1's cell while sub-circuit 0 is expected first")
	}

	expected := cell.NewFixedCell(2, cell.CmdRelay)
	if err := Receive(sess, 0, expected); err != nil {
		t.Fatal(err)
	}
	got, ok, err := DeliverNext(sess, session.In)
	if err != nil || !ok {
		t.Fatalf("expected sub-circuit 0's cell to deliver once it arrives, ok=%v err=%v", ok, err)
	}
	if len(got) != len(expected) {
		t.Fatalf("expected delivered cell to match sub-circuit 0's cell")
	}

	got2, ok, err := DeliverNext(sess, session.In)
	if err != nil || !ok {
		t.Fatalf("expected sub-circuit 1's previously withheld cell to deliver next, ok=%v err=%v", ok, err)
	}
	if len(got2) != len(outOfOrder) {
		t.Fatalf("expected second delivery to be sub-circuit 1's withheld cell")
	}
}

func TestDrainPopsOldestCell(t *testing.T) {
	e := subcirc.NewEntry(nil)
	c := cell.NewFixedCell(1, cell.CmdRelay)
	e.Buffer.Append(c)

	got, ok := Drain(e)
	if !ok {
		t.Fatalf("expected a buffered cell")
	}
	if len(got) != len(c) {
		t.Fatalf("expected drained cell to match appended cell")
	}
	if _, ok := Drain(e); ok {
		t.Fatalf("expected buffer empty after single drain")
	}
}
