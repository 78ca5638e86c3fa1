package schedule

import (
	"log/slog"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// RunReceivePump starts a goroutine that blocks on e.Circuit.ReceiveRelay
// in a loop, buffering every relay cell it reads into sess via Receive
// and waking any stream reader blocked on sess.Notify. This is the
// client-side half of the process_relay_cell dispatcher spec §6 calls
// for: one pump per joined sub-circuit, each reading its own
// independent link connection, so application data arriving out of
// order on a non-expected sub-circuit still gets buffered promptly
// instead of stalling behind a synchronous read on the expected one.
//
// Call this only once e has reached StateAdded — starting it earlier
// would race the synchronous COOKIE_SET/JOINED waits LaunchSubcircuit
// and ProcessCookieSet still need to perform on the same circuit.
func RunReceivePump(sess *session.Session, e *subcirc.Entry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		for {
			_, relayCmd, streamID, data, err := e.Circuit.ReceiveRelay()
			if err != nil {
				logger.Debug("split: receive pump stopped", "subcirc", e.ID, "error", err)
				return
			}

			switch relayCmd {
			case circuit.RelaySplitInstruction, circuit.RelaySplitInfo:
				// Both are always sent client→middle (spec §6); a
				// client pump observing one indicates a misbehaving or
				// confused peer, not a case this side needs to consume.
				logger.Warn("split: unexpected split-control cell on client pump", "subcirc", e.ID, "relayCmd", relayCmd)
			default:
				cellCopy := circuit.EncodePlainRelay(relayCmd, streamID, data)
				if err := Receive(sess, e.ID, cellCopy); err != nil {
					logger.Warn("split: failed to buffer received cell", "subcirc", e.ID, "error", err)
					return
				}
				sess.Signal()
			}
		}
	}()
}
