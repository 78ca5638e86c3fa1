// Package splitkind defines the error kinds surfaced by the
// traffic-splitting core, following the teacher's fmt.Errorf("...: %w")
// wrapping convention rather than a custom error-struct hierarchy.
package splitkind

import "errors"

var (
	// ErrProtocol marks a malformed signaling cell, an unexpected state,
	// an unknown instruction type, or a width misalignment. Recovery is
	// to close the offending circuit.
	ErrProtocol = errors.New("split: protocol error")

	// ErrCapacityExceeded marks an instruction queue that is full, or a
	// sub-circuit count that would exceed MaxSubcircs.
	ErrCapacityExceeded = errors.New("split: capacity exceeded")

	// ErrCookieStale marks a JOIN that failed at the middle because the
	// cookie it carried is no longer valid.
	ErrCookieStale = errors.New("split: cookie stale")

	// ErrNoActiveInstruction marks a scheduler call against an empty
	// instruction queue. Callers buffer the cell rather than treat this
	// as fatal.
	ErrNoActiveInstruction = errors.New("split: no active instruction")

	// ErrSessionClosing marks an operation attempted on a session already
	// marked for close; such operations are no-ops or return empty.
	ErrSessionClosing = errors.New("split: session closing")
)
