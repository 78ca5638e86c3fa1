// Package client implements the client-side half of the cookie/join
// handshake (spec §4.F), grounded function-for-function on splitclient.c.
package client

import (
	"fmt"
	"log/slog"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/descriptor"
	"github.com/cvsouth/splitcore/link"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/splitkind"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// Config bundles the dependencies LaunchSubcircuit and AppendCpath need
// to open and extend a fresh circuit.
type Config struct {
	Logger *slog.Logger
}

// LaunchSubcircuit opens a brand new circuit to entry, extends it to
// middle (the same middle relay the session is anchored to — a split
// session forks only past a shared middle hop), and sends SET_COOKIE to
// begin the cookie handshake. The returned entry is PENDING_COOKIE and
// not yet part of sess.Subcircs; call ProcessCookieSet once COOKIE_SET
// arrives. Grounded on splitclient.c's split_data_launch_join_circuit.
func LaunchSubcircuit(sess *session.Session, entry, middle *descriptor.RelayInfo, cfg Config) (*subcirc.Entry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if sess.Subcircs.Count()+1 > split.MaxSubcircs {
		return nil, fmt.Errorf("%w: launching one more sub-circuit would exceed MaxSubcircs (%d)", splitkind.ErrCapacityExceeded, split.MaxSubcircs)
	}

	l, err := link.Handshake(fmt.Sprintf("%s:%d", entry.Address, entry.ORPort), logger)
	if err != nil {
		return nil, fmt.Errorf("client: connect to entry: %w", err)
	}

	circ, err := circuit.Create(l, entry, logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("client: create circuit to entry: %w", err)
	}
	circ.Purpose = circuit.PurposeSplitJoin

	if err := circ.Extend(middle, logger); err != nil {
		_ = circ.Destroy()
		_ = l.Close()
		return nil, fmt.Errorf("client: extend to middle: %w", err)
	}

	e := subcirc.NewEntry(circ)
	if err := e.ChangeState(subcirc.StatePendingCookie); err != nil {
		return nil, err
	}

	if err := circ.SendRelay(circuit.RelaySplitSetCookie, 0, sess.Cookie[:]); err != nil {
		_ = circ.Destroy()
		_ = l.Close()
		return nil, fmt.Errorf("client: send SET_COOKIE: %w", err)
	}

	sess.MarkPending()
	logger.Info("split: launched sub-circuit, awaiting COOKIE_SET")
	return e, nil
}

// AppendCpath extends e's circuit past the shared middle to exit, so
// the new sub-circuit reaches the same final hop as the rest of the
// session. Grounded on splitclient.c's split_data_append_cpath, which
// clones the original circuit's crypto/path state by reference-counted
// pointer. Go's cipher.Stream/hash.Hash values aren't cloneable that
// way, so this re-runs an independent EXTEND2/ntor handshake to the
// same exit instead of sharing cipher state — a deliberate deviation
// (see DESIGN.md) that reaches the same relay without needing mutable
// shared crypto state.
func AppendCpath(e *subcirc.Entry, exit *descriptor.RelayInfo, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return e.Circuit.Extend(exit, logger)
}

// ProcessCookieSet handles an incoming COOKIE_SET for e: it completes
// the path to the shared exit and sends JOIN carrying the session
// cookie, advancing e to PENDING_JOIN.
func ProcessCookieSet(sess *session.Session, e *subcirc.Entry, exit *descriptor.RelayInfo, cfg Config) error {
	if e.State != subcirc.StatePendingCookie {
		return fmt.Errorf("%w: COOKIE_SET received for sub-circuit not awaiting cookie (state=%s)", splitkind.ErrProtocol, e.State)
	}

	if err := AppendCpath(e, exit, cfg); err != nil {
		return fmt.Errorf("client: append path to exit: %w", err)
	}

	if err := e.ChangeState(subcirc.StatePendingJoin); err != nil {
		return err
	}

	if err := e.Circuit.SendRelay(circuit.RelaySplitJoin, 0, sess.Cookie[:]); err != nil {
		return fmt.Errorf("client: send JOIN: %w", err)
	}
	return nil
}

// ProcessJoined handles an incoming JOINED for e, carrying the assigned
// sub-circuit ID in joinedPayload[0]. It adds e to sess.Subcircs,
// transitioning it to ADDED.
//
// Open Question resolution (spec §9 "sub-circuit count overflow"): the
// admission check here is the inclusive current+1 <= MaxSubcircs, not
// the original's exclusive num >= MAX_SUBCIRCS (which off-by-one
// rejects a session at exactly MaxSubcircs-1 existing sub-circuits even
// though adding one more would exactly fill the list).
func ProcessJoined(sess *session.Session, e *subcirc.Entry, joinedPayload []byte) error {
	if e.State != subcirc.StatePendingJoin {
		return fmt.Errorf("%w: JOINED received for sub-circuit not awaiting join", splitkind.ErrProtocol)
	}
	if len(joinedPayload) < 1 {
		return fmt.Errorf("%w: JOINED payload too short", splitkind.ErrProtocol)
	}
	if sess.Subcircs.Count()+1 > split.MaxSubcircs {
		return fmt.Errorf("%w: admitting joined sub-circuit would exceed MaxSubcircs (%d)", splitkind.ErrCapacityExceeded, split.MaxSubcircs)
	}

	id := split.SubcircID(joinedPayload[0])
	if err := sess.Subcircs.Add(e, id); err != nil {
		return err
	}
	sess.ClearPending()
	return nil
}

// Finalise admits sess for split traffic once enough sub-circuits have
// joined and none are still mid-handshake: added_count >=
// configured_subcircs_per_circ and pending_count == 0 (spec §4.F). On
// admission it ends the current page load (ResetStrategyState) and
// pre-emits NumSplitInstructions instructions per direction — the first
// draws a fresh Dirichlet weight vector, the rest reuse it, which
// strategy.State's UsePrev flag already gives for free once
// ResetStrategyState has cleared it. Finalise is a no-op, not an error,
// when the session isn't admissible yet or is already final; callers
// that launch sub-circuits one at a time are expected to call it again
// after each handshake resolves.
func Finalise(sess *session.Session) error {
	if sess.IsFinal {
		return nil
	}
	if sess.Subcircs.Count() < sess.ConfiguredSubcircs || sess.Pending != 0 {
		return nil
	}

	sess.ResetStrategyState()
	for _, dir := range [2]session.Direction{session.In, session.Out} {
		for i := 0; i < split.NumSplitInstructions; i++ {
			if err := sess.GenerateInstruction(dir); err != nil {
				return fmt.Errorf("client: finalise: pre-emit instruction: %w", err)
			}
		}
	}
	sess.IsFinal = true
	return nil
}
