// Package middle implements the relay-side responder half of the
// cookie/join handshake (spec §4.G), grounded on splitor.c.
package middle

import (
	"fmt"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/instruction"
	"github.com/cvsouth/splitcore/split/session"
	"github.com/cvsouth/splitcore/split/splitkind"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// CookieIndex maps a session's cookie to its Session record, letting an
// arriving JOIN on an unrelated circuit be matched back to the session
// it should merge into. Grounded on splitor.c's process-wide cookie
// hash table; backed by a plain Go map rather than a custom keyed hash
// table, since Go's map already randomizes its internal seed per
// process (see DESIGN.md).
type CookieIndex struct {
	byCookie map[[split.SplitCookieLen]byte]*session.Session
}

// NewCookieIndex returns an empty cookie index.
func NewCookieIndex() *CookieIndex {
	return &CookieIndex{byCookie: make(map[[split.SplitCookieLen]byte]*session.Session)}
}

// ProcessSetCookie registers sess under cookie, arriving as the payload
// of a SET_COOKIE relay cell on sess's base circuit. A collision with
// an existing registration (the 2^-160-odds pigeonhole case the
// original explicitly handles) invalidates the earlier registration:
// its cookie can no longer be joined, since a stale match would merge
// traffic into the wrong session.
func (idx *CookieIndex) ProcessSetCookie(sess *session.Session, cookie [split.SplitCookieLen]byte) error {
	if existing, ok := idx.byCookie[cookie]; ok && existing != sess {
		existing.CookieState = session.CookieInvalid
	}
	sess.Cookie = cookie
	sess.CookieState = session.CookieValid
	idx.byCookie[cookie] = sess
	return nil
}

// Lookup resolves a cookie to its session, failing with ErrCookieStale
// if the cookie is unknown or was invalidated by a collision.
func (idx *CookieIndex) Lookup(cookie [split.SplitCookieLen]byte) (*session.Session, error) {
	sess, ok := idx.byCookie[cookie]
	if !ok || sess.CookieState != session.CookieValid {
		return nil, fmt.Errorf("%w: cookie not recognized", splitkind.ErrCookieStale)
	}
	return sess, nil
}

// lowestFreeID returns the smallest sub-circuit ID (never 0, which is
// permanently reserved for the base circuit) not currently occupied in
// scl, or an error if the list is already at MaxSubcircs.
func lowestFreeID(scl *subcirc.List) (split.SubcircID, error) {
	for id := split.SubcircID(1); int(id) < split.MaxSubcircs; id++ {
		if !scl.ContainsID(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no free sub-circuit id (%d already in use)", splitkind.ErrCapacityExceeded, split.MaxSubcircs)
}

// ProcessJoin handles a JOIN relay cell arriving on joiningCirc, whose
// payload carries the cookie identifying the session to merge into.
// On success, joiningCirc is wrapped in a new sub-circuit entry, added
// to the session's list at the lowest free ID, and that ID is returned
// for the caller to echo back in a JOINED reply. Grounded on splitor.c's
// join handler.
func ProcessJoin(idx *CookieIndex, joiningCirc *circuit.Circuit, payload []byte) (*subcirc.Entry, split.SubcircID, error) {
	if len(payload) < split.SplitCookieLen {
		return nil, 0, fmt.Errorf("%w: JOIN payload too short", splitkind.ErrProtocol)
	}
	var cookie [split.SplitCookieLen]byte
	copy(cookie[:], payload[:split.SplitCookieLen])

	sess, err := idx.Lookup(cookie)
	if err != nil {
		return nil, 0, err
	}
	if sess.MarkedForClose {
		return nil, 0, fmt.Errorf("%w: session is closing", splitkind.ErrSessionClosing)
	}

	id, err := lowestFreeID(sess.Subcircs)
	if err != nil {
		return nil, 0, err
	}

	e := subcirc.NewEntry(joiningCirc)
	if err := sess.Subcircs.Add(e, id); err != nil {
		return nil, 0, fmt.Errorf("middle: add joined sub-circuit: %w", err)
	}
	return e, id, nil
}

// ProcessInstruction decodes an incoming SPLIT_INSTRUCTION (or, via the
// same wire shape, SPLIT_INFO) relay cell's payload and appends it to
// sess's queue for dir, the direction traffic described by this
// instruction should flow in. Every referenced sub-circuit ID must
// already be a member of sess.Subcircs, mirroring splitor.c's
// split_process_instruction_cell validation before accepting an
// instruction from a peer. SPLIT_INFO carries the same payload shape as
// SPLIT_INSTRUCTION (spec §6); callers distinguish them by relay
// command and choose dir accordingly, so one decoder serves both.
func ProcessInstruction(sess *session.Session, dir session.Direction, payload []byte) error {
	ids, err := instruction.Decode(payload)
	if err != nil {
		return fmt.Errorf("%w: decode instruction: %v", splitkind.ErrProtocol, err)
	}
	inst := instruction.NewInstruction(ids)
	if err := instruction.Check(inst, sess.Subcircs.ContainsID); err != nil {
		return err
	}
	return sess.Queue(dir).Append(inst)
}

// DecreaseRemainingRelayEarly reports the RELAY_EARLY budget c has left
// after accounting for one more cell it is about to forward, without
// itself sending anything: a read-only companion to RewriteRelayEarly
// for callers that need to decide whether forwarding is still possible
// before committing to it.
func DecreaseRemainingRelayEarly(c *circuit.Circuit) int {
	remaining := RemainingRelayEarly(c)
	if remaining <= 0 {
		return 0
	}
	return remaining - 1
}

// RewriteRelayEarly rewrites an EXTEND2 payload that a sub-circuit is
// forwarding past this relay, converting it back to an ordinary
// RELAY_EARLY send on the outgoing hop and decrementing the remaining
// RELAY_EARLY budget the same way any other relay-taught EXTEND2 would.
// Grounded on splitcommon.c's split_process_relay_cell dispatch for
// RELAY_EARLY-carrying cells, reusing circuit.Circuit.SendRelayEarly's
// existing budget bookkeeping instead of re-implementing it.
func RewriteRelayEarly(outgoing *circuit.Circuit, payload []byte) error {
	if err := outgoing.SendRelayEarly(payload); err != nil {
		return fmt.Errorf("%w: %v", splitkind.ErrCapacityExceeded, err)
	}
	return nil
}

// RemainingRelayEarly reports how many more RELAY_EARLY cells c may
// forward before its budget (tor-spec §5.6, circuit.MaxRelayEarly) is
// exhausted.
func RemainingRelayEarly(c *circuit.Circuit) int {
	remaining := circuit.MaxRelayEarly - c.RelayEarlySent
	if remaining < 0 {
		return 0
	}
	return remaining
}
