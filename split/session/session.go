// Package session implements the per-circuit split session record
// (spec §4.E): cookie/state, the sub-circuit list, the per-direction
// instruction queues, and the "next sub-circuit" dispatch logic shared
// by both the client and middle roles.
package session

import (
	"fmt"

	"github.com/cvsouth/splitcore/circuit"
	"github.com/cvsouth/splitcore/split"
	"github.com/cvsouth/splitcore/split/instruction"
	"github.com/cvsouth/splitcore/split/splitkind"
	"github.com/cvsouth/splitcore/split/strategy"
	"github.com/cvsouth/splitcore/split/subcirc"
)

// Direction distinguishes the two independently-scheduled flows carried
// over a split session (spec §3's "in"/"out" instruction streams).
type Direction int

const (
	In Direction = iota
	Out
)

// CookieState is the three-way cookie handshake state (spec §4.F/§4.G),
// grounded on split_data_st.h's split_cookie_state_t.
type CookieState int

const (
	CookieInvalid CookieState = iota
	CookiePending
	CookieValid
)

// Session is the process-wide split record attached to one base
// circuit: its cookie, the sub-circuit list, and the per-direction
// instruction queues that drive dispatch (spec §4.E, §6).
type Session struct {
	Cookie      [split.SplitCookieLen]byte
	CookieState CookieState

	Base      *circuit.Circuit
	BaseEntry *subcirc.Entry
	Subcircs  *subcirc.List

	Strategy strategy.Name
	// PayloadCap bounds instruction payload size (spec's relay cell body
	// capacity, 509 bytes for the link protocol versions this
	// implementation targets).
	PayloadCap int

	// ConfiguredSubcircs is the target sub-circuit count (including the
	// base) this session was launched with — Finalise's admission gate
	// compares Subcircs.Count() against it (spec §4.F).
	ConfiguredSubcircs int
	// Pending counts sub-circuits mid cookie/join handshake: launched
	// but not yet admitted via client.ProcessJoined. Finalise refuses to
	// run while this is nonzero.
	Pending int
	// IsFinal reports whether Finalise has already admitted this
	// session for split traffic (spec §6 "may_attach_stream").
	IsFinal bool

	// OnInstructionGenerated, if set, is invoked after GenerateInstruction
	// appends a new instruction to dir's queue, letting a caller outside
	// this package (the client binary) announce it to the middle over
	// the wire without entangling this package with circuit/wire
	// concerns.
	OnInstructionGenerated func(dir Direction, ids []split.SubcircID)

	// Notify wakes a stream-layer reader blocked waiting for the next
	// cell to arrive on any sub-circuit; a send is always non-blocking
	// (see Signal), so a reader that misses a signal still finds the
	// cell already buffered on its next poll.
	Notify chan struct{}

	queues        [2]*instruction.Queue
	strategyState [2]strategy.State
	next          [2]*subcirc.Entry

	MarkedForClose bool
}

// New creates a session rooted at base, with base itself registered as
// sub-circuit 0 (spec §3: "the originating circuit is always
// sub-circuit 0"). configuredSubcircs is the target sub-circuit count
// (including base) Finalise admits the session at.
func New(base *circuit.Circuit, strat strategy.Name, payloadCap int, configuredSubcircs int) *Session {
	scl := subcirc.NewList()
	baseEntry := subcirc.NewEntry(base)
	// Sub-circuit 0 is ADDED immediately; it never goes through the
	// cookie/join handshake since it already carries application traffic.
	_ = scl.Add(baseEntry, 0)

	return &Session{
		Base:               base,
		BaseEntry:          baseEntry,
		Subcircs:           scl,
		Strategy:           strat,
		PayloadCap:         payloadCap,
		ConfiguredSubcircs: configuredSubcircs,
		Notify:             make(chan struct{}, 1),
		queues:             [2]*instruction.Queue{instruction.NewQueue(), instruction.NewQueue()},
	}
}

// MarkPending records one more sub-circuit entering the cookie/join
// handshake, gating Finalise until it resolves.
func (s *Session) MarkPending() {
	s.Pending++
}

// ClearPending records one pending sub-circuit's handshake resolving,
// whether it succeeded (ProcessJoined) or was abandoned.
func (s *Session) ClearPending() {
	if s.Pending > 0 {
		s.Pending--
	}
}

// MayAttachStream reports whether the session has been finalised and
// may carry application stream traffic split across its sub-circuits
// (spec §6).
func (s *Session) MayAttachStream() bool {
	return s.IsFinal
}

// Signal wakes any stream-layer reader waiting on Notify. Non-blocking:
// a reader that is not currently waiting simply finds the buffered
// cell on its next poll.
func (s *Session) Signal() {
	select {
	case s.Notify <- struct{}{}:
	default:
	}
}

// Queue returns the instruction queue for dir.
func (s *Session) Queue(dir Direction) *instruction.Queue {
	return s.queues[dir]
}

// GenerateInstruction draws a fresh instruction from the session's
// configured strategy and appends it to dir's queue, grounded on
// splitcommon.c's split_data_generate_instruction.
func (s *Session) GenerateInstruction(dir Direction) error {
	ids, err := strategy.Next(s.Strategy, s.Subcircs, s.PayloadCap, &s.strategyState[dir])
	if err != nil {
		return fmt.Errorf("session: generate instruction: %w", err)
	}
	if err := s.queues[dir].Append(instruction.NewInstruction(ids)); err != nil {
		return err
	}
	if s.OnInstructionGenerated != nil {
		s.OnInstructionGenerated(dir, ids)
	}
	return nil
}

// GetNextSC returns the sub-circuit that the next cell in dir should be
// sent/expected on, without consuming it — a second call returns the
// same entry until UsedSC(dir) is called. Grounded on
// splitcommon.c's split_data_get_next_subcirc:
//   - once MarkedForClose, every call returns the base sub-circuit so
//     that in-flight teardown traffic still has somewhere to go;
//   - otherwise a sticky cache (next[dir]) is consulted first so that
//     repeated calls between UsedSC invocations are idempotent;
//   - failing that, the next id is popped off the head instruction, and
//     if that pop exhausted the head instruction, a fresh one is drawn
//     immediately so the queue is never left empty after a successful
//     pop.
func (s *Session) GetNextSC(dir Direction) (*subcirc.Entry, error) {
	if s.MarkedForClose {
		return s.BaseEntry, nil
	}
	if s.next[dir] != nil {
		return s.next[dir], nil
	}

	id, consumedHead, err := s.queues[dir].NextID()
	if err != nil {
		if err2 := s.GenerateInstruction(dir); err2 != nil {
			return nil, fmt.Errorf("session: no active instruction and replenish failed: %w", err2)
		}
		id, consumedHead, err = s.queues[dir].NextID()
		if err != nil {
			return nil, fmt.Errorf("%w: replenished instruction still empty", splitkind.ErrNoActiveInstruction)
		}
	}

	entry, err := s.Subcircs.Get(id)
	if err != nil || entry == nil {
		return nil, fmt.Errorf("%w: instruction referenced unknown sub-circuit %d", splitkind.ErrProtocol, id)
	}

	if consumedHead {
		if err := s.GenerateInstruction(dir); err != nil {
			return nil, fmt.Errorf("session: replenish after exhaustion: %w", err)
		}
	}

	s.next[dir] = entry
	return entry, nil
}

// UsedSC clears the sticky "next sub-circuit" cache for dir, confirming
// the cell returned by the prior GetNextSC was actually consumed and
// that the following call should advance.
func (s *Session) UsedSC(dir Direction) {
	s.next[dir] = nil
}

// Close marks the session for teardown: all subsequent GetNextSC calls
// route to the base sub-circuit regardless of queue state.
func (s *Session) Close() {
	s.MarkedForClose = true
}

// ResetStrategyState clears the WR/BWR "reuse previous weights" state
// for both directions, ending the current page load (spec §4.D): the
// next instruction generated after this call draws a fresh Dirichlet
// sample instead of reusing the prior one.
func (s *Session) ResetStrategyState() {
	s.strategyState[In] = strategy.State{}
	s.strategyState[Out] = strategy.State{}
}
