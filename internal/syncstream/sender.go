// Package syncstream implements the transport sender and receiver that
// replicate a State across an unreliable datagram link by exchanging
// Instructions: diffs computed against the most recently acknowledged
// baseline, numbered so either side can detect staleness and prune
// history.
package syncstream

import (
	"errors"
	"time"

	"github.com/postalsys/roamshell/internal/fragment"
	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/wire"
)

const (
	// SendIntervalMin and SendIntervalMax bound the pacing interval
	// between non-heartbeat sends.
	SendIntervalMin = 20 * time.Millisecond
	SendIntervalMax = 250 * time.Millisecond

	// HeartbeatInterval is the maximum idle time before a heartbeat is due.
	HeartbeatInterval = 3 * time.Second

	// AckInterval is the maximum delay before an ack-only datagram follows
	// a newly reconstructed remote state.
	AckInterval = 100 * time.Millisecond

	// maxSentStates is the hard cap on unacknowledged history before the
	// session is considered unrecoverable.
	maxSentStates = 256

	// maxFragmentsPerInstruction bounds how much of a diff a single tick
	// will attempt to send, so that diff_limit remains "a function of
	// MTU" rather than unbounded.
	maxFragmentsPerInstruction = 64
)

// ErrSentStatesOverflow is returned when the unacknowledged-state history
// exceeds its hard cap because the peer is withholding acks.
var ErrSentStatesOverflow = errors.New("syncstream: sent_states exceeded hard cap, session unrecoverable")

// TimestampedState pairs a state number with the State value it identified
// at the time it was sent or received.
type TimestampedState struct {
	Timestamp time.Time
	Num       uint64
	State     state.State
}

// Sender owns one direction's replicated state history and produces
// Instructions describing how it has changed.
type Sender struct {
	sentStates   []TimestampedState
	assumedIdx   int
	emptyTmpl    state.State
	current      state.State
	nextInstrID  uint64
	lastSendTime time.Time
	mtu          int
}

// NewSender creates a Sender whose replicated history starts at the
// canonical empty state.
func NewSender(empty state.State, mtu int) *Sender {
	now := time.Now()
	return &Sender{
		sentStates:   []TimestampedState{{Timestamp: now, Num: 0, State: empty.Clone()}},
		emptyTmpl:    empty.Clone(),
		current:      empty.Clone(),
		mtu:          mtu,
		lastSendTime: now,
	}
}

// SetCurrentState replaces the live local state, e.g. after a keystroke or
// a terminal frame update.
func (s *Sender) SetCurrentState(cur state.State) {
	s.current = cur
}

// CurrentState returns the live local state.
func (s *Sender) CurrentState() state.State {
	return s.current
}

// assumed returns the baseline the peer is assumed to hold.
func (s *Sender) assumed() TimestampedState {
	return s.sentStates[s.assumedIdx]
}

// PacingInterval returns the minimum interval the caller should wait
// between non-heartbeat ticks, derived from the connection's SRTT.
func PacingInterval(srtt time.Duration) time.Duration {
	interval := srtt / 2
	if interval < SendIntervalMin {
		return SendIntervalMin
	}
	if interval > SendIntervalMax {
		return SendIntervalMax
	}
	return interval
}

// Tick evaluates whether a new Instruction should be sent. peerAckNum
// comes from this endpoint's Receiver on the other direction's state (the
// highest state number we have already received from the peer), and is
// embedded so the peer's Sender for that direction can prune its own
// history. heartbeatDue indicates the pacing/heartbeat timer has elapsed.
// It returns the Instruction to send (nil if nothing is due) and an error
// only when the unacknowledged-state history has overflowed its hard cap.
//
// ThrowawayNum is derived from this Sender's own retained baseline rather
// than from the paired Receiver:
// it tells the peer's Receiver for this same direction that nothing
// earlier than our oldest retained sent-state will ever be referenced
// again as an old_num, so it may prune its received_states accordingly.
func (s *Sender) Tick(now time.Time, peerAckNum uint64, heartbeatDue bool) (*wire.Instruction, error) {
	// Nothing has changed since the last send and no heartbeat is due:
	// do not re-derive the same diff under a fresh number while the ack
	// is still in flight.
	tail := s.sentStates[len(s.sentStates)-1]
	if s.current.Equal(tail.State) && !heartbeatDue {
		return nil, nil
	}

	baseline := s.assumed()

	if s.current.Equal(baseline.State) {
		if !heartbeatDue {
			return nil, nil
		}
		s.lastSendTime = now
		return &wire.Instruction{
			ProtocolVersion: wire.ProtocolVersion,
			OldNum:          baseline.Num,
			NewNum:          baseline.Num,
			AckNum:          peerAckNum,
			ThrowawayNum:    s.sentStates[0].Num,
		}, nil
	}

	limit := diffLimit(s.mtu)
	diff := s.current.DiffFrom(baseline.State, limit)

	s.nextInstrID++
	newNum := s.nextInstrID
	instr := &wire.Instruction{
		ProtocolVersion: wire.ProtocolVersion,
		OldNum:          baseline.Num,
		NewNum:          newNum,
		AckNum:          peerAckNum,
		ThrowawayNum:    s.sentStates[0].Num,
		Diff:            diff,
	}

	s.sentStates = append(s.sentStates, TimestampedState{Timestamp: now, Num: newNum, State: s.current.Clone()})
	s.lastSendTime = now

	if len(s.sentStates) > maxSentStates {
		return instr, ErrSentStatesOverflow
	}
	return instr, nil
}

// OnAck advances the assumed peer baseline after observing ackNum from an
// inbound Instruction. If ackNum references a state this sender has
// already pruned, the direction is reset to the canonical empty state.
func (s *Sender) OnAck(ackNum uint64) {
	best := -1
	for i, ts := range s.sentStates {
		if ts.Num <= ackNum {
			best = i
		} else {
			break
		}
	}

	if best < 0 {
		now := time.Now()
		s.sentStates = []TimestampedState{{Timestamp: now, Num: 0, State: s.emptyTmpl.Clone()}}
		s.assumedIdx = 0
		return
	}

	s.sentStates = s.sentStates[best:]
	s.assumedIdx = 0
}

// MakeFragments fragments instr for transmission, ready for sealing.
func (s *Sender) MakeFragments(instr *wire.Instruction) ([]*fragment.Fragment, error) {
	return fragment.MakeFragments(instr, s.mtu)
}

// LastSendTime returns the wall-clock time of the most recent send.
func (s *Sender) LastSendTime() time.Time {
	return s.lastSendTime
}

// SentStatesLen reports the current size of the sent-state history (the
// assumed peer baseline plus every newer state), for metrics and tests.
func (s *Sender) SentStatesLen() int {
	return len(s.sentStates)
}

func diffLimit(mtu int) int {
	payload := fragment.PayloadLimit(mtu)
	if payload <= 0 {
		return 0
	}
	limit := payload * maxFragmentsPerInstruction
	if limit < 0 { // overflow guard for pathological MTUs
		return payload
	}
	return limit
}
