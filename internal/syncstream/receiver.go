package syncstream

import (
	"errors"
	"time"

	"github.com/postalsys/roamshell/internal/fragment"
	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/wire"
)

// ErrProtocolVersionMismatch is returned when an inbound Instruction names
// a protocol version this receiver does not speak.
var ErrProtocolVersionMismatch = errors.New("syncstream: protocol version mismatch")

// DatagramResult reports what processing an inbound datagram accomplished,
// for logging and for the orchestrator's ack-scheduling decision.
type DatagramResult struct {
	AckNum        uint64 // the peer's ack_num observed in this datagram; valid only when FragmentDone is set
	StateAdvanced bool   // received_states gained a new entry
	NeedsAck      bool   // an ack-only datagram should be sent within AckInterval
	FragmentDone  bool   // a fragment completed an instruction this call (even if stale)
}

// Receiver applies inbound diffs to a replicated state and exposes the
// newest reconstructed value.
type Receiver struct {
	receivedStates []TimestampedState
	assembly       *fragment.Assembly
	emptyTmpl      state.State
	lastHeard      time.Time
	onStateUpdated func(state.State)
	protoVersion   uint32
}

// NewReceiver creates a Receiver whose history starts at the canonical
// empty state.
func NewReceiver(empty state.State, protocolVersion uint32) *Receiver {
	return &Receiver{
		receivedStates: []TimestampedState{{Timestamp: time.Now(), Num: 0, State: empty.Clone()}},
		assembly:       fragment.NewAssembly(),
		emptyTmpl:      empty.Clone(),
		protoVersion:   protocolVersion,
	}
}

// OnStateUpdated registers a hook invoked whenever received_states gains a
// new entry.
func (r *Receiver) OnStateUpdated(fn func(state.State)) {
	r.onStateUpdated = fn
}

// NewestNum returns the highest state number fully reconstructed so far.
func (r *Receiver) NewestNum() uint64 {
	return r.receivedStates[len(r.receivedStates)-1].Num
}

// GetLatestState returns the newest reconstructed state.
func (r *Receiver) GetLatestState() state.State {
	return r.receivedStates[len(r.receivedStates)-1].State
}

// LastHeard returns the wall time of the last fragment accepted here.
func (r *Receiver) LastHeard() time.Time {
	return r.lastHeard
}

// OnFragment feeds one fragment into the reassembly buffer. When it
// completes an instruction, the instruction is decoded and applied via
// ApplyInstruction. now is used both to timestamp a freshly reconstructed
// state and to update lastHeard.
func (r *Receiver) OnFragment(now time.Time, f *fragment.Fragment) (DatagramResult, error) {
	r.lastHeard = now

	complete, err := r.assembly.AddFragment(f)
	if err != nil {
		return DatagramResult{}, err
	}
	if !complete {
		return DatagramResult{}, nil
	}

	instr, err := r.assembly.Reassemble()
	if err != nil {
		return DatagramResult{}, err
	}

	result, err := r.ApplyInstruction(now, instr)
	result.FragmentDone = true
	return result, err
}

// ApplyInstruction applies one fully decoded Instruction: version check,
// staleness check, baseline lookup, diff application, throwaway pruning.
func (r *Receiver) ApplyInstruction(now time.Time, instr *wire.Instruction) (DatagramResult, error) {
	if instr.ProtocolVersion != r.protoVersion {
		return DatagramResult{}, ErrProtocolVersionMismatch
	}

	result := DatagramResult{AckNum: instr.AckNum}

	if instr.NewNum <= r.NewestNum() {
		// Duplicate or stale: still honor the ack observation, nothing else.
		return result, nil
	}

	var clone state.State
	for _, ts := range r.receivedStates {
		if ts.Num == instr.OldNum {
			clone = ts.State.Clone()
			break
		}
	}
	if clone == nil {
		if instr.OldNum != 0 {
			// Sender assumed a baseline we never had or have pruned;
			// discard the diff but still honor the ack.
			return result, nil
		}
		// num 0 is reserved for the canonical empty state and is always
		// reconstructible, even after throwaway pruning: a sender resets
		// an unrecoverable direction by diffing against it.
		clone = r.emptyTmpl.Clone()
	}
	if len(instr.Diff) > 0 {
		if err := clone.ApplyString(instr.Diff); err != nil {
			return result, err
		}
	} else if !instr.IsHeartbeat() {
		// Non-heartbeat with an empty diff still advances the state number
		// (e.g. a fully-acked no-op tick); nothing to apply.
	} else {
		return result, nil
	}

	r.receivedStates = append(r.receivedStates, TimestampedState{Timestamp: now, Num: instr.NewNum, State: clone})
	r.pruneBelow(instr.ThrowawayNum)

	result.StateAdvanced = true
	result.NeedsAck = true

	if r.onStateUpdated != nil {
		r.onStateUpdated(clone)
	}
	return result, nil
}

// ThrowawayFloor returns the oldest retained state number, the value a
// paired Sender may in turn advertise to let the peer prune further back.
func (r *Receiver) ThrowawayFloor() uint64 {
	return r.receivedStates[0].Num
}

func (r *Receiver) pruneBelow(floor uint64) {
	keepFrom := 0
	for i, ts := range r.receivedStates {
		if ts.Num < floor && i < len(r.receivedStates)-1 {
			keepFrom = i + 1
		} else {
			break
		}
	}
	if keepFrom > 0 {
		r.receivedStates = r.receivedStates[keepFrom:]
	}
}

// ReceivedStatesLen reports the current size of the received-state
// history, for metrics and tests.
func (r *Receiver) ReceivedStatesLen() int {
	return len(r.receivedStates)
}
