package syncstream

import (
	"errors"
	"testing"
	"time"

	"github.com/postalsys/roamshell/internal/state"
	"github.com/postalsys/roamshell/internal/wire"
)

const testMTU = 1400

func TestSenderQuiescentTickSendsNothing(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)

	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr != nil {
		t.Fatalf("expected no instruction while current equals baseline, got %v", instr)
	}
	if s.SentStatesLen() != 1 {
		t.Fatalf("sent_states grew on a quiescent tick: len=%d", s.SentStatesLen())
	}
}

func TestSenderHeartbeat(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)

	instr, err := s.Tick(time.Now(), 7, true)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr == nil {
		t.Fatal("expected a heartbeat instruction when heartbeatDue is set")
	}
	if !instr.IsHeartbeat() {
		t.Fatalf("expected heartbeat (old==new, empty diff), got %v", instr)
	}
	if instr.AckNum != 7 {
		t.Fatalf("heartbeat must carry the peer ack: got %d, want 7", instr.AckNum)
	}
	if s.SentStatesLen() != 1 {
		t.Fatalf("heartbeat must not grow sent_states: len=%d", s.SentStatesLen())
	}
}

func TestSenderEmitsDiffOnStateChange(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)
	s.SetCurrentState(state.NewByteState([]byte("ls\n")))

	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr == nil {
		t.Fatal("expected an instruction after a state change")
	}
	if instr.OldNum != 0 || instr.NewNum != 1 {
		t.Fatalf("instruction numbering: old=%d new=%d, want old=0 new=1", instr.OldNum, instr.NewNum)
	}
	if len(instr.Diff) == 0 {
		t.Fatal("instruction carries no diff")
	}

	// The diff must rebuild the current state from the baseline.
	rebuilt := state.NewByteState(nil)
	if err := rebuilt.ApplyString(instr.Diff); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if !rebuilt.Equal(s.CurrentState()) {
		t.Fatal("applying the diff to the baseline does not yield the current state")
	}
}

func TestSenderNumbersStrictlyIncrease(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)

	var last uint64
	content := []byte(nil)
	for i := 0; i < 5; i++ {
		content = append(content, byte('a'+i))
		s.SetCurrentState(state.NewByteState(content))
		instr, err := s.Tick(time.Now(), 0, false)
		if err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		if instr.NewNum <= last {
			t.Fatalf("new_num %d not greater than previous %d", instr.NewNum, last)
		}
		last = instr.NewNum
	}
}

func TestSenderDoesNotResendUnchangedStateBeforeAck(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)
	s.SetCurrentState(state.NewByteState([]byte("ls\n")))

	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr == nil {
		t.Fatal("expected an instruction for the first tick after a change")
	}
	lenAfterFirst := s.SentStatesLen()

	// The ack for that send is still in flight; ticking again with an
	// unchanged state must not re-derive the same diff under a new
	// number.
	instr, err = s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if instr != nil {
		t.Fatalf("unchanged state was re-sent before any ack arrived: %v", instr)
	}
	if s.SentStatesLen() != lenAfterFirst {
		t.Fatalf("sent_states grew from %d to %d with no state change", lenAfterFirst, s.SentStatesLen())
	}

	// A due heartbeat is the one thing that may retransmit the pending
	// diff while the ack is outstanding.
	instr, err = s.Tick(time.Now(), 0, true)
	if err != nil {
		t.Fatalf("heartbeat Tick: %v", err)
	}
	if instr == nil || len(instr.Diff) == 0 {
		t.Fatal("expected a heartbeat-driven retransmission of the unacked diff")
	}
}

func TestSenderOnAckPrunesHistory(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)

	// Type three increments without any acks, mirroring the happy-path
	// scenario: "l", "ls", "ls\n".
	for _, content := range []string{"l", "ls", "ls\n"} {
		s.SetCurrentState(state.NewByteState([]byte(content)))
		if _, err := s.Tick(time.Now(), 0, false); err != nil {
			t.Fatalf("Tick(%q): %v", content, err)
		}
	}
	if s.SentStatesLen() != 4 { // sentinel plus three increments
		t.Fatalf("sent_states len = %d, want 4", s.SentStatesLen())
	}

	// Peer acks the middle state: everything older is droppable, but the
	// acked baseline and the newer tail must survive.
	s.OnAck(2)
	if s.SentStatesLen() != 2 {
		t.Fatalf("after ack 2, sent_states len = %d, want 2", s.SentStatesLen())
	}
	if got := s.assumed().Num; got != 2 {
		t.Fatalf("assumed baseline = %d, want 2", got)
	}

	// Peer acks the newest state: history shrinks to a single entry.
	s.OnAck(3)
	if s.SentStatesLen() != 1 {
		t.Fatalf("after final ack, sent_states len = %d, want 1", s.SentStatesLen())
	}

	// Now that current equals the acked baseline, ticks go quiet again.
	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr != nil {
		t.Fatal("expected quiescence once the peer has acked the newest state")
	}
}

func TestSenderOnAckUnknownBaselineResets(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)
	s.SetCurrentState(state.NewByteState([]byte("abc")))
	if _, err := s.Tick(time.Now(), 0, false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	s.OnAck(1) // history is now [1]

	// An ack below every retained entry means the peer references a state
	// we have pruned; the direction resets to the canonical empty state.
	s.OnAck(0)
	if s.SentStatesLen() != 1 {
		t.Fatalf("after reset, sent_states len = %d, want 1", s.SentStatesLen())
	}
	if got := s.assumed().Num; got != 0 {
		t.Fatalf("after reset, assumed baseline = %d, want the num=0 sentinel", got)
	}

	// The next tick re-sends the whole state against num=0.
	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick after reset: %v", err)
	}
	if instr == nil || instr.OldNum != 0 {
		t.Fatalf("expected a full re-send against baseline 0, got %v", instr)
	}
}

func TestSenderOverflowWhenAcksWithheld(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)

	var content []byte
	var overflowed bool
	for i := 0; i < maxSentStates+8; i++ {
		content = append(content, byte('a'+i%26))
		s.SetCurrentState(state.NewByteState(content))
		instr, err := s.Tick(time.Now(), 0, false)
		if instr == nil {
			t.Fatalf("iteration %d: expected an instruction", i)
		}
		if err != nil {
			if !errors.Is(err, ErrSentStatesOverflow) {
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("withholding acks never triggered the sent_states hard cap")
	}
}

func TestSenderFragmentsLargeDiff(t *testing.T) {
	s := NewSender(state.NewByteState(nil), 200)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = byte(i) // incompressible enough to span fragments
	}
	s.SetCurrentState(state.NewByteState(big))

	instr, err := s.Tick(time.Now(), 0, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	frags, err := s.MakeFragments(instr)
	if err != nil {
		t.Fatalf("MakeFragments: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected a multi-fragment instruction, got %d fragments", len(frags))
	}
	for i, f := range frags {
		if f.ID != instr.NewNum {
			t.Fatalf("fragment %d id = %d, want %d", i, f.ID, instr.NewNum)
		}
		if f.Final != (i == len(frags)-1) {
			t.Fatalf("fragment %d final flag wrong", i)
		}
	}
}

func TestPacingIntervalBounds(t *testing.T) {
	cases := []struct {
		srtt time.Duration
		want time.Duration
	}{
		{srtt: 10 * time.Millisecond, want: SendIntervalMin},
		{srtt: 100 * time.Millisecond, want: 50 * time.Millisecond},
		{srtt: 2 * time.Second, want: SendIntervalMax},
	}
	for _, tc := range cases {
		if got := PacingInterval(tc.srtt); got != tc.want {
			t.Fatalf("PacingInterval(%v) = %v, want %v", tc.srtt, got, tc.want)
		}
	}
}

func TestSenderAckNumPassedThrough(t *testing.T) {
	s := NewSender(state.NewByteState(nil), testMTU)
	s.SetCurrentState(state.NewByteState([]byte("x")))

	instr, err := s.Tick(time.Now(), 42, false)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if instr.AckNum != 42 {
		t.Fatalf("instruction ack_num = %d, want 42", instr.AckNum)
	}
	if instr.ProtocolVersion != wire.ProtocolVersion {
		t.Fatalf("instruction protocol version = %d, want %d", instr.ProtocolVersion, wire.ProtocolVersion)
	}
}
