package connection

import (
	"testing"
	"time"
)

func TestRTTEstimatorInitialValues(t *testing.T) {
	e := NewRTTEstimator()
	if e.SRTT() != initialSRTT {
		t.Fatalf("initial SRTT = %v, want %v", e.SRTT(), initialSRTT)
	}
}

func TestRTTEstimatorConvergesTowardSamples(t *testing.T) {
	e := NewRTTEstimator()
	for i := 0; i < 50; i++ {
		e.Update(100 * time.Millisecond)
	}
	if d := e.SRTT() - 100*time.Millisecond; d > 2*time.Millisecond || d < -2*time.Millisecond {
		t.Fatalf("SRTT did not converge to 100ms, got %v", e.SRTT())
	}
}

func TestRTTEstimatorFloor(t *testing.T) {
	e := NewRTTEstimator()
	for i := 0; i < 50; i++ {
		e.Update(1 * time.Millisecond)
	}
	if e.SRTT() < rttFloor {
		t.Fatalf("SRTT %v fell below floor %v", e.SRTT(), rttFloor)
	}
}

func TestRTTEstimatorRTOBounded(t *testing.T) {
	e := NewRTTEstimator()
	if e.RTO() < rttFloor {
		t.Fatalf("RTO %v below floor", e.RTO())
	}
}

func TestTimestamp16Wraparound(t *testing.T) {
	var early uint16 = 65500
	var later uint16 = 100 // wrapped around 65536
	diff := TimestampDiff16(early, later)
	if diff != 136 {
		t.Fatalf("wraparound diff = %d, want 136", diff)
	}
}
