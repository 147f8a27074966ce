package state

import "testing"

func TestByteStateRoundTripLaw(t *testing.T) {
	cases := []struct{ r, s string }{
		{"", "hello"},
		{"hel", "hello"},
		{"hello", "hello"},
		{"hello", "hi"},     // not a prefix relationship
		{"xyz", ""},         // s shorter than r entirely
		{"", ""},
	}

	for _, tc := range cases {
		r := NewByteState([]byte(tc.r))
		s := NewByteState([]byte(tc.s))

		diff := s.DiffFrom(r, -1)
		got := r.Clone().(*ByteState)
		if err := got.ApplyString(diff); err != nil {
			t.Fatalf("r=%q s=%q: ApplyString: %v", tc.r, tc.s, err)
		}
		if !got.Equal(s) {
			t.Fatalf("r=%q s=%q: round trip failed, got %q", tc.r, tc.s, got.Bytes())
		}
	}
}

func TestByteStateInitDiff(t *testing.T) {
	s := NewByteState([]byte("ls\n"))
	fresh := NewByteState(nil)
	if err := fresh.ApplyString(s.InitDiff()); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if !fresh.Equal(s) {
		t.Fatalf("init diff round trip failed: got %q", fresh.Bytes())
	}
}

func TestByteStateDiffTruncation(t *testing.T) {
	r := NewByteState(nil)
	s := NewByteState([]byte("0123456789"))

	diff := s.DiffFrom(r, 4)
	if len(diff) != 4 {
		t.Fatalf("expected truncated diff of length 4, got %d", len(diff))
	}

	// A truncated diff is still applicable; it just doesn't carry
	// everything yet.
	got := r.Clone().(*ByteState)
	if err := got.ApplyString(diff); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if len(got.Bytes()) == 0 {
		t.Fatal("expected partial content from a truncated diff")
	}
}

func TestByteStateSubtract(t *testing.T) {
	s := NewByteState([]byte("hello world"))
	s.Subtract(NewByteState([]byte("hello ")))
	if string(s.Bytes()) != "world" {
		t.Fatalf("Subtract left %q, want %q", s.Bytes(), "world")
	}

	// Subtracting a non-prefix must be a no-op.
	s2 := NewByteState([]byte("abc"))
	s2.Subtract(NewByteState([]byte("xyz")))
	if string(s2.Bytes()) != "abc" {
		t.Fatalf("Subtract of a non-prefix modified content: got %q", s2.Bytes())
	}
}

func TestByteStateAppendAndEqual(t *testing.T) {
	a := NewByteState([]byte("ab"))
	a.Append([]byte("c"))
	b := NewByteState([]byte("abc"))
	if !a.Equal(b) {
		t.Fatal("expected equal ByteStates after Append")
	}
}
