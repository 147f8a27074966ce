package state

import "testing"

func gridWithText(rows, cols int, text string, cursor Cursor) *FrameState {
	f := NewFrameState(rows, cols)
	i := 0
	for r := 0; r < rows && i < len(text); r++ {
		for c := 0; c < cols && i < len(text); c++ {
			f.SetCell(r, c, rune(text[i]))
			i++
		}
	}
	f.SetCursor(cursor)
	return f
}

func TestFrameStateRoundTripLaw(t *testing.T) {
	r := gridWithText(3, 10, "hello", Cursor{0, 5})
	s := gridWithText(3, 10, "hello world", Cursor{1, 1})

	diff := s.DiffFrom(r, -1)
	got := r.Clone().(*FrameState)
	if err := got.ApplyString(diff); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if !got.Equal(s) {
		t.Fatal("round trip failed for same-dimension delta diff")
	}
}

func TestFrameStateRoundTripAcrossDimensions(t *testing.T) {
	r := gridWithText(2, 5, "ab", Cursor{0, 0})
	s := gridWithText(4, 20, "a whole new frame", Cursor{2, 3})

	diff := s.DiffFrom(r, -1)
	got := r.Clone().(*FrameState)
	if err := got.ApplyString(diff); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if !got.Equal(s) {
		t.Fatal("round trip failed across differing dimensions (expected full dump)")
	}
}

func TestFrameStateInitDiff(t *testing.T) {
	s := gridWithText(2, 4, "xy", Cursor{0, 2})
	fresh := NewFrameState(2, 4)
	if err := fresh.ApplyString(s.InitDiff()); err != nil {
		t.Fatalf("ApplyString: %v", err)
	}
	if !fresh.Equal(s) {
		t.Fatal("init diff round trip failed")
	}
}

func TestFrameStateDeltaIsSmallerThanFullDump(t *testing.T) {
	r := gridWithText(20, 80, "", Cursor{0, 0})
	s := r.Clone().(*FrameState)
	s.SetCell(0, 0, 'X')

	delta := s.DiffFrom(r, -1)
	full := s.encodeFull(-1)
	if len(delta) >= len(full) {
		t.Fatalf("expected delta diff (%d bytes) to be smaller than full dump (%d bytes)", len(delta), len(full))
	}
}

func TestFrameStateEqual(t *testing.T) {
	a := gridWithText(2, 2, "ab", Cursor{0, 1})
	b := gridWithText(2, 2, "ab", Cursor{0, 1})
	if !a.Equal(b) {
		t.Fatal("expected equal frames")
	}

	c := gridWithText(2, 2, "ab", Cursor{1, 1})
	if a.Equal(c) {
		t.Fatal("frames with different cursors must not be equal")
	}
}

func TestFrameStateSubtractIsNoOp(t *testing.T) {
	a := gridWithText(2, 2, "ab", Cursor{0, 0})
	before := a.Clone()
	a.Subtract(gridWithText(2, 2, "zz", Cursor{1, 1}))
	if !a.Equal(before) {
		t.Fatal("Subtract must be a no-op for FrameState")
	}
}
