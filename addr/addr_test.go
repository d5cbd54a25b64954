package addr

import "testing"

func TestNullArithmetic(t *testing.T) {
	if got := Null.Add(0x1000); got != Null {
		t.Fatalf("Null.Add(0x1000) = %v, want Null", got)
	}
}

func TestAlignDownUp(t *testing.T) {
	a := Address(0x1234)
	if got := a.AlignDown(0x1000); got != Address(0x1000) {
		t.Fatalf("AlignDown = %v, want 0x1000", got)
	}
	if got := a.AlignUp(0x1000); got != Address(0x2000) {
		t.Fatalf("AlignUp = %v, want 0x2000", got)
	}
	if got := Address(0x1000).AlignUp(0x1000); got != Address(0x1000) {
		t.Fatalf("AlignUp of already-aligned = %v, want 0x1000", got)
	}
}

func TestOffset(t *testing.T) {
	if got := Address(0x1234).Offset(0x1000); got != Length(0x234) {
		t.Fatalf("Offset = %v, want 0x234", got)
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Start: 0x1000, Len: 0x1000}
	b := Range{Start: 0x1800, Len: 0x100}
	c := Range{Start: 0x2000, Len: 0x100}

	if !a.Overlaps(b) {
		t.Fatalf("expected overlap between %v and %v", a, b)
	}
	if a.Overlaps(c) {
		t.Fatalf("did not expect overlap between %v and %v", a, c)
	}
	if a.End() != Address(0x2000) {
		t.Fatalf("End = %v, want 0x2000", a.End())
	}
}
