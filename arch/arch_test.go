package arch

import (
	"testing"

	"github.com/memtrace/vat/addr"
)

func TestNewKnownIDs(t *testing.T) {
	for _, id := range []ID{X86, X86PAE, X64, AArch64} {
		if _, ok := New(id); !ok {
			t.Fatalf("New(%v) reported unsupported", id)
		}
	}
}

func TestX86LargePage(t *testing.T) {
	a, _ := New(X86)
	// PDE with present + PS set, 4MiB-aligned PFN.
	entry := uint64(0x00800000) | x86PresentBit | x86PSBit
	d := a.Decode(entry, 0)
	if !d.Present || !d.Leaf || !d.LargePage {
		t.Fatalf("decode = %+v, want present leaf large page", d)
	}
	if d.PhysPage != addr.Address(0x00800000) {
		t.Fatalf("PhysPage = %v, want 0x800000", d.PhysPage)
	}
}

func TestX86NotPresent(t *testing.T) {
	a, _ := New(X86)
	d := a.Decode(0, 0)
	if d.Present {
		t.Fatalf("decode of zero entry reported present")
	}
}

func TestX64FourLevelWalkShape(t *testing.T) {
	a, _ := New(X64)
	if len(a.Levels) != 4 {
		t.Fatalf("len(Levels) = %d, want 4", len(a.Levels))
	}

	// A PML4E is never a leaf even with garbage high bits set.
	d := a.Decode(0x1000|x86PresentBit, 0)
	if d.Leaf {
		t.Fatalf("PML4E decoded as leaf")
	}

	// A PD entry with PS set is a 2MiB leaf.
	d = a.Decode(0x0000000000200000|x86PresentBit|x86PSBit, 2)
	if !d.Leaf || !d.LargePage || d.PhysPage != addr.Address(0x200000) {
		t.Fatalf("2MiB PDE decode = %+v", d)
	}
}

func TestX64CanonicalRange(t *testing.T) {
	if !IsCanonical(0x0000000000001000) {
		t.Fatalf("low canonical address rejected")
	}
	if IsCanonical(0x0000800000000000) {
		t.Fatalf("first non-canonical address accepted")
	}
	if !IsCanonical(0xFFFF800000001000) {
		t.Fatalf("high canonical address rejected")
	}
}

func TestAArch64BlockAndPage(t *testing.T) {
	a, _ := New(AArch64)

	// L2 block descriptor (2MiB).
	d := a.Decode(0x0000000000200000|arm64DescBlock, 2)
	if !d.Leaf || !d.LargePage {
		t.Fatalf("L2 block decode = %+v, want leaf large page", d)
	}

	// L3 must be a page descriptor (0b11); 0b01 is invalid there.
	d = a.Decode(0x0000000000003000|arm64DescBlock, 3)
	if d.Present {
		t.Fatalf("L3 block-encoded descriptor treated as present")
	}

	d = a.Decode(0x0000000000003000|arm64DescTable, 3)
	if !d.Present || !d.Leaf || d.LargePage {
		t.Fatalf("L3 page decode = %+v", d)
	}
}

func TestLevelIndex(t *testing.T) {
	a, _ := New(X64)
	va := addr.Address(0xFFFF800000401000)
	// PML4 index bits [47:39].
	if idx := a.Levels[0].Index(va); idx != 256 {
		t.Fatalf("PML4 index = %d, want 256", idx)
	}
}
