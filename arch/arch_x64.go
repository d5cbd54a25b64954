package arch

import "github.com/memtrace/vat/addr"

const (
	x64PageSize  = addr.Length(4 * 1024)
	x64PDSize    = addr.Length(2 * 1024 * 1024)
	x64PDPTSize  = addr.Length(1024 * 1024 * 1024)
	x64EntrySize = addr.Length(8)

	x64PhysMask     = uint64(0x000F_FFFF_FFFF_F000)
	x64PDLargeMask  = uint64(0x000F_FFFF_FFE0_0000)
	x64PDPTHugeMask = uint64(0x000F_FFFF_C000_0000)

	// x64CanonicalHoleLow/High bound the non-canonical gap in a 48-bit
	// virtual address space: bits [63:48] must all equal bit 47.
	x64CanonicalHoleLow  = uint64(0x0000_8000_0000_0000)
	x64CanonicalHoleHigh = uint64(0xFFFF_7FFF_FFFF_FFFF)
)

func newX64() Architecture {
	return Architecture{
		ID:           X64,
		PointerWidth: 8,
		Endian:       LittleEndian,
		PageSize:     x64PageSize,
		Levels: []Level{
			{Name: "PML4E", IndexShift: 39, IndexBits: 9, EntrySize: x64EntrySize},
			{Name: "PDPTE", IndexShift: 30, IndexBits: 9, EntrySize: x64EntrySize, LeafPageSize: x64PDPTSize},
			{Name: "PDE", IndexShift: 21, IndexBits: 9, EntrySize: x64EntrySize, LeafPageSize: x64PDSize},
			{Name: "PTE", IndexShift: 12, IndexBits: 9, EntrySize: x64EntrySize, LeafPageSize: x64PageSize},
		},
	}
}

// IsCanonical reports whether va falls in the canonical range for a
// 48-bit x64 virtual address space (bits 63:48 sign-extending bit 47).
func IsCanonical(va addr.Address) bool {
	v := uint64(va)
	return v < x64CanonicalHoleLow || v > x64CanonicalHoleHigh
}

func decodeX64(entry uint64, level int, a Architecture) Decoded {
	if entry&x86PresentBit == 0 {
		return Decoded{Present: false}
	}

	switch level {
	case 0: // PML4E: never a leaf.
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & x64PhysMask)}
	case 1: // PDPTE
		if entry&x86PSBit != 0 {
			return Decoded{Present: true, Leaf: true, LargePage: true, PhysPage: addr.Address(entry & x64PDPTHugeMask)}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & x64PhysMask)}
	case 2: // PDE
		if entry&x86PSBit != 0 {
			return Decoded{Present: true, Leaf: true, LargePage: true, PhysPage: addr.Address(entry & x64PDLargeMask)}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & x64PhysMask)}
	case 3: // PTE
		return Decoded{Present: true, Leaf: true, PhysPage: addr.Address(entry & x64PhysMask)}
	default:
		return Decoded{Present: false}
	}
}
