package arch

import "github.com/memtrace/vat/addr"

const (
	x86PAEPageSize  = addr.Length(4 * 1024)
	x86PAELargeSize = addr.Length(2 * 1024 * 1024)
	x86PAEEntrySize = addr.Length(8)

	// x86PAEPhysMask keeps bits [51:12]; PAE physical addresses are wider
	// than 32 bits even though the virtual address stays 32-bit.
	x86PAEPhysMask      = uint64(0x000F_FFFF_FFFF_F000)
	x86PAELargePhysMask = uint64(0x000F_FFFF_FFE0_0000)
)

func newX86PAE() Architecture {
	return Architecture{
		ID:           X86PAE,
		PointerWidth: 4,
		Endian:       LittleEndian,
		PageSize:     x86PAEPageSize,
		Levels: []Level{
			{Name: "PDPTE", IndexShift: 30, IndexBits: 2, EntrySize: x86PAEEntrySize},
			{Name: "PDE", IndexShift: 21, IndexBits: 9, EntrySize: x86PAEEntrySize, LeafPageSize: x86PAELargeSize},
			{Name: "PTE", IndexShift: 12, IndexBits: 9, EntrySize: x86PAEEntrySize, LeafPageSize: x86PAEPageSize},
		},
	}
}

func decodeX86PAE(entry uint64, level int, a Architecture) Decoded {
	if entry&x86PresentBit == 0 {
		return Decoded{Present: false}
	}

	switch level {
	case 0: // PDPTE: never a leaf, no PS bit.
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & x86PAEPhysMask)}
	case 1: // PDE
		if entry&x86PSBit != 0 {
			return Decoded{Present: true, Leaf: true, LargePage: true, PhysPage: addr.Address(entry & x86PAELargePhysMask)}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & x86PAEPhysMask)}
	case 2: // PTE
		return Decoded{Present: true, Leaf: true, PhysPage: addr.Address(entry & x86PAEPhysMask)}
	default:
		return Decoded{Present: false}
	}
}
