package arch

import "github.com/memtrace/vat/addr"

const (
	x86PageSize  = addr.Length(4 * 1024)
	x86LargeSize = addr.Length(4 * 1024 * 1024)
	x86EntrySize = addr.Length(4)
)

func newX86() Architecture {
	return Architecture{
		ID:           X86,
		PointerWidth: 4,
		Endian:       LittleEndian,
		PageSize:     x86PageSize,
		Levels: []Level{
			{Name: "PDE", IndexShift: 22, IndexBits: 10, EntrySize: x86EntrySize, LeafPageSize: x86LargeSize},
			{Name: "PTE", IndexShift: 12, IndexBits: 10, EntrySize: x86EntrySize, LeafPageSize: x86PageSize},
		},
	}
}

const (
	x86PresentBit = 1 << 0
	x86PSBit      = 1 << 7
)

func decodeX86(entry uint64, level int, a Architecture) Decoded {
	if entry&x86PresentBit == 0 {
		return Decoded{Present: false}
	}

	switch level {
	case 0: // PDE
		if entry&x86PSBit != 0 {
			// 4 MiB page: PFN occupies bits [31:22].
			phys := addr.Address(entry & 0xFFC00000)
			return Decoded{Present: true, Leaf: true, LargePage: true, PhysPage: phys}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: addr.Address(entry & 0xFFFFF000)}
	case 1: // PTE
		return Decoded{Present: true, Leaf: true, PhysPage: addr.Address(entry & 0xFFFFF000)}
	default:
		return Decoded{Present: false}
	}
}
