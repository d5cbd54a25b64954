package arch

import "github.com/memtrace/vat/addr"

const (
	arm64PageSize  = addr.Length(4 * 1024)
	arm64L2Block   = addr.Length(2 * 1024 * 1024)
	arm64L1Block   = addr.Length(1024 * 1024 * 1024)
	arm64EntrySize = addr.Length(8)

	arm64OutputMask = uint64(0x0000_FFFF_FFFF_F000)

	// Descriptor type, bits [1:0].
	arm64DescInvalid = 0b00
	arm64DescBlock   = 0b01
	arm64DescTable   = 0b11
)

func newAArch64() Architecture {
	return Architecture{
		ID:           AArch64,
		PointerWidth: 8,
		Endian:       LittleEndian,
		PageSize:     arm64PageSize,
		Levels: []Level{
			{Name: "L0", IndexShift: 39, IndexBits: 9, EntrySize: arm64EntrySize},
			{Name: "L1", IndexShift: 30, IndexBits: 9, EntrySize: arm64EntrySize, LeafPageSize: arm64L1Block},
			{Name: "L2", IndexShift: 21, IndexBits: 9, EntrySize: arm64EntrySize, LeafPageSize: arm64L2Block},
			{Name: "L3", IndexShift: 12, IndexBits: 9, EntrySize: arm64EntrySize, LeafPageSize: arm64PageSize},
		},
	}
}

func decodeAArch64(entry uint64, level int, a Architecture) Decoded {
	descType := entry & 0x3
	if descType == arm64DescInvalid {
		return Decoded{Present: false}
	}

	phys := addr.Address(entry & arm64OutputMask)

	switch level {
	case 0:
		// L0 never blocks; only a table descriptor is meaningful here.
		if descType != arm64DescTable {
			return Decoded{Present: false}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: phys}
	case 1, 2:
		if descType == arm64DescBlock {
			return Decoded{Present: true, Leaf: true, LargePage: true, PhysPage: phys}
		}
		return Decoded{Present: true, Leaf: false, PhysPage: phys}
	case 3:
		// At the leaf level only the page-descriptor encoding (0b11) is
		// valid; 0b01 ("block") is reserved and treated as not present.
		if descType != arm64DescTable {
			return Decoded{Present: false}
		}
		return Decoded{Present: true, Leaf: true, PhysPage: phys}
	default:
		return Decoded{Present: false}
	}
}
