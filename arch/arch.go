// Package arch holds the architecture descriptors the VAT engine walks
// against: pure data describing page sizes per level, pointer width,
// endianness, and page-table layout for the four supported schemes.
//
// Per the tagged-variant design note, Architecture is a single struct
// carrying an ID tag plus its level table; the bit-level decode rules
// that differ per scheme live in one file per ID (arch_x86.go,
// arch_x86pae.go, arch_x64.go, arch_arm64.go) and are dispatched by
// Architecture.Decode switching on ID, rather than through an interface
// hierarchy.
package arch

import "github.com/memtrace/vat/addr"

// ID tags one of the four supported address-translation schemes.
type ID int

const (
	X86 ID = iota
	X86PAE
	X64
	AArch64
)

func (id ID) String() string {
	switch id {
	case X86:
		return "x86"
	case X86PAE:
		return "x86-pae"
	case X64:
		return "x64"
	case AArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// Endian tags byte order. Every scheme this module supports is
// little-endian in practice, but the field is carried explicitly per the
// data model rather than assumed.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

// Level describes one level of a multi-level page-table walk: the bit
// range of the virtual address it indexes, its entry size, and the size
// of the leaf page it terminates into if this level can be a leaf.
type Level struct {
	Name string

	// IndexShift is the bit position of the low bit of this level's index
	// field within the virtual address.
	IndexShift uint
	// IndexBits is the width of the index field.
	IndexBits uint

	EntrySize addr.Length

	// LeafPageSize is the size of the page this level maps when it
	// terminates the walk (as a large/huge/block page). Zero if this
	// level can never be a leaf.
	LeafPageSize addr.Length
}

// Index extracts this level's table index out of a virtual address.
func (l Level) Index(va addr.Address) uint64 {
	mask := uint64(1)<<l.IndexBits - 1
	return (uint64(va) >> l.IndexShift) & mask
}

// Architecture is the immutable, pure-data descriptor for one
// address-translation scheme.
type Architecture struct {
	ID ID

	// PointerWidth is the width, in bytes, of a native pointer when this
	// architecture is used as a *type* architecture (see vmctx's
	// type-arch vs translation-arch distinction).
	PointerWidth addr.Length

	Endian Endian

	// PageSize is the smallest (non-large) leaf page size.
	PageSize addr.Length

	// Levels is ordered top-down: Levels[0] is the root table (indexed by
	// the DTB), Levels[len-1] is the leaf page-table level.
	Levels []Level
}

// RootLevel returns the index of the top-most (root-table) level.
func (a Architecture) RootLevel() int { return 0 }

// LeafLevel returns the index of the final (page-table, never-large)
// level.
func (a Architecture) LeafLevel() int { return len(a.Levels) - 1 }

// EntryCount returns the number of entries in any table at this level
// (every table at a level is the same size: one page, divided by entry
// size).
func (a Architecture) EntryCount(level int) int {
	return int(uint64(a.PageSize) / uint64(a.Levels[level].EntrySize))
}

// PageOffset returns the byte offset of virtual address va within its
// containing page of the given leaf size.
func (a Architecture) PageOffset(va addr.Address, pageSize addr.Length) addr.Length {
	return va.Offset(pageSize)
}

// Decoded is the result of decoding one page-table entry at one level.
type Decoded struct {
	Present bool
	// Leaf is true if this entry terminates the walk (a normal PTE at the
	// leaf level, or a large/huge/block page at a higher level).
	Leaf bool
	// LargePage is true if Leaf is true and this is a higher-than-leaf
	// level (i.e. the page is larger than Architecture.PageSize).
	LargePage bool
	// PhysPage is the physical page-aligned address this entry points to:
	// the next-level table when !Leaf, the mapped page when Leaf.
	PhysPage addr.Address
}

// Decode interprets entry, an EntrySize-d little/big-endian value already
// read from table row Levels[level].Index(va), per this architecture's bit
// layout.
func (a Architecture) Decode(entry uint64, level int) Decoded {
	switch a.ID {
	case X86:
		return decodeX86(entry, level, a)
	case X86PAE:
		return decodeX86PAE(entry, level, a)
	case X64:
		return decodeX64(entry, level, a)
	case AArch64:
		return decodeAArch64(entry, level, a)
	default:
		return Decoded{}
	}
}

// New returns the descriptor for id.
func New(id ID) (Architecture, bool) {
	switch id {
	case X86:
		return newX86(), true
	case X86PAE:
		return newX86PAE(), true
	case X64:
		return newX64(), true
	case AArch64:
		return newAArch64(), true
	default:
		return Architecture{}, false
	}
}
