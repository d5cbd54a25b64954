// Package kernel implements the Kernel Locator: a set of per-architecture
// physical-memory pattern scanners that, given a contiguous low-memory
// window, recover a StartBlock — the architecture and DTB (page-table
// root) needed to begin virtual address translation without any target
// cooperation (spec.md §4.5).
package kernel

import (
	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
)

// StartBlock is the minimal discovery result: which paging scheme the
// target uses and where its root page table lives. KernelHint, when
// non-null, is a physical address near the located kernel image, left
// for a caller that wants to resolve exports from it (spec.md §4.6 step
// 1); the locator itself does not parse PE headers.
type StartBlock struct {
	Arch       arch.ID
	DTB        addr.Address
	KernelHint addr.Address
}

const pageSize = 0x1000

// Locate runs every architecture scanner over window (the bytes of a
// contiguous low-memory region, typically the first 16 MiB of physical
// RAM, starting at physical address base) and returns the first
// StartBlock found. If more than one scanner matches the same window —
// a mixed or ambiguous machine — X64 wins, per spec.md §4.5.
func Locate(window []byte, base addr.Address) (StartBlock, bool) {
	var found []StartBlock
	if sb, ok := LocateX64(window, base); ok {
		found = append(found, sb)
	}
	if sb, ok := LocateX86PAE(window, base); ok {
		found = append(found, sb)
	}
	if sb, ok := LocateX86(window, base); ok {
		found = append(found, sb)
	}
	if len(found) == 0 {
		return StartBlock{}, false
	}
	for _, sb := range found {
		if sb.Arch == arch.X64 {
			return sb, true
		}
	}
	return found[0], true
}

func readUint32(window []byte, off int) (uint32, bool) {
	if off+4 > len(window) {
		return 0, false
	}
	return uint32(window[off]) | uint32(window[off+1])<<8 | uint32(window[off+2])<<16 | uint32(window[off+3])<<24, true
}

func readUint64(window []byte, off int) (uint64, bool) {
	if off+8 > len(window) {
		return 0, false
	}
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(window[off+i])
	}
	return v, true
}
