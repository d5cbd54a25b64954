package kernel

import (
	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
)

// LocateX64 scans window for a 4 KiB-aligned x64 PML4 (4-level, 8-byte
// entry) root: one of its 512 entries self-references the candidate's
// own physical page (the recursive-mapping trick both Windows and Linux
// use), and a non-trivial number of its upper-half entries — index ≥ 256,
// the PML4 slots backing canonical addresses at or above
// 0xFFFF8000_00000000 — are present (spec.md §4.5).
func LocateX64(window []byte, base addr.Address) (StartBlock, bool) {
	const (
		entrySize        = 8
		entriesPerPage   = pageSize / entrySize
		kernelHalfStart  = 256 // PML4 index for 0xFFFF8000_00000000
		minKernelEntries = 16
		presentBit       = 0x1
		writableBit      = 0x2
		physMask         = 0x000F_FFFF_FFFF_F000
	)

	for p := 0; p+pageSize <= len(window); p += pageSize {
		pageBase := uint64(base) + uint64(p)

		selfRef := false
		kernelEntries := 0
		for i := 0; i < entriesPerPage; i++ {
			entry, ok := readUint64(window, p+i*entrySize)
			if !ok {
				break
			}
			if entry&presentBit == 0 {
				continue
			}
			if i >= kernelHalfStart {
				kernelEntries++
			}
			if entry&physMask == pageBase && entry&writableBit != 0 {
				selfRef = true
			}
		}

		if !selfRef || kernelEntries < minKernelEntries {
			continue
		}

		return StartBlock{
			Arch: arch.X64,
			DTB:  addr.Address(pageBase),
		}, true
	}
	return StartBlock{}, false
}
