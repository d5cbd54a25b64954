package kernel

import (
	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
)

// LocateX86PAE scans window for a 4 KiB-aligned x86-PAE root (the
// 4-entry PDPT occupying the first 32 bytes of the page, pointing to
// 8-byte-entry page directories). Structurally analogous to LocateX86
// (spec.md §4.5: "respecting 8-byte entries and PAE self-reference
// position"):
//
//   - byte 0 equals 0x67,
//   - the self-referencing entry at offset 0xC00 (an 8-byte PDE slot,
//     matching the x86 scanner's byte offset so the two scans can run
//     over the same window shape) points back to the candidate's own
//     physical base with flags 0x3,
//   - at least 17 of the 8-byte entries past offset 0x200 have their low
//     byte equal to 0x63 or 0xE3.
func LocateX86PAE(window []byte, base addr.Address) (StartBlock, bool) {
	const (
		selfRefOffset = 0xC00
		scanStart     = 0x200
		minSignatures = 17
		selfRefFlags  = 0x3
	)

	for p := 0; p+pageSize <= len(window); p += pageSize {
		if window[p] != 0x67 {
			continue
		}

		selfRef, ok := readUint64(window, p+selfRefOffset)
		if !ok {
			continue
		}
		pageBase := uint64(base) + uint64(p)
		const physMask = 0x000F_FFFF_FFFF_F000
		if selfRef&physMask != pageBase || selfRef&selfRefFlags != selfRefFlags {
			continue
		}

		signatures := 0
		for off := scanStart; off+8 <= pageSize; off += 8 {
			entry, ok := readUint64(window, p+off)
			if !ok {
				break
			}
			low := byte(entry)
			if low == 0x63 || low == 0xE3 {
				signatures++
			}
		}
		if signatures < minSignatures {
			continue
		}

		return StartBlock{
			Arch: arch.X86PAE,
			DTB:  addr.Address(pageBase),
		}, true
	}
	return StartBlock{}, false
}
