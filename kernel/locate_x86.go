package kernel

import (
	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
)

// LocateX86 scans window, a contiguous physical region starting at base,
// for a 4 KiB-aligned x86 (2-level, 4-byte entry) page directory. A
// candidate page at offset p is a DTB if:
//
//   - byte 0 equals 0x67,
//   - the self-referencing PDE at offset 0xC00 points back to the
//     candidate's own physical base with flags 0x3 (present|writable),
//   - at least 17 of the 4-byte entries past offset 0x200 have their low
//     byte equal to 0x63 or 0xE3 (present-and-large / present-global).
//
// The first match wins (spec.md §4.5).
func LocateX86(window []byte, base addr.Address) (StartBlock, bool) {
	const (
		selfRefOffset  = 0xC00
		scanStart      = 0x200
		minSignatures  = 17
		selfRefFlags   = 0x3
		selfRefFlagsOK = 0xFFF // flag bits cleared before comparing the base address
	)

	for p := 0; p+pageSize <= len(window); p += pageSize {
		if window[p] != 0x67 {
			continue
		}

		selfRef, ok := readUint32(window, p+selfRefOffset)
		if !ok {
			continue
		}
		pageBase := uint64(base) + uint64(p)
		if uint64(selfRef)&^uint64(selfRefFlagsOK) != pageBase || uint64(selfRef)&selfRefFlags != selfRefFlags {
			continue
		}

		signatures := 0
		for off := scanStart; off+4 <= pageSize; off += 4 {
			entry, ok := readUint32(window, p+off)
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
			Arch: arch.X86,
			DTB:  addr.Address(pageBase),
		}, true
	}
	return StartBlock{}, false
}
