// Package winproc implements the OS Process View: given a StartBlock and
// a populated Win32Offsets, it walks the kernel's EPROCESS list and each
// process's module list, yielding ProcessInfo/ModuleInfo records and the
// process-scoped Virtual Memory Contexts needed to read inside them
// (spec.md §4.6, supplemented per SPEC_FULL.md §6.6a/§6.7).
package winproc

import (
	"fmt"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
	"github.com/memtrace/vat/pagecache"
	"github.com/memtrace/vat/vaterr"
	"github.com/memtrace/vat/vmctx"
)

// Win32Offsets is the fixed-shape offsets record spec.md §6 describes,
// injected by the caller from an external source (a PDB, a known-version
// table) and treated as immutable. Zero for EprocWow64 means this OS
// version has no WoW64; detection is skipped (spec.md §6).
type Win32Offsets struct {
	EprocPid   addr.Length // _EPROCESS.UniqueProcessId
	EprocName  addr.Length // _EPROCESS.ImageFileName ([16]byte)
	EprocWow64 addr.Length // _EPROCESS.WoW64Process; zero = no WoW64 on this OS
	EprocPeb   addr.Length // _EPROCESS.Peb
	EprocLinks addr.Length // _EPROCESS.ActiveProcessLinks (a _LIST_ENTRY)
	KprocDtb   addr.Length // _KPROCESS.DirectoryTableBase

	PebLdrX64 addr.Length // _PEB64.Ldr
	PebLdrX86 addr.Length // _PEB32.Ldr
	LdrListX64 addr.Length // _PEB_LDR_DATA64.InLoadOrderModuleList
	LdrListX86 addr.Length // _PEB_LDR_DATA32.InLoadOrderModuleList

	// Module-entry offsets (supplemented per SPEC_FULL.md §6.6a: the
	// distilled spec's Win32Offsets stops at the module-list head).
	// ModLinks is the same offset in both bitnesses — InLoadOrderLinks is
	// the first field of _LDR_DATA_TABLE_ENTRY.
	ModLinks          addr.Length
	ModDllBaseX64     addr.Length
	ModDllBaseX86     addr.Length
	ModSizeOfImageX64 addr.Length
	ModSizeOfImageX86 addr.Length
	ModFullDllNameX64 addr.Length // offset of the UNICODE_STRING struct
	ModFullDllNameX86 addr.Length
	ModBaseDllNameX64 addr.Length
	ModBaseDllNameX86 addr.Length
}

// ProcessInfo is one snapshotted process, per spec.md §3.
type ProcessInfo struct {
	EProcess addr.Address

	PID  int32
	Name string

	DTB   addr.Address
	WoW64 addr.Address
	PEB   addr.Address

	// ModuleListHead is the sentinel InLoadOrderModuleList entry, the
	// symmetric one-level-in anchor for Modules (spec.md §4.6 step 5).
	ModuleListHead addr.Address

	SysArch  arch.ID
	ProcArch arch.ID
}

// ModuleInfo is one entry of a process's module list (supplemented,
// SPEC_FULL.md §6.6a).
type ModuleInfo struct {
	Base     addr.Address
	Size     addr.Length
	BaseName string
	FullName string
}

const maxWalkSteps = 1 << 20 // defensive bound against a corrupt/cyclic list

// Processes walks the EPROCESS ring starting at firstEprocess (the head
// resolved from PsActiveProcessHead/equivalent, spec.md §4.6 step 1),
// following ActiveProcessLinks.Blink and normalizing each entry by
// subtracting the field offset (step 2), stopping when the walk returns
// to the anchor (Testable Property 8). ctx must be bound to the system
// DTB and system architecture (kernel-space reads only).
func Processes(ctx *vmctx.Context, off Win32Offsets, firstEprocess addr.Address) ([]ProcessInfo, error) {
	sysArch := ctx.TranslationArch.ID
	blinkOffset := off.EprocLinks + ctx.TranslationArch.PointerWidth

	var out []ProcessInfo
	seen := make(map[addr.Address]bool)

	cur := firstEprocess
	for steps := 0; !cur.IsNull(); steps++ {
		if steps >= maxWalkSteps {
			return nil, vaterr.New(vaterr.KindTranslation, "winproc: process list did not terminate within the step bound")
		}
		if seen[cur] {
			break
		}
		seen[cur] = true

		info, err := readProcessInfo(ctx, off, cur, sysArch)
		if err != nil {
			return nil, err
		}
		out = append(out, info)

		next, err := ctx.VirtReadAddr(cur.Add(blinkOffset), pagecache.PageReadOnly)
		if err != nil {
			return nil, err
		}
		if !next.IsNull() {
			next = subtract(next, off.EprocLinks)
		}
		if next == firstEprocess {
			next = addr.Null
		}
		cur = next
	}
	return out, nil
}

func subtract(a addr.Address, l addr.Length) addr.Address {
	return addr.Address(uint64(a) - uint64(l))
}

func readProcessInfo(ctx *vmctx.Context, off Win32Offsets, eprocess addr.Address, sysArch arch.ID) (ProcessInfo, error) {
	pid, err := ctx.VirtReadI32(eprocess.Add(off.EprocPid), pagecache.PageReadOnly)
	if err != nil {
		return ProcessInfo{}, err
	}
	name, err := ctx.VirtReadCstr(eprocess.Add(off.EprocName), 16, pagecache.PageReadOnly)
	if err != nil {
		return ProcessInfo{}, err
	}
	dtb, err := ctx.VirtReadAddr(eprocess.Add(off.KprocDtb), pagecache.PageReadOnly)
	if err != nil {
		return ProcessInfo{}, err
	}

	var wow64 addr.Address
	if off.EprocWow64 != 0 {
		wow64, err = ctx.VirtReadAddr(eprocess.Add(off.EprocWow64), pagecache.PageReadOnly)
		if err != nil {
			return ProcessInfo{}, err
		}
	}

	// WoW64 architecture selection, Testable Property 9.
	procArch := sysArch
	if sysArch == arch.X64 {
		if !wow64.IsNull() {
			procArch = arch.X86
		}
	} else {
		procArch = arch.X86
	}

	var peb addr.Address
	if !wow64.IsNull() {
		// The WoW64Process pointer's first field is the 32-bit PEB.
		peb, err = ctx.VirtReadAddr(wow64, pagecache.PageReadOnly)
	} else {
		peb, err = ctx.VirtReadAddr(eprocess.Add(off.EprocPeb), pagecache.PageReadOnly)
	}
	if err != nil {
		return ProcessInfo{}, err
	}

	info := ProcessInfo{
		EProcess: eprocess,
		PID:      pid,
		Name:     name,
		DTB:      dtb,
		WoW64:    wow64,
		PEB:      peb,
		SysArch:  sysArch,
		ProcArch: procArch,
	}

	if !peb.IsNull() && !dtb.IsNull() {
		procCtx, procArchDesc, ok := newProcessContext(ctx, off, info)
		if ok {
			ldrOff, listOff := ldrOffsets(off, procArchDesc.ID)
			ldr, err := procCtx.VirtReadAddr(peb.Add(ldrOff), pagecache.PageReadOnly)
			if err == nil && !ldr.IsNull() {
				info.ModuleListHead = ldr.Add(listOff)
			}
		}
	}

	return info, nil
}

// newProcessContext builds the process-scoped context used for PEB/Ldr
// reads: translation always happens through the system architecture's
// paging (the CPU's actual page-table format never changes for WoW64),
// while byte interpretation uses the process architecture (spec.md §4.4
// type-arch vs translation-arch distinction).
func newProcessContext(sysCtx *vmctx.Context, off Win32Offsets, p ProcessInfo) (*vmctx.Context, arch.Architecture, bool) {
	procArchDesc, ok := arch.New(p.ProcArch)
	if !ok {
		return nil, arch.Architecture{}, false
	}
	ctx := vmctx.WithProcArch(sysCtx.Provider, sysCtx.TranslationArch, procArchDesc, p.DTB, nil)
	if sysCtx.Cache != nil {
		ctx = ctx.WithCache(sysCtx.Cache)
	}
	return ctx, procArchDesc, true
}

func ldrOffsets(off Win32Offsets, procArch arch.ID) (ldrOff, listOff addr.Length) {
	if procArch == arch.X64 {
		return off.PebLdrX64, off.LdrListX64
	}
	return off.PebLdrX86, off.LdrListX86
}

// ProcessByPID returns the process matching pid, or a Not-Found error
// (spec.md §4.7, §7).
func ProcessByPID(procs []ProcessInfo, pid int32) (ProcessInfo, error) {
	for _, p := range procs {
		if p.PID == pid {
			return p, nil
		}
	}
	return ProcessInfo{}, vaterr.New(vaterr.KindNotFound, fmt.Sprintf("winproc: no process with pid %d", pid))
}

// ProcessByName returns the first process whose name matches exactly, or
// a Not-Found error.
func ProcessByName(procs []ProcessInfo, name string) (ProcessInfo, error) {
	for _, p := range procs {
		if p.Name == name {
			return p, nil
		}
	}
	return ProcessInfo{}, vaterr.New(vaterr.KindNotFound, fmt.Sprintf("winproc: no process named %q", name))
}

// Modules walks p's InLoadOrderModuleList (SPEC_FULL.md §6.6a) forward,
// following each entry's Flink (the first pointer of the list entry) and
// normalizing each entry by subtracting ModLinks, terminating when the
// walk returns to the sentinel head (Testable Property 10).
func Modules(sysCtx *vmctx.Context, off Win32Offsets, p ProcessInfo) ([]ModuleInfo, error) {
	if p.ModuleListHead.IsNull() {
		return nil, nil
	}
	procCtx, procArchDesc, ok := newProcessContext(sysCtx, off, p)
	if !ok {
		return nil, vaterr.New(vaterr.KindInitialization, fmt.Sprintf("winproc: unsupported process architecture %v", p.ProcArch))
	}

	dllBaseOff, sizeOff, fullNameOff, baseNameOff := moduleFieldOffsets(off, procArchDesc.ID)

	var out []ModuleInfo
	seen := make(map[addr.Address]bool)
	cur := p.ModuleListHead
	for steps := 0; ; steps++ {
		if steps >= maxWalkSteps {
			return nil, vaterr.New(vaterr.KindTranslation, "winproc: module list did not terminate within the step bound")
		}
		next, err := procCtx.VirtReadAddr(cur, pagecache.PageReadOnly)
		if err != nil {
			return nil, err
		}
		if next.IsNull() || next == p.ModuleListHead || seen[next] {
			break
		}
		seen[next] = true

		entry := subtract(next, off.ModLinks)
		mod, err := readModuleInfo(procCtx, procArchDesc, entry, dllBaseOff, sizeOff, fullNameOff, baseNameOff)
		if err != nil {
			return nil, err
		}
		out = append(out, mod)
		cur = next
	}
	return out, nil
}

func moduleFieldOffsets(off Win32Offsets, procArch arch.ID) (dllBase, size, fullName, baseName addr.Length) {
	if procArch == arch.X64 {
		return off.ModDllBaseX64, off.ModSizeOfImageX64, off.ModFullDllNameX64, off.ModBaseDllNameX64
	}
	return off.ModDllBaseX86, off.ModSizeOfImageX86, off.ModFullDllNameX86, off.ModBaseDllNameX86
}

func readModuleInfo(ctx *vmctx.Context, procArch arch.Architecture, entry addr.Address, dllBaseOff, sizeOff, fullNameOff, baseNameOff addr.Length) (ModuleInfo, error) {
	base, err := ctx.VirtReadAddr(entry.Add(dllBaseOff), pagecache.PageReadOnly)
	if err != nil {
		return ModuleInfo{}, err
	}
	size32, err := ctx.VirtReadI32(entry.Add(sizeOff), pagecache.PageReadOnly)
	if err != nil {
		return ModuleInfo{}, err
	}
	fullName, err := readUnicodeString(ctx, entry.Add(fullNameOff), procArch)
	if err != nil {
		return ModuleInfo{}, err
	}
	baseName, err := readUnicodeString(ctx, entry.Add(baseNameOff), procArch)
	if err != nil {
		return ModuleInfo{}, err
	}
	return ModuleInfo{
		Base:     base,
		Size:     addr.Length(uint32(size32)),
		FullName: fullName,
		BaseName: baseName,
	}, nil
}

// readUnicodeString reads a UNICODE_STRING {Length u16, MaximumLength
// u16, [padding on 64-bit], Buffer ptr} at structAddr and decodes its
// wide-char Buffer via virt_read_wstr.
func readUnicodeString(ctx *vmctx.Context, structAddr addr.Address, procArch arch.Architecture) (string, error) {
	lenBuf := make([]byte, 2)
	if err := ctx.VirtReadRawInto(structAddr, lenBuf, pagecache.PageReadOnly); err != nil {
		return "", err
	}
	strLen := int(uint16(lenBuf[0]) | uint16(lenBuf[1])<<8)

	bufferOff := addr.Length(8)
	if procArch.PointerWidth == 4 {
		bufferOff = addr.Length(4)
	}
	buffer, err := ctx.VirtReadAddr(structAddr.Add(bufferOff), pagecache.PageReadOnly)
	if err != nil {
		return "", err
	}
	if buffer.IsNull() || strLen == 0 {
		return "", nil
	}
	return ctx.VirtReadWstr(buffer, strLen, pagecache.PageReadOnly)
}
