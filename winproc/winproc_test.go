package winproc

import (
	"testing"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
	"github.com/memtrace/vat/phys/fakeprovider"
	"github.com/memtrace/vat/vmctx"
)

// mapIdentityPage wires dtb -> one 4KiB page so va and every address
// within va's page translates to the identical physical offset
// (phys = va's low 12 bits relative to physBase), letting test fixtures
// place many small structures at fixed virtual offsets without building
// a full multi-page table tree.
func mapIdentityPage(prov *fakeprovider.Provider, dtb, va, physBase addr.Address, nextTable *addr.Address) {
	a, _ := arch.New(arch.X64)
	levels := a.Levels

	parent := dtb
	for li := 0; li < len(levels)-1; li++ {
		idx := levels[li].Index(va)
		child := *nextTable
		*nextTable += 0x1000
		prov.PutUint64(parent.Add(addr.Length(idx*8)), uint64(child)|0x3)
		parent = child
	}
	idx := levels[len(levels)-1].Index(va)
	prov.PutUint64(parent.Add(addr.Length(idx*8)), uint64(physBase)|0x3)
}

// physOf returns the physical address backing va under a mapIdentityPage
// mapping of va's page onto physBase.
func physOf(physBase, va addr.Address) addr.Address {
	return physBase.Add(va.Offset(0x1000))
}

func testOffsets() Win32Offsets {
	return Win32Offsets{
		EprocPid:   0x00,
		EprocName:  0x10,
		EprocWow64: 0, // this synthetic OS has no WoW64
		EprocPeb:   0x20,
		EprocLinks: 0x30,
		KprocDtb:   0x28,

		PebLdrX64:  0x18,
		LdrListX64: 0x10,

		ModLinks:          0x00,
		ModDllBaseX64:     0x10,
		ModSizeOfImageX64: 0x18,
		ModFullDllNameX64: 0x20,
		ModBaseDllNameX64: 0x30,
	}
}

func writeUnicodeString(prov *fakeprovider.Provider, physBase, structAddr, bufferAddr addr.Address, text string) {
	wide := make([]byte, 0, len(text)*2)
	for _, r := range text {
		wide = append(wide, byte(r), byte(r>>8))
	}
	prov.PutUint32(physOf(physBase, structAddr), uint32(len(wide))) // Length (u16) | MaximumLength (u16)
	prov.PutUint64(physOf(physBase, structAddr.Add(8)), uint64(bufferAddr))
	prov.Poke(physOf(physBase, bufferAddr), wide)
}

func TestS6ProcessWalk(t *testing.T) {
	prov := fakeprovider.New(4 * 1024 * 1024)
	dtb := addr.Address(0x1000)
	nextTable := addr.Address(0x10000)
	vaBase := addr.Address(0xFFFF8000_00001000)
	phys := addr.Address(0x200000)
	mapIdentityPage(prov, dtb, vaBase, phys, &nextTable)

	off := testOffsets()
	const recSize = 0x40
	eproc0 := vaBase
	eproc1 := vaBase.Add(recSize)
	eproc2 := vaBase.Add(2 * recSize)

	writeProc := func(base addr.Address, pid int32, name string) {
		prov.PutUint32(physOf(phys, base.Add(off.EprocPid)), uint32(pid))
		prov.Poke(physOf(phys, base.Add(off.EprocName)), append([]byte(name), 0))
	}
	writeProc(eproc0, 4, "system")
	writeProc(eproc1, 500, "svchost")
	writeProc(eproc2, 1234, "notepad")

	// Ring: head(eproc0).Blink -> eproc2.links; eproc2.Blink -> eproc1.links;
	// eproc1.Blink -> eproc0.links (closes back to head).
	blinkOff := off.EprocLinks + 8
	prov.PutUint64(physOf(phys, eproc0.Add(blinkOff)), uint64(eproc2.Add(off.EprocLinks)))
	prov.PutUint64(physOf(phys, eproc2.Add(blinkOff)), uint64(eproc1.Add(off.EprocLinks)))
	prov.PutUint64(physOf(phys, eproc1.Add(blinkOff)), uint64(eproc0.Add(off.EprocLinks)))

	a, _ := arch.New(arch.X64)
	ctx := vmctx.New(prov, a, dtb, nil)

	procs, err := Processes(ctx, off, eproc0)
	if err != nil {
		t.Fatalf("Processes: %v", err)
	}
	if len(procs) != 3 {
		t.Fatalf("got %d processes, want 3: %+v", len(procs), procs)
	}

	seen := map[int32]string{}
	for _, p := range procs {
		seen[p.PID] = p.Name
	}
	want := map[int32]string{4: "system", 500: "svchost", 1234: "notepad"}
	for pid, name := range want {
		if seen[pid] != name {
			t.Fatalf("pid %d: got name %q, want %q (all procs: %+v)", pid, seen[pid], name, procs)
		}
	}
	for _, p := range procs {
		if p.ProcArch != arch.X64 {
			t.Fatalf("pid %d: ProcArch = %v, want X64 (WoW64 disabled on this OS)", p.PID, p.ProcArch)
		}
	}
}

func TestProcessByPIDAndName(t *testing.T) {
	procs := []ProcessInfo{
		{PID: 4, Name: "system"},
		{PID: 500, Name: "svchost"},
	}
	p, err := ProcessByPID(procs, 500)
	if err != nil || p.Name != "svchost" {
		t.Fatalf("ProcessByPID(500) = %+v, %v", p, err)
	}
	if _, err := ProcessByPID(procs, 999); err == nil {
		t.Fatalf("expected Not Found error for missing pid")
	}

	p2, err := ProcessByName(procs, "system")
	if err != nil || p2.PID != 4 {
		t.Fatalf("ProcessByName(system) = %+v, %v", p2, err)
	}
	if _, err := ProcessByName(procs, "nope"); err == nil {
		t.Fatalf("expected Not Found error for missing name")
	}
}

func TestWoW64ArchitectureSelection(t *testing.T) {
	prov := fakeprovider.New(4 * 1024 * 1024)
	dtb := addr.Address(0x1000)
	nextTable := addr.Address(0x10000)
	vaBase := addr.Address(0xFFFF8000_00002000)
	phys := addr.Address(0x300000)
	mapIdentityPage(prov, dtb, vaBase, phys, &nextTable)

	off := testOffsets()
	off.EprocWow64 = 0x40 // this OS version does support WoW64 detection

	const recSize = 0x80
	eprocNative := vaBase
	eprocWow := vaBase.Add(recSize)

	prov.PutUint32(physOf(phys, eprocNative.Add(off.EprocPid)), 10)
	prov.Poke(physOf(phys, eprocNative.Add(off.EprocName)), append([]byte("native"), 0))
	prov.PutUint64(physOf(phys, eprocNative.Add(off.EprocWow64)), 0) // null => native X64

	prov.PutUint32(physOf(phys, eprocWow.Add(off.EprocPid)), 20)
	prov.Poke(physOf(phys, eprocWow.Add(off.EprocName)), append([]byte("wowproc"), 0))
	prov.PutUint64(physOf(phys, eprocWow.Add(off.EprocWow64)), uint64(vaBase.Add(0x400))) // non-null => WoW64

	// Single-entry rings (Blink of the one process points back to itself's head).
	blinkOff := off.EprocLinks + 8
	prov.PutUint64(physOf(phys, eprocNative.Add(blinkOff)), uint64(eprocNative.Add(off.EprocLinks)))
	prov.PutUint64(physOf(phys, eprocWow.Add(blinkOff)), uint64(eprocWow.Add(off.EprocLinks)))

	a, _ := arch.New(arch.X64)
	ctx := vmctx.New(prov, a, dtb, nil)

	nativeProcs, err := Processes(ctx, off, eprocNative)
	if err != nil {
		t.Fatalf("Processes(native): %v", err)
	}
	if nativeProcs[0].ProcArch != arch.X64 {
		t.Fatalf("native process arch = %v, want X64", nativeProcs[0].ProcArch)
	}

	wowProcs, err := Processes(ctx, off, eprocWow)
	if err != nil {
		t.Fatalf("Processes(wow): %v", err)
	}
	if wowProcs[0].ProcArch != arch.X86 {
		t.Fatalf("WoW64 process arch = %v, want X86", wowProcs[0].ProcArch)
	}
}

func TestModuleListWalk(t *testing.T) {
	prov := fakeprovider.New(8 * 1024 * 1024)
	dtb := addr.Address(0x1000)
	nextTable := addr.Address(0x10000)
	vaBase := addr.Address(0xFFFF8000_00003000)
	phys := addr.Address(0x400000)
	mapIdentityPage(prov, dtb, vaBase, phys, &nextTable)

	off := testOffsets()
	headAddr := vaBase.Add(0x000)
	mod1 := vaBase.Add(0x040)
	mod2 := vaBase.Add(0x080)
	mod3 := vaBase.Add(0x0C0)

	prov.PutUint64(physOf(phys, headAddr), uint64(mod1.Add(off.ModLinks)))
	prov.PutUint64(physOf(phys, mod1.Add(off.ModLinks)), uint64(mod2.Add(off.ModLinks)))
	prov.PutUint64(physOf(phys, mod2.Add(off.ModLinks)), uint64(mod3.Add(off.ModLinks)))
	prov.PutUint64(physOf(phys, mod3.Add(off.ModLinks)), uint64(headAddr)) // closes back to head

	writeMod := func(base addr.Address, dllBase uint64, size uint32, fullBuf, baseBuf addr.Address, full, short string) {
		prov.PutUint64(physOf(phys, base.Add(off.ModDllBaseX64)), dllBase)
		prov.PutUint32(physOf(phys, base.Add(off.ModSizeOfImageX64)), size)
		writeUnicodeString(prov, phys, base.Add(off.ModFullDllNameX64), fullBuf, full)
		writeUnicodeString(prov, phys, base.Add(off.ModBaseDllNameX64), baseBuf, short)
	}
	writeMod(mod1, 0x400000, 0x1000, vaBase.Add(0x400), vaBase.Add(0x420), `C:\mod1.dll`, "mod1.dll")
	writeMod(mod2, 0x500000, 0x2000, vaBase.Add(0x440), vaBase.Add(0x460), `C:\mod2.dll`, "mod2.dll")
	writeMod(mod3, 0x600000, 0x3000, vaBase.Add(0x480), vaBase.Add(0x4A0), `C:\mod3.dll`, "mod3.dll")

	a, _ := arch.New(arch.X64)
	ctx := vmctx.New(prov, a, dtb, nil)

	p := ProcessInfo{
		DTB:            dtb,
		ProcArch:       arch.X64,
		SysArch:        arch.X64,
		ModuleListHead: headAddr,
	}
	mods, err := Modules(ctx, off, p)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(mods) != 3 {
		t.Fatalf("got %d modules, want 3: %+v", len(mods), mods)
	}
	if mods[0].BaseName != "mod1.dll" || mods[0].Base != addr.Address(0x400000) {
		t.Fatalf("mods[0] = %+v", mods[0])
	}
	if mods[2].FullName != `C:\mod3.dll` {
		t.Fatalf("mods[2].FullName = %q", mods[2].FullName)
	}
}

func TestModuleListNoPEBYieldsNoModules(t *testing.T) {
	prov := fakeprovider.New(1024 * 1024)
	dtb := addr.Address(0x1000)
	a, _ := arch.New(arch.X64)
	ctx := vmctx.New(prov, a, dtb, nil)

	p := ProcessInfo{ModuleListHead: addr.Null}
	mods, err := Modules(ctx, testOffsets(), p)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if mods != nil {
		t.Fatalf("expected no modules when ModuleListHead is null, got %+v", mods)
	}
}
