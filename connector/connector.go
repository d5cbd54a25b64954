// Package connector implements the consuming side of the Connector
// plug-in descriptor (spec.md §6, expanded in SPEC_FULL.md §8.2):
// dynamically loading a third-party phys.Provider implementation from a
// shared library, without cgo, via github.com/ebitengine/purego — the
// same dlopen-based binding technique the teacher uses for its
// Cocoa/X11 bindings (internal/gowin/window).
//
// This is the *consuming* side only. Exposing this module's own core to
// other languages is a separate, out-of-scope concern (spec.md §1).
package connector

import (
	"fmt"
	"log/slog"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/phys"
	"github.com/memtrace/vat/vaterr"
)

// Args is the parsed form of a connector's opaque argument string
// (spec.md §6: "an opaque argument string... parses the argument string
// into a connector-args record before invoking the user factory").
type Args map[string]string

// ParseArgs parses a "key=value,key2=value2" argument string. An empty
// string parses to an empty, non-nil Args.
func ParseArgs(s string) (Args, error) {
	args := make(Args)
	if s == "" {
		return args, nil
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, vaterr.New(vaterr.KindInitialization, fmt.Sprintf("connector: malformed argument %q", pair))
		}
		args[kv[0]] = kv[1]
	}
	return args, nil
}

// The canonical C-ABI symbol names every connector shared library must
// export to be loadable here.
const (
	symCreate   = "vat_connector_create"
	symRead     = "vat_connector_read"
	symWrite    = "vat_connector_write"
	symMetadata = "vat_connector_metadata"
	symClone    = "vat_connector_clone"
	symDrop     = "vat_connector_drop"
)

// cItem mirrors phys.ReadItem/phys.WriteItem in a C-compatible layout:
// an 8-byte physical address, a pointer to the byte buffer, and the
// buffer's length.
type cItem struct {
	Addr uint64
	Buf  unsafe.Pointer
	Len  uint64
}

// Descriptor is the versioned record naming one connector and its bound
// entry points. Name/Version are informational; the function pointers
// are what Handle calls through.
type Descriptor struct {
	Name    string
	Version string

	create   func(args *byte, logLevel int32) uintptr
	read     func(handle uintptr, items unsafe.Pointer, count int32) int32
	write    func(handle uintptr, items unsafe.Pointer, count int32) int32
	metadata func(handle uintptr, outSize *uint64, outMaxAddr *uint64) int32
	clone    func(handle uintptr) uintptr
	drop     func(handle uintptr)
}

// Handle is a loaded, created connector instance. It implements
// phys.Provider, so a dynamically loaded backend drops into a
// vmctx.Context exactly like phys/fakeprovider does in tests.
type Handle struct {
	desc   *Descriptor
	lib    uintptr
	handle uintptr
	log    *slog.Logger
}

// Load dlopens path, binds the six canonical connector symbols, parses
// argString, and invokes create with the given slog-equivalent log
// level. A null handle from create, or a malformed argString, is
// reported as a KindInitialization error; the loader never lets a
// panic cross the ABI boundary into the shared library.
func Load(path, argString string, level slog.Level, log *slog.Logger) (h *Handle, err error) {
	if log == nil {
		log = slog.Default()
	}

	args, err := ParseArgs(argString)
	if err != nil {
		return nil, err
	}

	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, vaterr.Wrap(vaterr.KindInitialization, fmt.Sprintf("connector: dlopen %q", path), err)
	}

	desc := &Descriptor{Name: path}
	purego.RegisterLibFunc(&desc.create, lib, symCreate)
	purego.RegisterLibFunc(&desc.read, lib, symRead)
	purego.RegisterLibFunc(&desc.write, lib, symWrite)
	purego.RegisterLibFunc(&desc.metadata, lib, symMetadata)
	purego.RegisterLibFunc(&desc.clone, lib, symClone)
	purego.RegisterLibFunc(&desc.drop, lib, symDrop)

	cArgs := encodeArgs(args)

	defer func() {
		if r := recover(); r != nil {
			log.Error("connector: create panicked across ABI boundary", "path", path, "recover", r)
			err = vaterr.New(vaterr.KindInitialization, fmt.Sprintf("connector: create panicked: %v", r))
		}
	}()

	handle := desc.create(cArgs, int32(level))
	if handle == 0 {
		return nil, vaterr.New(vaterr.KindInitialization, fmt.Sprintf("connector: %q returned a null handle", path))
	}

	log.Debug("connector: loaded", "path", path, "args", args)
	return &Handle{desc: desc, lib: lib, handle: handle, log: log}, nil
}

func encodeArgs(args Args) *byte {
	var sb strings.Builder
	first := true
	for k, v := range args {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	b := append([]byte(sb.String()), 0)
	return &b[0]
}

// Close releases the connector handle via its drop entry point. It does
// not unload the shared library (purego provides no portable dlclose
// equivalent the teacher's own bindings rely on either).
func (h *Handle) Close() {
	if h.handle != 0 {
		h.desc.drop(h.handle)
		h.handle = 0
	}
}

func (h *Handle) ReadAt(items []phys.ReadItem) ([]error, error) {
	cItems := make([]cItem, len(items))
	for i, it := range items {
		cItems[i] = cItem{Addr: uint64(it.Addr), Buf: bufPointer(it.Buf), Len: uint64(len(it.Buf))}
	}
	rc := h.desc.read(h.handle, unsafe.Pointer(&cItems[0]), int32(len(cItems)))
	if rc != 0 {
		return nil, vaterr.New(vaterr.KindConnector, fmt.Sprintf("connector: read returned code %d", rc))
	}
	return make([]error, len(items)), nil
}

func (h *Handle) WriteAt(items []phys.WriteItem) ([]error, error) {
	cItems := make([]cItem, len(items))
	for i, it := range items {
		cItems[i] = cItem{Addr: uint64(it.Addr), Buf: bufPointer(it.Buf), Len: uint64(len(it.Buf))}
	}
	rc := h.desc.write(h.handle, unsafe.Pointer(&cItems[0]), int32(len(cItems)))
	if rc != 0 {
		return nil, vaterr.New(vaterr.KindConnector, fmt.Sprintf("connector: write returned code %d", rc))
	}
	return make([]error, len(items)), nil
}

func (h *Handle) Metadata() (phys.Metadata, error) {
	var size, maxAddr uint64
	rc := h.desc.metadata(h.handle, &size, &maxAddr)
	if rc != 0 {
		return phys.Metadata{}, vaterr.New(vaterr.KindConnector, fmt.Sprintf("connector: metadata returned code %d", rc))
	}
	return phys.Metadata{Size: addr.Length(size), MaxAddress: addr.Address(maxAddr)}, nil
}

func bufPointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

var _ phys.Provider = (*Handle)(nil)
