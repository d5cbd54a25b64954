// Package vmctx implements the Virtual Memory Context: the binding of a
// VAT engine, a physical provider, an optional page cache, an
// architecture, and a DTB into the one object callers actually read and
// write target memory through (spec.md §4.4).
package vmctx

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
	"github.com/memtrace/vat/pagecache"
	"github.com/memtrace/vat/phys"
	"github.com/memtrace/vat/vaterr"
	"github.com/memtrace/vat/xlate"
)

// Context binds everything one virt_read/virt_write call needs: where to
// translate (TranslationArch + DTB), how to interpret the bytes found
// (TypeArch, which can differ from TranslationArch for a WoW64 process
// per spec.md §4.4), and where physical bytes come from (Provider,
// optionally behind Cache).
//
// A Context is single-owner, mirroring the page cache it usually wraps:
// it holds no lock and must not be shared across goroutines without the
// caller's own synchronization (spec.md §5).
type Context struct {
	Provider phys.Provider
	Cache    *pagecache.Cache // nil disables caching entirely

	// TranslationArch is the paging architecture the VAT engine walks.
	TranslationArch arch.Architecture
	// TypeArch is the architecture used to interpret bytes once
	// translated (pointer width for PEB/struct reads). Equal to
	// TranslationArch unless constructed via WithProcArch.
	TypeArch arch.Architecture

	DTB addr.Address

	engine xlate.Engine
	log    *slog.Logger
}

// New returns a Context translating through a, with TypeArch equal to a.
func New(provider phys.Provider, a arch.Architecture, dtb addr.Address, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		Provider:        provider,
		TranslationArch: a,
		TypeArch:        a,
		DTB:             dtb,
		engine:          xlate.New(a),
		log:             log,
	}
}

// WithProcArch returns a Context translating through translationArch but
// interpreting read bytes using typeArch — the shape spec.md §4.4 calls
// out explicitly for a 32-bit (WoW64) process living under a 64-bit
// kernel's page tables.
func WithProcArch(provider phys.Provider, translationArch, typeArch arch.Architecture, dtb addr.Address, log *slog.Logger) *Context {
	c := New(provider, translationArch, dtb, log)
	c.TypeArch = typeArch
	return c
}

// WithCache returns a copy of c that consults cache before going to the
// physical provider, filling and validating entries as it reads.
func (c *Context) WithCache(cache *pagecache.Cache) *Context {
	cp := *c
	cp.Cache = cache
	return &cp
}

// VirtReadRawInto translates [at, at+len(buf)) and gathers the physical
// bytes into buf. Any untranslatable sub-range fails the whole call with
// the offending virtual address (spec.md §4.4 Failure). pageType tags
// the cache admission bucket these bytes belong to (spec.md §4.3:
// "caller categorizes") — callers reading kernel structures pass
// pagecache.PageReadOnly, callers reading code/stack/user-writeable
// memory pass the matching tag.
func (c *Context) VirtReadRawInto(at addr.Address, buf []byte, pageType pagecache.PageType) error {
	if len(buf) == 0 {
		return nil
	}
	outs, err := c.engine.Translate(c.Provider, c.DTB, []xlate.Request{{Virt: at, Len: addr.Length(len(buf))}})
	if err != nil {
		return err
	}
	o := outs[0]
	if len(o.Failures) > 0 {
		f := o.Failures[0]
		return vaterr.New(f.Kind, fmt.Sprintf("vmctx: read %v: %s", f.Virt, f.Reason))
	}

	for _, r := range o.Results {
		dst := buf[r.VirtOff : r.VirtOff+addr.Length(r.Len)]
		if err := c.readPhys(r.Phys, dst, pageType); err != nil {
			return vaterr.Wrap(vaterr.KindConnector, fmt.Sprintf("vmctx: read phys %v", r.Phys), err)
		}
	}
	return nil
}

// VirtWriteRaw translates [at, at+len(buf)) and scatters buf's bytes to
// the physical backend. Partial writes are not observable: either every
// sub-range translates and is written, or the call fails before any
// write is issued. Every written physical page is evicted from the
// cache unconditionally (spec.md §5's ordering guarantee: a write must
// be observed by any subsequent read through this context), regardless
// of which tag a prior read cached it under.
func (c *Context) VirtWriteRaw(at addr.Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	outs, err := c.engine.Translate(c.Provider, c.DTB, []xlate.Request{{Virt: at, Len: addr.Length(len(buf))}})
	if err != nil {
		return err
	}
	o := outs[0]
	if len(o.Failures) > 0 {
		f := o.Failures[0]
		return vaterr.New(f.Kind, fmt.Sprintf("vmctx: write %v: %s", f.Virt, f.Reason))
	}

	items := make([]phys.WriteItem, 0, len(o.Results))
	for _, r := range o.Results {
		items = append(items, phys.WriteItem{
			Addr: r.Phys,
			Buf:  buf[r.VirtOff : r.VirtOff+addr.Length(r.Len)],
		})
	}
	errs, err := c.Provider.WriteAt(items)
	if err != nil {
		return vaterr.Wrap(vaterr.KindConnector, "vmctx: scatter write", err)
	}
	for i, e := range errs {
		if e != nil {
			return vaterr.Wrap(vaterr.KindConnector, fmt.Sprintf("vmctx: write phys %v", items[i].Addr), e)
		}
	}

	if c.Cache != nil {
		for _, r := range o.Results {
			c.Cache.Invalidate(r.Phys)
		}
	}
	return nil
}

// readPhys satisfies one physical sub-range, consulting the cache first
// when present, under the given page-type tag.
func (c *Context) readPhys(phy addr.Address, dst []byte, pageType pagecache.PageType) error {
	if c.Cache == nil {
		errs, err := c.Provider.ReadAt([]phys.ReadItem{{Addr: phy, Buf: dst}})
		if err != nil {
			return err
		}
		if errs != nil && errs[0] != nil {
			return errs[0]
		}
		return nil
	}

	pageSize := c.Cache.PageSize()
	pageAddr := phy.AlignDown(pageSize)
	e := c.Cache.CachedPage(phy, pageType)
	if !e.Valid {
		errs, err := c.Provider.ReadAt([]phys.ReadItem{{Addr: pageAddr, Buf: e.Buf}})
		if err != nil {
			return err
		}
		if errs != nil && errs[0] != nil {
			return errs[0]
		}
		c.Cache.ValidatePage(pageAddr, pageType)
	}
	off := phy.Offset(pageSize)
	copy(dst, e.Buf[off:int(off)+len(dst)])
	return nil
}

// VirtReadAddr reads one native-pointer-width value at at, using
// TypeArch's pointer width, and returns it as an Address.
func (c *Context) VirtReadAddr(at addr.Address, pageType pagecache.PageType) (addr.Address, error) {
	width := int(c.TypeArch.PointerWidth)
	buf := make([]byte, width)
	if err := c.VirtReadRawInto(at, buf, pageType); err != nil {
		return addr.Null, err
	}
	var v uint64
	if c.TypeArch.Endian == arch.BigEndian {
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
	} else {
		for i := width - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
	}
	return addr.Address(v), nil
}

// VirtReadI32 reads one little/big-endian (per TypeArch) 32-bit value.
func (c *Context) VirtReadI32(at addr.Address, pageType pagecache.PageType) (int32, error) {
	buf := make([]byte, 4)
	if err := c.VirtReadRawInto(at, buf, pageType); err != nil {
		return 0, err
	}
	var v uint32
	if c.TypeArch.Endian == arch.BigEndian {
		v = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	} else {
		v = uint32(buf[3])<<24 | uint32(buf[2])<<16 | uint32(buf[1])<<8 | uint32(buf[0])
	}
	return int32(v), nil
}

// VirtReadCstr reads up to maxLen bytes at at and truncates at the first
// NUL byte. The resulting bytes must be valid UTF-8 or the call fails
// with a KindEncoding error.
func (c *Context) VirtReadCstr(at addr.Address, maxLen int, pageType pagecache.PageType) (string, error) {
	buf := make([]byte, maxLen)
	if err := c.VirtReadRawInto(at, buf, pageType); err != nil {
		return "", err
	}
	if i := indexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if !utf8.Valid(buf) {
		return "", vaterr.New(vaterr.KindEncoding, fmt.Sprintf("vmctx: cstr at %v is not valid UTF-8", at))
	}
	return string(buf), nil
}

// VirtReadWstr reads up to maxLen bytes (an even count) at at as a
// UTF-16LE (wide-char) string, truncating at the first NUL code unit,
// and decodes it to UTF-8. Reading Windows kernel/PEB strings — the
// UNICODE_STRING buffers backing Ldr module paths — needs this; they are
// natively UTF-16LE, unlike the ASCII-ish fixed EPROCESS.name array that
// VirtReadCstr already covers.
//
// An odd byte count, a malformed UTF-16 sequence (e.g. a lone
// surrogate), or a decode failure reports KindEncoding, never
// KindTranslation: the bytes translated and read fine, they just don't
// parse as text (Testable Property 11).
func (c *Context) VirtReadWstr(at addr.Address, maxLen int, pageType pagecache.PageType) (string, error) {
	if maxLen%2 != 0 {
		return "", vaterr.New(vaterr.KindEncoding, fmt.Sprintf("vmctx: wstr at %v: odd byte length %d", at, maxLen))
	}
	buf := make([]byte, maxLen)
	if err := c.VirtReadRawInto(at, buf, pageType); err != nil {
		return "", err
	}

	for i := 0; i+1 < len(buf); i += 2 {
		if buf[i] == 0 && buf[i+1] == 0 {
			buf = buf[:i]
			break
		}
	}

	// x/text's UTF-16 decoder silently substitutes an unpaired surrogate
	// with the replacement rune rather than erroring, so lone surrogates
	// are rejected here before the decode step.
	if bad, ok := firstUnpairedSurrogate(buf); ok {
		return "", vaterr.New(vaterr.KindEncoding, fmt.Sprintf("vmctx: wstr at %v: unpaired surrogate 0x%04x", at, bad))
	}

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(buf)
	if err != nil {
		return "", vaterr.Wrap(vaterr.KindEncoding, fmt.Sprintf("vmctx: wstr at %v: invalid UTF-16", at), err)
	}
	if !utf8.Valid(out) {
		return "", vaterr.New(vaterr.KindEncoding, fmt.Sprintf("vmctx: wstr at %v: decoded bytes not valid UTF-8", at))
	}
	return string(out), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// firstUnpairedSurrogate scans a little-endian UTF-16 byte sequence for a
// high surrogate (0xD800-0xDBFF) not immediately followed by a low
// surrogate (0xDC00-0xDFFF), or a low surrogate not preceded by a high
// one, and returns the offending code unit.
func firstUnpairedSurrogate(buf []byte) (uint16, bool) {
	units := len(buf) / 2
	unitAt := func(i int) uint16 {
		return uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	for i := 0; i < units; i++ {
		u := unitAt(i)
		switch {
		case u >= 0xD800 && u <= 0xDBFF: // high surrogate
			if i+1 >= units {
				return u, true
			}
			next := unitAt(i + 1)
			if next < 0xDC00 || next > 0xDFFF {
				return u, true
			}
			i++ // consume the pair
		case u >= 0xDC00 && u <= 0xDFFF: // low surrogate with no preceding high
			return u, true
		}
	}
	return 0, false
}
