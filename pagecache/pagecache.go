// Package pagecache implements the content-addressed, TLB-validated page
// cache that sits between virtual readers and the physical backend.
// Kernel pages read for introspection are far more reusable than
// arbitrary memory; the cache is shaped around that, keyed on
// (physical page, page type) with per-tag admission and a time-based
// staleness bound rather than an LRU eviction guarantee (spec.md §4.3).
//
// The cache is single-owner, exclusive to its owning context, per
// spec.md §5: it holds no lock and is not safe for concurrent use from
// multiple goroutines, matching the teacher's own per-vCPU exclusive-
// ownership model in internal/hv/kvm (one OS thread per vCPU, no shared
// mutable state crossing that boundary without its own synchronization).
package pagecache

import (
	"time"

	"github.com/memtrace/vat/addr"
)

// PageType tags the nature of a cached page, used both for admission
// policy and as a log/metric field.
type PageType int

const (
	PageCode PageType = iota
	PageReadOnly
	PageWriteable
	PageStack
	PageBufferable
)

func (t PageType) String() string {
	switch t {
	case PageCode:
		return "code"
	case PageReadOnly:
		return "readonly"
	case PageWriteable:
		return "writeable"
	case PageStack:
		return "stack"
	case PageBufferable:
		return "bufferable"
	default:
		return "unknown"
	}
}

// Entry is one cached, page-aligned physical page.
type Entry struct {
	Addr  addr.Address
	Type  PageType
	Valid bool
	Buf   []byte

	lastValidated time.Time
}

// Config controls cache shape: capacity per tag and the staleness bound.
type Config struct {
	// PageSize is the size of one cached page; every Entry.Buf is exactly
	// this long.
	PageSize addr.Length

	// CapacityPages caps the number of resident entries per PageType. Zero
	// means unbounded.
	CapacityPages map[PageType]int

	// TTL is how long a validated entry stays valid. spec.md §9 leaves the
	// default to the implementation; this module defaults to 250ms (see
	// SPEC_FULL.md §6.3): long enough to coalesce the bursty re-reads one
	// EPROCESS or module-list walk produces, short enough that a live,
	// mutating target is not read unboundedly stale.
	TTL time.Duration

	// Now is injectable for deterministic TTL tests; defaults to
	// time.Now.
	Now func() time.Time
}

// DefaultTTL is the staleness bound used when Config.TTL is zero.
const DefaultTTL = 250 * time.Millisecond

// neverCache marks a PageType whose admission has been disabled via
// ConfigurePageType; such pages are always returned as fresh,
// always-invalid placeholders, so callers route straight to the
// provider.
type Cache struct {
	cfg Config

	neverCache map[PageType]bool
	entries    map[addr.Address]*Entry
	order      map[PageType][]addr.Address // insertion order, for capacity eviction
}

// New returns a Cache using cfg. A zero Config.TTL is replaced with
// DefaultTTL; a nil Config.Now is replaced with time.Now.
func New(cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	return &Cache{
		cfg:        cfg,
		neverCache: make(map[PageType]bool),
		entries:    make(map[addr.Address]*Entry),
		order:      make(map[PageType][]addr.Address),
	}
}

func (c *Cache) PageSize() addr.Length { return c.cfg.PageSize }

// ConfigurePageType toggles whether pages of this tag are ever admitted.
// Disabling admission for a tag already holding cached entries evicts
// them immediately.
func (c *Cache) ConfigurePageType(t PageType, cacheable bool) {
	c.neverCache[t] = !cacheable
	if !cacheable {
		for _, a := range c.order[t] {
			delete(c.entries, a)
		}
		c.order[t] = nil
	}
}

// CachedPage returns the entry for the page containing addr (aligned
// down to PageSize). If no entry exists, or admission for t is disabled,
// or the existing entry's TTL has expired, the returned Entry has
// Valid=false and a PageSize-long Buf the caller must fill and mark
// valid via ValidatePage. The returned Entry is always of type t; if an
// entry already existed for this page under a *different* type, it is
// replaced (a physical page does not change its role mid-session in
// practice, but this keeps the cache self-consistent rather than serving
// a stale tag).
func (c *Cache) CachedPage(at addr.Address, t PageType) *Entry {
	pageAddr := at.AlignDown(c.cfg.PageSize)

	if c.neverCache[t] {
		return &Entry{Addr: pageAddr, Type: t, Valid: false, Buf: make([]byte, c.cfg.PageSize)}
	}

	e, ok := c.entries[pageAddr]
	if !ok || e.Type != t {
		e = &Entry{Addr: pageAddr, Type: t, Buf: make([]byte, c.cfg.PageSize)}
		c.admit(pageAddr, t, e)
		return e
	}

	if !e.Valid {
		return e
	}
	if c.cfg.Now().Sub(e.lastValidated) > c.cfg.TTL {
		e.Valid = false
		return e
	}
	return e
}

func (c *Cache) admit(pageAddr addr.Address, t PageType, e *Entry) {
	c.entries[pageAddr] = e
	c.order[t] = append(c.order[t], pageAddr)

	limit := c.cfg.CapacityPages[t]
	if limit <= 0 {
		return
	}
	for len(c.order[t]) > limit {
		evict := c.order[t][0]
		c.order[t] = c.order[t][1:]
		delete(c.entries, evict)
	}
}

// ValidatePage marks the entry for the page containing at as freshly
// filled. The caller must have already copied provider bytes into
// Entry.Buf (as returned by a prior CachedPage call) before calling
// this.
func (c *Cache) ValidatePage(at addr.Address, t PageType) {
	pageAddr := at.AlignDown(c.cfg.PageSize)
	e, ok := c.entries[pageAddr]
	if !ok || e.Type != t {
		return
	}
	e.Valid = true
	e.lastValidated = c.cfg.Now()
}

// InvalidatePage clears the validity bit immediately, independent of
// TTL, but only if the cached entry's tag matches t.
func (c *Cache) InvalidatePage(at addr.Address, t PageType) {
	pageAddr := at.AlignDown(c.cfg.PageSize)
	if e, ok := c.entries[pageAddr]; ok && e.Type == t {
		e.Valid = false
	}
}

// Invalidate clears the validity bit for whatever entry is cached at
// this page, regardless of its tag. A physical write changes the page's
// content no matter which tag a prior read admitted it under, so the
// write path busts the cache unconditionally rather than risking a
// silent no-op when its tag happens not to match the reader's.
func (c *Cache) Invalidate(at addr.Address) {
	pageAddr := at.AlignDown(c.cfg.PageSize)
	if e, ok := c.entries[pageAddr]; ok {
		e.Valid = false
	}
}
