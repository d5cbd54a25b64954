// Package xlate implements the VAT (virtual address translation) engine:
// a multi-level page-table walker generic over the four arch.Architecture
// variants, batched over many (virtual address, length) requests at once
// to amortize physical reads.
//
// The walk is driven by an explicit work queue of in-flight chunks rather
// than recursion, per spec.md §9's design note: recursion makes batching
// awkward and obscures the round structure that lets physical reads for
// the same page, needed by multiple chunks, coalesce into one.
package xlate

import (
	"fmt"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/arch"
	"github.com/memtrace/vat/phys"
	"github.com/memtrace/vat/vaterr"
)

// Request is one (virtual address, length) translation input.
type Request struct {
	Virt addr.Address
	Len  addr.Length
}

// Result is one physical sub-range a request translated into. A single
// Request can yield multiple Results if it straddles a page boundary.
type Result struct {
	Phys    addr.Address
	Len     addr.Length
	VirtOff addr.Length // offset of this sub-range within the original request
}

// Failure records a sub-range of a request that could not be translated.
type Failure struct {
	Virt    addr.Address
	Len     addr.Length
	VirtOff addr.Length
	Kind    vaterr.Kind
	Reason  string
}

// BatchOutcome is the per-request outcome of a Translate call: a request
// either fully succeeds (Results covers its whole length, Failures empty)
// or partially/fully fails (Failures cover the rest). Per spec.md
// Testable Property 1, len(Results)+len(Failures) byte ranges always sum
// to the request's length with no overlap.
type BatchOutcome struct {
	Results  []Result
	Failures []Failure
}

// chunk is one in-flight unit of work: a virtual sub-range still
// descending the table hierarchy rooted at Root, currently at Level.
type chunk struct {
	reqIndex int
	virt     addr.Address
	length   addr.Length
	virtOff  addr.Length // offset within the original request

	root  addr.Address // physical address of the table to read this round
	level int
}

// Engine translates virtual addresses for one architecture. It borrows
// the Provider for the duration of a single Translate call; it never
// retains it.
type Engine struct {
	Arch arch.Architecture
}

// New returns an Engine for the given architecture.
func New(a arch.Architecture) Engine {
	return Engine{Arch: a}
}

// Translate resolves every request against the page table rooted at dtb,
// reading through provider, and returns one BatchOutcome per request in
// input order (spec.md §5 ordering guarantee).
//
// The algorithm proceeds in rounds: each round groups every in-flight
// chunk by the physical page it must read next (the batch boundary),
// issues one scatter read for the distinct set of pages needed, then
// decodes each chunk's entry from the page it required. A chunk that
// crosses a page boundary is split into sibling chunks before either
// continues, so each sub-chunk's own translation is independent (spec.md
// Testable Property 4).
func (e Engine) Translate(provider phys.Provider, dtb addr.Address, reqs []Request) ([]BatchOutcome, error) {
	outcomes := make([]BatchOutcome, len(reqs))

	pageSize := e.Arch.PageSize
	rootLevel := e.Arch.RootLevel()

	fail := func(c *chunk, kind vaterr.Kind, reason string) {
		o := &outcomes[c.reqIndex]
		o.Failures = append(o.Failures, Failure{
			Virt: c.virt, Len: c.length, VirtOff: c.virtOff,
			Kind: kind, Reason: reason,
		})
	}

	var work []*chunk
	for i, r := range reqs {
		if r.Len == 0 {
			continue
		}
		for _, c := range splitByPage(i, r.Virt, r.Len, 0, pageSize) {
			if e.Arch.ID == arch.X64 && !arch.IsCanonical(c.virt) {
				fail(c, vaterr.KindTranslation, "arch mismatch: address outside canonical range")
				continue
			}
			c.root = dtb
			c.level = rootLevel
			work = append(work, c)
		}
	}

	for len(work) > 0 {
		// Step 1: group by the physical page each chunk must read next.
		byPage := make(map[addr.Address][]*chunk)
		for _, c := range work {
			tablePage := c.root.AlignDown(pageSize)
			byPage[tablePage] = append(byPage[tablePage], c)
		}

		// Step 2: issue one scatter read per distinct physical page.
		pages := make(map[addr.Address][]byte, len(byPage))
		items := make([]phys.ReadItem, 0, len(byPage))
		for pageAddr := range byPage {
			buf := make([]byte, pageSize)
			pages[pageAddr] = buf
			items = append(items, phys.ReadItem{Addr: pageAddr, Buf: buf})
		}
		errs, err := provider.ReadAt(items)
		if err != nil {
			return nil, vaterr.Wrap(vaterr.KindConnector, "vat: scatter read", err)
		}
		readErr := make(map[addr.Address]error, len(items))
		for i, it := range items {
			if errs != nil && errs[i] != nil {
				readErr[it.Addr] = errs[i]
			}
		}

		var next []*chunk
		for pageAddr, chunks := range byPage {
			if rerr, bad := readErr[pageAddr]; bad {
				for _, c := range chunks {
					fail(c, vaterr.KindTranslation, fmt.Sprintf("bad root: page 0x%x unreadable: %v", pageAddr, rerr))
				}
				continue
			}
			buf := pages[pageAddr]

			for _, c := range chunks {
				lvl := e.Arch.Levels[c.level]
				idx := lvl.Index(c.virt)
				off := idx * uint64(lvl.EntrySize)
				if off+uint64(lvl.EntrySize) > uint64(len(buf)) {
					fail(c, vaterr.KindTranslation, "arch mismatch: index exceeds table page")
					continue
				}
				entry := decodeEntry(buf[off:off+uint64(lvl.EntrySize)], e.Arch.Endian)

				d := e.Arch.Decode(entry, c.level)
				if !d.Present {
					fail(c, vaterr.KindTranslation, fmt.Sprintf("unmapped at level %q", lvl.Name))
					continue
				}

				if d.Leaf {
					leafSize := lvl.LeafPageSize
					if leafSize == 0 {
						leafSize = e.Arch.PageSize
					}

					for _, sub := range splitByPage(c.reqIndex, c.virt, c.length, c.virtOff, leafSize) {
						o := &outcomes[sub.reqIndex]
						subPageOff := e.Arch.PageOffset(sub.virt, leafSize)
						o.Results = append(o.Results, Result{
							Phys:    addr.Address(uint64(d.PhysPage) + uint64(subPageOff)),
							Len:     sub.length,
							VirtOff: sub.virtOff,
						})
					}
					continue
				}

				// Descend: next round reads the child table page.
				c.root = d.PhysPage
				c.level++
				next = append(next, c)
			}
		}
		work = next
	}

	return outcomes, nil
}

// splitByPage breaks [virt, virt+length) into chunks that each stay
// within one page of size pageSize, so every sub-chunk's translation
// from that point on is independent (spec.md Testable Property 4). reqIndex
// and baseVirtOff let callers track which original request, and what
// offset within it, each sub-chunk corresponds to.
func splitByPage(reqIndex int, virt addr.Address, length addr.Length, baseVirtOff addr.Length, pageSize addr.Length) []*chunk {
	var out []*chunk
	remaining := length
	cur := virt
	off := baseVirtOff
	for remaining > 0 {
		pageEnd := uint64(cur.AlignDown(pageSize)) + uint64(pageSize)
		untilBoundary := addr.Length(pageEnd - uint64(cur))
		take := remaining
		if untilBoundary < take {
			take = untilBoundary
		}
		out = append(out, &chunk{
			reqIndex: reqIndex,
			virt:     cur,
			length:   take,
			virtOff:  off,
		})
		cur = addr.Address(uint64(cur) + uint64(take))
		off += take
		remaining -= take
	}
	return out
}

// decodeEntry reads a little- or big-endian unsigned integer of buf's
// length (4 or 8 bytes) into a uint64.
func decodeEntry(buf []byte, endian arch.Endian) uint64 {
	var v uint64
	if endian == arch.BigEndian {
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return v
	}
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
