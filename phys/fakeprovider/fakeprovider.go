// Package fakeprovider is an in-process test double for phys.Provider
// backed by a flat byte slice. It exists only to exercise the rest of
// this module's tests; it is not a shipped physical-memory backend
// (those are out of scope per spec.md §1).
package fakeprovider

import (
	"fmt"
	"sync"

	"github.com/memtrace/vat/addr"
	"github.com/memtrace/vat/phys"
)

// Provider is a flat in-memory physical address space, with an optional
// read counter used by tests asserting read-deduplication (spec.md
// Testable Property 2).
type Provider struct {
	mu    sync.Mutex
	mem   []byte
	reads map[addr.Address]int
}

// New returns a Provider of the given size, zero-filled.
func New(size addr.Length) *Provider {
	return &Provider{
		mem:   make([]byte, size),
		reads: make(map[addr.Address]int),
	}
}

// Poke writes bytes directly into the backing store, bypassing ReadAt's
// accounting. Used by tests to set up scenario fixtures.
func (p *Provider) Poke(at addr.Address, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.mem[at:], data)
}

// PutUint32 / PutUint64 are small fixture helpers for writing page-table
// entries in tests.
func (p *Provider) PutUint32(at addr.Address, v uint32) {
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	p.Poke(at, buf)
}

func (p *Provider) PutUint64(at addr.Address, v uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	p.Poke(at, buf)
}

// ReadCount returns how many ReadAt items have started exactly at
// pageAddr, for asserting dedup behavior in tests.
func (p *Provider) ReadCount(pageAddr addr.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads[pageAddr]
}

// ResetReadCounts clears the read-accounting map without touching memory
// contents.
func (p *Provider) ResetReadCounts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = make(map[addr.Address]int)
}

func (p *Provider) ReadAt(items []phys.ReadItem) ([]error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make([]error, len(items))
	for i, item := range items {
		start := uint64(item.Addr)
		end := start + uint64(len(item.Buf))
		if end > uint64(len(p.mem)) {
			errs[i] = fmt.Errorf("fakeprovider: read [0x%x,0x%x) out of range (size 0x%x)", start, end, len(p.mem))
			continue
		}
		copy(item.Buf, p.mem[start:end])
		p.reads[item.Addr]++
	}
	return errs, nil
}

func (p *Provider) WriteAt(items []phys.WriteItem) ([]error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make([]error, len(items))
	for i, item := range items {
		start := uint64(item.Addr)
		end := start + uint64(len(item.Buf))
		if end > uint64(len(p.mem)) {
			errs[i] = fmt.Errorf("fakeprovider: write [0x%x,0x%x) out of range (size 0x%x)", start, end, len(p.mem))
			continue
		}
		copy(p.mem[start:end], item.Buf)
	}
	return errs, nil
}

func (p *Provider) Metadata() (phys.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := addr.Length(len(p.mem))
	return phys.Metadata{Size: size, MaxAddress: addr.Address(len(p.mem) - 1)}, nil
}

var _ phys.Provider = (*Provider)(nil)
