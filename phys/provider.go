// Package phys defines the Physical Memory Provider contract: the single
// external collaborator every other layer in this module is built on top
// of. Concrete backends (a snapshot file, a procfs-mapped VM, a kernel
// driver, a dynamically loaded connector) are out of scope for this
// module; only the contract and one test double (phys/fakeprovider) live
// here.
package phys

import "github.com/memtrace/vat/addr"

// ReadItem is one entry of a scatter read: fill Buf with the bytes at
// Addr. Buf's length determines how many bytes are requested.
type ReadItem struct {
	Addr addr.Address
	Buf  []byte
}

// WriteItem is one entry of a scatter write: write Buf's bytes to Addr.
type WriteItem struct {
	Addr addr.Address
	Buf  []byte
}

// Metadata describes the extent of a physical address space.
type Metadata struct {
	Size       addr.Length
	MaxAddress addr.Address
}

// Provider is the capability every higher layer reads physical memory
// through. The VAT engine takes it as a Translate parameter and does not
// retain it; a virtual memory context holds the Provider it was
// constructed with; the page cache never touches a Provider (the caller
// fills cache entries itself).
//
// Implementations must fill or fail each item independently: one item's
// failure does not abort the rest of the batch.
type Provider interface {
	// ReadAt fills each item's Buf or records a per-item error via errs,
	// which has the same length as items and is nil at index i on
	// success.
	ReadAt(items []ReadItem) (errs []error, err error)

	// WriteAt writes each item's Buf, or records a per-item error via
	// errs.
	WriteAt(items []WriteItem) (errs []error, err error)

	Metadata() (Metadata, error)
}
