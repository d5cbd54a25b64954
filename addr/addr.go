// Package addr defines the value types shared by every layer of this
// module: physical/virtual addresses and byte lengths. They carry no
// behavior beyond arithmetic that preserves their 64-bit width and the
// distinguished null address.
package addr

import "fmt"

// Null is the distinguished invalid address. Arithmetic on Null always
// yields Null.
const Null Address = 0

// Address is a 64-bit address, either physical or virtual depending on
// context. The zero value is Null.
type Address uint64

// Add returns a+delta, wrapping at the uint64 boundary. Null+delta is
// always Null.
func (a Address) Add(delta Length) Address {
	if a == Null {
		return Null
	}
	return Address(uint64(a) + uint64(delta))
}

// IsNull reports whether a is the distinguished null address.
func (a Address) IsNull() bool { return a == Null }

// AlignDown rounds a down to the nearest multiple of size, which must be a
// power of two.
func (a Address) AlignDown(size Length) Address {
	mask := uint64(size) - 1
	return Address(uint64(a) &^ mask)
}

// AlignUp rounds a up to the nearest multiple of size, which must be a
// power of two.
func (a Address) AlignUp(size Length) Address {
	mask := uint64(size) - 1
	return Address((uint64(a) + mask) &^ mask)
}

// Offset returns the distance of a from the start of its containing
// page-aligned region of the given size.
func (a Address) Offset(size Length) Length {
	mask := uint64(size) - 1
	return Length(uint64(a) & mask)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Length is a 64-bit unsigned byte count.
type Length uint64

// AlignUp rounds l up to the nearest multiple of size.
func (l Length) AlignUp(size Length) Length {
	mask := uint64(size) - 1
	return Length((uint64(l) + mask) &^ mask)
}

func (l Length) String() string {
	return fmt.Sprintf("0x%x", uint64(l))
}

// Range is a half-open byte range [Start, Start+Len).
type Range struct {
	Start Address
	Len   Length
}

// End returns the first address past the range.
func (r Range) End() Address {
	return Address(uint64(r.Start) + uint64(r.Len))
}

// Overlaps reports whether r and o share any bytes.
func (r Range) Overlaps(o Range) bool {
	return uint64(r.Start) < uint64(o.End()) && uint64(o.Start) < uint64(r.End())
}
