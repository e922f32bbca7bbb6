/*
 * memhier - Address types
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package addr implements the typed physical/virtual address arithmetic
// shared by the channel, cache, PTW, and virtual-memory packages.
package addr

// Addr is a flat 64 bit address. Whether it names a physical or virtual
// location is tracked by the caller, not by the type.
type Addr uint64

// LogPageSize is log2 of the page size in bytes (4KB pages).
const LogPageSize = 12

// PageSize is the number of bytes in a page.
const PageSize = 1 << LogPageSize

// PageMask masks an address down to its page offset.
const PageMask = PageSize - 1

// Slice returns the width-bit field of a starting at bit lower.
func (a Addr) Slice(lower, width uint) uint64 {
	if width >= 64 {
		return uint64(a) >> lower
	}
	mask := uint64(1)<<width - 1
	return (uint64(a) >> lower) & mask
}

// Splice builds an address from a page number (shifted left by offsetBits)
// and an offset within that page.
func Splice(page Addr, offsetBits uint, offset uint64) Addr {
	mask := uint64(1)<<offsetBits - 1
	return Addr(uint64(page)<<offsetBits | (offset & mask))
}

// Offset returns the signed distance a-b.
func Offset(a, b Addr) int64 {
	return int64(a) - int64(b)
}

// BlockNumber returns the address with its block offset (offsetBits wide)
// shifted out.
func (a Addr) BlockNumber(offsetBits uint) uint64 {
	return uint64(a) >> offsetBits
}

// BlockOffset returns the low offsetBits bits of a.
func (a Addr) BlockOffset(offsetBits uint) uint64 {
	return a.Slice(0, offsetBits)
}

// PageNumber returns a's page number (a >> LogPageSize).
func (a Addr) PageNumber() uint64 {
	return uint64(a) >> LogPageSize
}

// PageOffset returns a's offset within its page.
func (a Addr) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// SamePage reports whether a and b fall in the same page.
func SamePage(a, b Addr) bool {
	return a.PageNumber() == b.PageNumber()
}

// AlignedBlock masks a down to block granularity, for use as a collision key
// (spec's match_offset_bits == false case).
func (a Addr) AlignedBlock(offsetBits uint) Addr {
	mask := ^(uint64(1)<<offsetBits - 1)
	return Addr(uint64(a) & mask)
}
