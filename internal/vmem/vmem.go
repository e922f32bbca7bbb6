/*
 * memhier - Deterministic virtual memory allocator
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

// Package vmem implements the deterministic VA->PA and VA->PTE-address
// allocator consumed by the page table walker. Allocation is first-touch:
// the first reference to a virtual page pays a minor-fault penalty and is
// assigned the next free physical frame; every later reference is free and
// returns the same mapping.
package vmem

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/logging"
)

// Config describes the shape of the backing page table and physical pool.
type Config struct {
	PTEPageSize       uint64 // bytes per page-table page, must be a power of two
	PTEBytes          uint64 // bytes per PTE, must be a power of two dividing PTEPageSize
	Levels            int    // number of page table levels
	MinorFaultPenalty uint64 // cycles charged on first touch
	ReservedPages     uint64 // low physical pages that va_to_pa/get_pte_pa never hand out
	PoolPages         uint64 // total physical frames available (hard cap, "last_ppage")
	RequestedBytes    uint64 // optional: size of address space this vmem is expected to back
}

type vpageKey struct {
	cpu   uint32
	asid  [2]uint8
	vpage uint64
}

type pteKey struct {
	cpu   uint32
	asid  [2]uint8
	level int
	upper uint64
}

// VirtualMemory is the deterministic allocator described in spec.md S4.4.
type VirtualMemory struct {
	cfg Config
	log *slog.Logger

	vpageToPPage map[vpageKey]uint64
	pageTable    map[pteKey]addr.Addr

	ptesPerPage uint64

	nextPPage uint64
	lastPPage uint64

	activePTEPage uint64
	havePTEPage   bool
	nextPTESlot   uint64
}

// New validates cfg and returns a VirtualMemory with its cursor at the first
// non-reserved physical page. A nil logger is replaced with a discarding one.
func New(cfg Config, log *slog.Logger) (*VirtualMemory, error) {
	if cfg.PTEPageSize == 0 || cfg.PTEPageSize&(cfg.PTEPageSize-1) != 0 {
		return nil, fmt.Errorf("vmem: PTEPageSize %d is not a power of two", cfg.PTEPageSize)
	}
	if cfg.PTEBytes == 0 || cfg.PTEBytes&(cfg.PTEBytes-1) != 0 {
		return nil, fmt.Errorf("vmem: PTEBytes %d is not a power of two", cfg.PTEBytes)
	}
	if cfg.PTEPageSize < cfg.PTEBytes {
		return nil, fmt.Errorf("vmem: PTEPageSize %d smaller than PTEBytes %d", cfg.PTEPageSize, cfg.PTEBytes)
	}
	if cfg.Levels <= 0 {
		return nil, fmt.Errorf("vmem: Levels must be positive, got %d", cfg.Levels)
	}
	if cfg.PoolPages <= cfg.ReservedPages {
		return nil, fmt.Errorf("vmem: PoolPages %d must exceed ReservedPages %d", cfg.PoolPages, cfg.ReservedPages)
	}
	if log == nil {
		log = logging.Discard()
	}

	vm := &VirtualMemory{
		cfg:          cfg,
		log:          log,
		vpageToPPage: make(map[vpageKey]uint64),
		pageTable:    make(map[pteKey]addr.Addr),
		ptesPerPage:  cfg.PTEPageSize / cfg.PTEBytes,
		nextPPage:    cfg.ReservedPages,
		lastPPage:    cfg.PoolPages,
	}

	if cfg.RequestedBytes != 0 {
		available := (cfg.PoolPages - cfg.ReservedPages) << addr.LogPageSize
		if cfg.RequestedBytes > available {
			log.Warn("requested virtual memory exceeds physical pool",
				"requested_bytes", cfg.RequestedBytes, "available_bytes", available)
		}
	}

	return vm, nil
}

// Shamt returns the bit shift that isolates the page table index for level,
// level 1 being the innermost (leaf) level: LOG2_PAGE_SIZE + (level-1) *
// log2(pte_page_size / PTE_BYTES).
func (vm *VirtualMemory) Shamt(level int) uint64 {
	return addr.LogPageSize + uint64(level-1)*uint64(bits.Len64(vm.ptesPerPage-1))
}

// AvailablePPages reports the number of unallocated physical frames.
func (vm *VirtualMemory) AvailablePPages() uint64 {
	return vm.lastPPage - vm.nextPPage
}

func (vm *VirtualMemory) allocPage() uint64 {
	if vm.nextPPage >= vm.lastPPage {
		panic(fmt.Sprintf("vmem: physical page pool exhausted (last_ppage=%d)", vm.lastPPage))
	}
	p := vm.nextPPage
	vm.nextPPage++
	return p
}

// VAToPA maps (cpu, asid, vaddr) to a physical address. asid distinguishes
// address spaces sharing the same cpu (spec.md S4.4's ASID isolation): the
// same vaddr under two different asids is first-touch-allocated separately
// and never aliases the same physical frame. The first call for a given
// (cpu, asid, vpage) allocates a fresh physical frame and returns a nonzero
// minor fault penalty; every subsequent call for the same triple returns the
// cached mapping with a zero penalty.
func (vm *VirtualMemory) VAToPA(cpu uint32, asid [2]uint8, vaddr addr.Addr) (addr.Addr, uint64) {
	key := vpageKey{cpu: cpu, asid: asid, vpage: vaddr.PageNumber()}
	if ppage, ok := vm.vpageToPPage[key]; ok {
		return addr.Splice(addr.Addr(ppage), addr.LogPageSize, vaddr.PageOffset()), 0
	}

	ppage := vm.allocPage()
	vm.vpageToPPage[key] = ppage
	return addr.Splice(addr.Addr(ppage), addr.LogPageSize, vaddr.PageOffset()), vm.cfg.MinorFaultPenalty
}

// GetPTEPhysAddr maps (cpu, asid, vaddr, level) to the physical address of
// the PTE that would resolve vaddr's upper bits at that level, asid again
// keeping address spaces on the same cpu from aliasing each other's page
// table entries. PTEs are packed PTEBytes apart into PTEPageSize-byte pages;
// a new page is only allocated once the currently active one is full.
func (vm *VirtualMemory) GetPTEPhysAddr(cpu uint32, asid [2]uint8, vaddr addr.Addr, level int) (addr.Addr, uint64) {
	shamt := uint(vm.Shamt(level))
	upper := vaddr.Slice(shamt, 64-shamt)
	key := pteKey{cpu: cpu, asid: asid, level: level, upper: upper}
	if pa, ok := vm.pageTable[key]; ok {
		return pa, 0
	}

	if !vm.havePTEPage || vm.nextPTESlot >= vm.ptesPerPage {
		vm.activePTEPage = vm.allocPage()
		vm.havePTEPage = true
		vm.nextPTESlot = 0
	}

	pa := addr.Splice(addr.Addr(vm.activePTEPage), uint(bits.Len64(vm.cfg.PTEPageSize-1)), vm.nextPTESlot*vm.cfg.PTEBytes)
	vm.nextPTESlot++
	vm.pageTable[key] = pa
	return pa, vm.cfg.MinorFaultPenalty
}
