/*
 * memhier - Page table walker
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

// Package ptw implements the page-table walker of spec.md S4.3: a per-miss
// level-by-level walk over internal/vmem's deterministic allocator, with
// PSCLs short-circuiting common prefixes.
package ptw

import (
	"fmt"
	"io"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/channel"
	"github.com/rcornwell/memhier/internal/lru"
	"github.com/rcornwell/memhier/internal/telemetry"
	"github.com/rcornwell/memhier/internal/vmem"
)

// walkState is the explicit sum type for an in-flight walk (spec.md S9:
// express the PTW walk machine as a sum type, not a bag of booleans).
type walkState int

const (
	walkIssued walkState = iota // step's LOAD is outstanding on the lower channel
	walkReady                   // the lower-level response arrived; advance next tick
)

// producer is one entry of a walk's to_return set.
type producer struct {
	upward   *channel.Channel
	response channel.Response
}

type walkEntry struct {
	state            walkState
	cpu              uint32
	asid             [2]uint8
	vaddr            addr.Addr
	translationLevel int
	toReturn         []producer
	instrDependOnMe  []uint64
}

func (w *walkEntry) addProducer(req channel.Request, upward *channel.Channel) {
	w.instrDependOnMe = append(w.instrDependOnMe, req.InstrDependOnMe...)
	if req.ResponseRequested && upward != nil {
		w.toReturn = append(w.toReturn, producer{upward: upward, response: channel.ResponseFromRequest(req)})
	}
}

// Config is a PTW's construction-time shape (spec.md S4.3).
type Config struct {
	Name string

	Levels       int // vmem's page-table depth; level 1 is the leaf
	PSCLSets     int
	PSCLWays     int

	RQSize, MSHRSize int
	MaxRead, MaxFill int
	HitLatency       uint64

	Upper []*channel.Channel
	Lower *channel.Channel
	VMem  *vmem.VirtualMemory
}

// Stats is the plain counter snapshot spec.md S6 requires.
type Stats struct {
	WalksStarted, WalksCompleted uint64
	Merged                       uint64
	PSCLHits, PSCLMisses         uint64
	StepsIssued                  uint64
}

// PTW is the page table walker.
type PTW struct {
	cfg  Config
	pscl map[int]*lru.Table[addr.Addr] // level -> cache of that level's PTE physical address, for levels [2, Levels]

	ownRQ []pendingWalk // buffered requests not yet admitted to the MSHR, bounded by cfg.RQSize
	mshr  []walkEntry

	cycle uint64

	stats Stats
}

type pendingWalk struct {
	req channel.Request
	up  *channel.Channel
}

// New validates cfg and builds one PSCL per upper page-table level.
func New(cfg Config) (*PTW, error) {
	if cfg.Levels <= 1 {
		return nil, fmt.Errorf("ptw %s: Levels must be at least 2, got %d", cfg.Name, cfg.Levels)
	}
	if cfg.Lower == nil {
		return nil, fmt.Errorf("ptw %s: a lower channel is required", cfg.Name)
	}
	if cfg.VMem == nil {
		return nil, fmt.Errorf("ptw %s: a VirtualMemory is required", cfg.Name)
	}
	if cfg.MaxRead <= 0 || cfg.MaxFill <= 0 {
		return nil, fmt.Errorf("ptw %s: MaxRead and MaxFill must be positive", cfg.Name)
	}
	if cfg.PSCLSets <= 0 || cfg.PSCLWays <= 0 {
		return nil, fmt.Errorf("ptw %s: PSCLSets and PSCLWays must be positive", cfg.Name)
	}
	if cfg.RQSize <= 0 {
		return nil, fmt.Errorf("ptw %s: RQSize must be positive", cfg.Name)
	}
	if cfg.MSHRSize <= 0 {
		return nil, fmt.Errorf("ptw %s: MSHRSize must be positive", cfg.Name)
	}

	p := &PTW{cfg: cfg, pscl: make(map[int]*lru.Table[addr.Addr])}
	for level := 2; level <= cfg.Levels; level++ {
		t, err := lru.New[addr.Addr](cfg.PSCLSets, cfg.PSCLWays)
		if err != nil {
			return nil, fmt.Errorf("ptw %s: pscl level %d: %w", cfg.Name, level, err)
		}
		p.pscl[level] = t
	}
	return p, nil
}

// Stats returns a copy of the current counters.
func (p *PTW) Stats() Stats { return p.stats }

// Tick advances the walker to cycle, in the fixed phase order of spec.md
// S4.3, so implements sim.Operable and can be registered directly on a
// sim.Driver. The returned bool reports whether any walk is still
// outstanding — the input sim's deadlock heuristic.
func (p *PTW) Tick(cycle uint64) bool {
	p.cycle = cycle
	for _, up := range p.cfg.Upper {
		up.CheckCollision()
	}

	p.drainReturns()
	p.advanceReady()
	p.acceptNewRequests()

	return len(p.mshr) > 0 || len(p.ownRQ) > 0
}

// DumpState implements sim.Dumper for deadlock reports.
func (p *PTW) DumpState(w io.Writer) {
	fmt.Fprintf(w, "ptw %s: %d walks in flight, %d requests buffered\n", p.cfg.Name, len(p.mshr), len(p.ownRQ))
}

// drainReturns marks the MSHR entry matching each lower-level response as
// ready to step, and records the level's PSCL entry (spec.md S4.3 "On
// return, insert (vaddr, ptw_addr, level) into the PSCL for that level").
// channel.Response carries no cpu/asid, so a response is paired with the
// first still-issued entry on the same page, in issuance order; break stops
// a single response from advancing every walk sharing that page once two
// different asids can be in flight on it simultaneously.
func (p *PTW) drainReturns() {
	for _, resp := range p.cfg.Lower.PopReturned() {
		for i := range p.mshr {
			e := &p.mshr[i]
			if e.state != walkIssued {
				continue
			}
			if e.vaddr.PageNumber() != resp.VAddress.PageNumber() {
				continue
			}
			if e.translationLevel > 1 {
				shamt := uint(p.cfg.VMem.Shamt(e.translationLevel))
				p.pscl[e.translationLevel].Fill(psclKey(e.cpu, e.asid, e.vaddr.Slice(shamt, 64-shamt)), resp.Address)
			}
			e.state = walkReady
			break
		}
	}
}

// advanceReady completes every walk whose translation_level has reached 1
// (producing the final physical address) or issues its next step.
func (p *PTW) advanceReady() {
	filled := 0
	remaining := p.mshr[:0]
	for _, e := range p.mshr {
		if e.state != walkReady || filled >= p.cfg.MaxFill {
			remaining = append(remaining, e)
			continue
		}
		filled++
		if e.translationLevel == 1 {
			pa, _ := p.cfg.VMem.VAToPA(e.cpu, e.asid, e.vaddr)
			resp := channel.Response{Address: pa, VAddress: e.vaddr, Data: pa.PageNumber()}
			for _, prod := range e.toReturn {
				r := resp
				r.InstrDependOnMe = prod.response.InstrDependOnMe
				prod.upward.Returned = append(prod.upward.Returned, r)
			}
			p.stats.WalksCompleted++
			continue
		}
		e.translationLevel--
		p.issueStep(&e)
		remaining = append(remaining, e)
	}
	p.mshr = remaining
}

// issueStep computes the PTE physical address for e's current
// translation_level and issues it to the lower channel as a LOAD, marking
// the entry in flight.
func (p *PTW) issueStep(e *walkEntry) {
	pa, _ := p.cfg.VMem.GetPTEPhysAddr(e.cpu, e.asid, e.vaddr, e.translationLevel)
	p.cfg.Lower.AddRQ(channel.Request{
		Address:      pa,
		VAddress:     e.vaddr,
		Type:         channel.LOAD,
		IsTranslated: true,
		CPU:          e.cpu,
		ASID:         e.asid,
	})
	p.stats.StepsIssued++
	e.state = walkIssued
}

// acceptNewRequests buffers inbound translation requests into the PTW's own
// rq_size-bounded queue, then admits up to max_read of them per tick: merging
// same-page walks into an existing in-flight entry, or starting a fresh walk
// at the level determined by probing the PSCLs.
func (p *PTW) acceptNewRequests() {
	for _, up := range p.cfg.Upper {
		for len(p.ownRQ) < p.cfg.RQSize {
			req, ok := up.PeekRQ()
			if !ok {
				break
			}
			up.PopRQ()
			p.ownRQ = append(p.ownRQ, pendingWalk{req: req, up: up})
		}
	}

	admitted := 0
	remaining := p.ownRQ[:0]
	for _, w := range p.ownRQ {
		if admitted >= p.cfg.MaxRead || !p.admit(w.req, w.up) {
			remaining = append(remaining, w)
			continue
		}
		admitted++
	}
	p.ownRQ = remaining
}

// admit folds req into an in-flight walk for the same page, or starts a new
// one if the MSHR has room. Returns false if neither is possible.
func (p *PTW) admit(req channel.Request, up *channel.Channel) bool {
	key := pageKey(req.CPU, req.ASID, req.VAddress)
	for i := range p.mshr {
		e := &p.mshr[i]
		if pageKey(e.cpu, e.asid, e.vaddr) == key {
			e.addProducer(req, up)
			p.stats.Merged++
			return true
		}
	}
	if len(p.mshr) >= p.cfg.MSHRSize {
		return false
	}

	start := p.probeStartLevel(req.CPU, req.ASID, req.VAddress)
	entry := walkEntry{cpu: req.CPU, asid: req.ASID, vaddr: req.VAddress, translationLevel: start}
	entry.addProducer(req, up)
	p.issueStep(&entry)
	p.mshr = append(p.mshr, entry)
	p.stats.WalksStarted++
	return true
}

// probeStartLevel implements spec.md S4.3's step issuance: probe PSCLs in
// decreasing level order. Because internal/vmem computes every level's PTE
// address independently (it models no true parent-to-child chaining), a hit
// at ANY cached level certifies the entire upper chain above the leaf, so
// the walk can resume directly at level 1 (DESIGN.md documents this
// resolution of the "largest hit" wording against spec.md S8 scenario 5,
// where every upper-level PSCL hits simultaneously and only one lower-level
// request is expected).
func (p *PTW) probeStartLevel(cpu uint32, asid [2]uint8, vaddr addr.Addr) int {
	for level := p.cfg.Levels; level >= 2; level-- {
		shamt := uint(p.cfg.VMem.Shamt(level))
		key := psclKey(cpu, asid, vaddr.Slice(shamt, 64-shamt))
		if _, ok := p.pscl[level].Check(key); ok {
			p.stats.PSCLHits++
			telemetry.ObserveCacheHit(p.cfg.Name, "pscl")
			return 1
		}
		p.stats.PSCLMisses++
		telemetry.ObserveCacheMiss(p.cfg.Name, "pscl")
	}
	return p.cfg.Levels
}

// pageKey identifies the (cpu, asid, vpage) a walk is resolving, so two
// requests differing only in asid never merge into the same walk entry
// (spec.md S4.4's ASID isolation).
func pageKey(cpu uint32, asid [2]uint8, vaddr addr.Addr) uint64 {
	return uint64(cpu)<<52 | uint64(asid[0])<<44 | uint64(asid[1])<<36 | vaddr.PageNumber()
}

// psclKey folds cpu and asid into a PSCL lookup so one address space's
// cached paging-structure entries can never short-circuit another's walk.
func psclKey(cpu uint32, asid [2]uint8, bits uint64) uint64 {
	return uint64(cpu)<<52 | uint64(asid[0])<<44 | uint64(asid[1])<<36 | bits
}
