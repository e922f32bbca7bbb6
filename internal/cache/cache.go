/*
 * memhier - Set-associative cache with MSHR-based miss handling
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

// Package cache implements the set-associative tag array, MSHR, and
// six-phase tick of spec.md S4.2: decoupled tag/fill pipelines feeding a
// pluggable replacement and prefetch strategy.
package cache

import (
	"fmt"
	"io"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/channel"
	"github.com/rcornwell/memhier/internal/telemetry"
)

// CacheBlock is one tag-array entry (spec.md S3).
type CacheBlock struct {
	Valid    bool
	Prefetch bool
	Dirty    bool
	Address  addr.Addr
	VAddress addr.Addr
	Data     uint64
	PFMeta   uint32
}

// Config is a cache's construction-time shape (spec.md S4.2).
type Config struct {
	Name string

	Sets, Ways int
	OffsetBits uint // log2(block size); 6 for a 64B line

	PQSize    int
	MSHRSize  int
	WriteBuf  int // not read: write misses are forwarded straight to the lower WQ

	HitLatency, FillLatency uint64
	TagBandwidth            int
	FillBandwidth           int

	MatchOffsetBits bool // true for TLB-like consumers, collide on raw address
	PrefetchAsLoad  bool // prefetches raise RRIP like loads for the replacement hook
	VirtualPrefetch bool

	PrefActivateMask uint32 // built with ActivateMask(...)

	Upper       []*channel.Channel
	Lower       *channel.Channel
	Translation *channel.Channel // optional; nil if this cache never translates

	Replacement ReplacementPolicy
	Prefetch    PrefetchPolicy
}

// pendingHit is a tag-array hit awaiting its hit_latency before the response
// becomes visible upward (spec.md S4.2: "the hit is made visible after
// exactly hit_latency cycles relative to the packet's admission cycle").
type pendingHit struct {
	readyCycle uint64
	up         *channel.Channel
	response   channel.Response
}

// Stats is the plain counter snapshot spec.md S6 requires of every cache.
type Stats struct {
	Hits, Misses     uint64
	HitsByType       map[channel.Type]uint64
	MissesByType     map[channel.Type]uint64
	Evictions        uint64
	UsefulPrefetches uint64
	MSHRFull         uint64
	MSHRPeak         int
}

// Cache is a set-associative tag array with an MSHR and strategy hooks.
type Cache struct {
	cfg  Config
	sets [][]CacheBlock // [set][way]

	mshr  []mshrEntry
	ownPQ []channel.Request // self-generated, fill_this_level=true prefetches

	pendingHits []pendingHit

	cycle uint64

	tagBandwidthUsed int

	stats Stats
}

// New validates cfg and wires the replacement/prefetch strategies.
func New(cfg Config) (*Cache, error) {
	if cfg.Sets <= 0 || cfg.Ways <= 0 {
		return nil, fmt.Errorf("cache %s: sets and ways must be positive", cfg.Name)
	}
	if cfg.Sets&(cfg.Sets-1) != 0 || cfg.Ways&(cfg.Ways-1) != 0 {
		return nil, fmt.Errorf("cache %s: sets %d and ways %d must be powers of two", cfg.Name, cfg.Sets, cfg.Ways)
	}
	if cfg.OffsetBits >= 64 {
		return nil, fmt.Errorf("cache %s: OffsetBits %d out of range", cfg.Name, cfg.OffsetBits)
	}
	if cfg.Lower == nil {
		return nil, fmt.Errorf("cache %s: a lower channel is required", cfg.Name)
	}
	if cfg.Replacement == nil || cfg.Prefetch == nil {
		return nil, fmt.Errorf("cache %s: replacement and prefetch strategies are required", cfg.Name)
	}
	if cfg.TagBandwidth <= 0 || cfg.FillBandwidth <= 0 {
		return nil, fmt.Errorf("cache %s: tag and fill bandwidth must be positive", cfg.Name)
	}

	sets := make([][]CacheBlock, cfg.Sets)
	for i := range sets {
		sets[i] = make([]CacheBlock, cfg.Ways)
	}

	c := &Cache{
		cfg:  cfg,
		sets: sets,
		stats: Stats{
			HitsByType:   make(map[channel.Type]uint64),
			MissesByType: make(map[channel.Type]uint64),
		},
	}

	ctx := &CacheContext{
		Name:            cfg.Name,
		Sets:            cfg.Sets,
		Ways:            cfg.Ways,
		OffsetBits:      cfg.OffsetBits,
		RequestPrefetch: c.requestPrefetch,
	}
	cfg.Replacement.Initialize(ctx)
	cfg.Prefetch.Initialize(ctx)

	return c, nil
}

// Stats returns a copy of the current counters.
func (c *Cache) Stats() Stats { return c.stats }

func (c *Cache) setIndex(block addr.Addr) int {
	return int(block.BlockNumber(c.cfg.OffsetBits) % uint64(c.cfg.Sets))
}

// blockOf is the tag identity a request's address collapses to: raw for a
// page-granular consumer (TLBs configure MatchOffsetBits, spec.md S4.2's
// "true for TLBs"), block-aligned otherwise. Mirrors internal/channel's own
// identically-named field and collisionKey.
func (c *Cache) blockOf(address addr.Addr) addr.Addr {
	if c.cfg.MatchOffsetBits {
		return address
	}
	return address.AlignedBlock(c.cfg.OffsetBits)
}

// replacementType is the request type handed to the replacement strategy:
// a prefetch is reported as a LOAD when PrefetchAsLoad is set (spec.md
// S4.2's "whether prefetches raise RRIP like loads"), matching how a
// recency/RRIP policy would otherwise never see a prefetch promote a line.
func (c *Cache) replacementType(t channel.Type) channel.Type {
	if t == channel.PREFETCH && c.cfg.PrefetchAsLoad {
		return channel.LOAD
	}
	return t
}

// requestPrefetch implements spec.md S4.2's prefetch_line: fillThisLevel
// enqueues on this cache's own PQ (it will later be allocated an MSHR like
// any other PQ entry); otherwise it goes straight to the lower level's RQ
// and is never stored here.
func (c *Cache) requestPrefetch(address addr.Addr, fillThisLevel bool, pfMetadata uint32) bool {
	req := channel.Request{
		Address:       address,
		VAddress:      address,
		Type:          channel.PREFETCH,
		IsTranslated:  true,
		FillThisLevel: fillThisLevel,
		PFMetadata:    pfMetadata,
	}
	if fillThisLevel {
		if len(c.ownPQ) >= c.cfg.PQSize {
			return false
		}
		c.ownPQ = append(c.ownPQ, req)
		return true
	}
	return c.cfg.Lower.AddRQ(req)
}

// Tick advances the cache to cycle, running the six phases of spec.md S4.2
// in fixed order, so implements sim.Operable and can be registered directly
// on a sim.Driver. A hit serviced during this call becomes externally
// visible exactly hit_latency calls later (spec.md S8 scenario 1). The
// returned bool reports whether the cache still holds outstanding work
// (an MSHR entry, a scheduled hit, or a self-queued prefetch) — the input
// sim's deadlock heuristic.
func (c *Cache) Tick(cycle uint64) bool {
	c.cycle = cycle
	c.tagBandwidthUsed = 0

	for _, up := range c.cfg.Upper {
		up.CheckCollision()
	}

	c.drainPendingHits()
	c.finishTranslation()
	c.finishFill()
	c.handleWriteback()
	c.handleReadAndPrefetch()
	c.issueTranslation()
	c.operatePrefetcherAndReplacement()

	return len(c.mshr) > 0 || len(c.pendingHits) > 0 || len(c.ownPQ) > 0
}

// DumpState implements sim.Dumper for deadlock reports.
func (c *Cache) DumpState(w io.Writer) {
	fmt.Fprintf(w, "cache %s: %d MSHR entries, %d pending hits, %d self-queued prefetches\n",
		c.cfg.Name, len(c.mshr), len(c.pendingHits), len(c.ownPQ))
}

// drainPendingHits delivers every hit response whose hit_latency has
// elapsed as of the current cycle.
func (c *Cache) drainPendingHits() {
	remaining := c.pendingHits[:0]
	for _, p := range c.pendingHits {
		if p.readyCycle > c.cycle {
			remaining = append(remaining, p)
			continue
		}
		if p.up != nil {
			p.up.Returned = append(p.up.Returned, p.response)
		}
	}
	c.pendingHits = remaining
}

// finishTranslation consumes translation responses and patches the matching
// head-of-queue packet with its now-resolved physical address (spec.md S4.2
// phase 1), re-inserting it for a tag check on the next pass through
// handle-read-and-prefetch. Phase 5 (issueTranslation) leaves the packet
// sitting at the head of its queue while translation is outstanding, so
// there is no MSHR entry to patch here — only the queued packet itself.
func (c *Cache) finishTranslation() {
	if c.cfg.Translation == nil {
		return
	}
	for _, resp := range c.cfg.Translation.PopReturned() {
		for _, up := range c.cfg.Upper {
			if req, ok := up.PeekRQ(); ok && !req.IsTranslated && req.VAddress == resp.VAddress {
				req.Address = resp.Address
				req.IsTranslated = true
				up.ReplaceRQHead(req)
			}
			if req, ok := up.PeekPQ(); ok && !req.IsTranslated && req.VAddress == resp.VAddress {
				req.Address = resp.Address
				req.IsTranslated = true
				up.ReplacePQHead(req)
			}
		}
	}
}

// finishFill drains lower-level responses into their MSHRs (spec.md S4.2's
// "Fill return"), then, up to fill_bandwidth, installs every MSHR whose
// event_cycle has arrived into the tag array.
func (c *Cache) finishFill() {
	for _, resp := range c.cfg.Lower.PopReturned() {
		for i := range c.mshr {
			e := &c.mshr[i]
			if e.address == c.blockOf(resp.Address) && e.eventCycle == infiniteCycle {
				e.eventCycle = c.cycle + c.cfg.FillLatency
				e.state = mshrFillScheduled
			}
		}
	}

	filled := 0
	remaining := c.mshr[:0]
	for _, e := range c.mshr {
		if filled >= c.cfg.FillBandwidth || e.eventCycle > c.cycle {
			remaining = append(remaining, e)
			continue
		}
		c.install(e)
		filled++
	}
	c.mshr = remaining

	if len(c.mshr) > c.stats.MSHRPeak {
		c.stats.MSHRPeak = len(c.mshr)
	}
	telemetry.ObserveMSHROccupancy(c.cfg.Name, c.stats.MSHRPeak)
}

// install places a completed MSHR entry into the tag array, evicting a
// victim chosen by the replacement strategy, writing back a dirty victim,
// and emitting every gated upstream response.
func (c *Cache) install(e mshrEntry) {
	set := c.setIndex(e.address)
	way := c.cfg.Replacement.FindVictim(e.cpu, e.instrID, set, c.sets[set], e.ip, e.address, e.asid, c.replacementType(e.reqType))

	if way != Bypass {
		victim := c.sets[set][way]
		if victim.Valid && victim.Dirty {
			c.cfg.Lower.AddWQ(channel.Request{Address: victim.Address, VAddress: victim.VAddress, Data: victim.Data, Type: channel.WRITE})
		}
		if victim.Valid {
			c.stats.Evictions++
			telemetry.ObserveEviction(c.cfg.Name)
		}

		pfMeta := c.cfg.Prefetch.CacheFill(e.address, set, way, e.isPrefetch, victim.Address, e.asid, e.pfMetadata)
		c.sets[set][way] = CacheBlock{
			Valid:    true,
			Prefetch: e.isPrefetch,
			Address:  e.address,
			VAddress: e.vaddress,
			PFMeta:   pfMeta,
		}
		c.cfg.Replacement.UpdateState(e.cpu, set, way, e.address, e.ip, victim.Address, e.asid, c.replacementType(e.reqType), false)
	}

	for _, p := range e.toReturn {
		p.upward.Returned = append(p.upward.Returned, p.response)
	}
}

// handleWriteback drains each upper channel's WQ up to the tag-bandwidth
// remaining for this tick. Write-no-allocate (DESIGN.md Open Question 1): a
// hit marks the line dirty in place; a miss is forwarded to the lower level
// without ever occupying this cache's MSHR or tag array.
func (c *Cache) handleWriteback() {
	for _, up := range c.cfg.Upper {
		for c.tagBandwidthUsed < c.cfg.TagBandwidth {
			req, ok := up.PeekWQ()
			if !ok {
				break
			}
			if hitSet, hitWay, hit := c.tryHitLookup(req.Address); hit {
				c.sets[hitSet][hitWay].Dirty = true
				c.sets[hitSet][hitWay].Data = req.Data
				c.cfg.Replacement.UpdateState(req.CPU, hitSet, hitWay, req.Address, req.IP, addr.Addr(0), req.ASID, req.Type, true)
				c.recordHit(req.Type)
			} else {
				if !c.cfg.Lower.AddWQ(req) {
					break // lower full, retry this same head-of-queue entry next tick
				}
				c.recordMiss(req.Type)
			}
			c.tagBandwidthUsed++
			up.PopWQ()
		}
	}
}

// handleReadAndPrefetch drains RQ then PQ (upper-channel fan-in, then this
// cache's own self-generated PQ) up to the tag bandwidth remaining after
// handleWriteback, performing try_hit/handle_miss for each.
func (c *Cache) handleReadAndPrefetch() {
	for _, up := range c.cfg.Upper {
		for c.tagBandwidthUsed < c.cfg.TagBandwidth {
			req, ok := up.PeekRQ()
			if !ok {
				break
			}
			if !req.IsTranslated {
				break // awaits translation; phase 5 will issue it
			}
			if !c.service(req, up) {
				break // MSHR/lower full, retry next tick
			}
			up.PopRQ()
		}
	}
	for _, up := range c.cfg.Upper {
		c.drainPQ(func() (channel.Request, bool) { return up.PeekPQ() }, func() { up.PopPQ() }, up)
	}
	c.drainPQ(func() (channel.Request, bool) {
		if len(c.ownPQ) == 0 {
			return channel.Request{}, false
		}
		return c.ownPQ[0], true
	}, func() { c.ownPQ = c.ownPQ[1:] }, nil)
}

func (c *Cache) drainPQ(peek func() (channel.Request, bool), pop func(), up *channel.Channel) {
	for c.tagBandwidthUsed < c.cfg.TagBandwidth {
		req, ok := peek()
		if !ok {
			return
		}
		if !req.IsTranslated && !c.cfg.VirtualPrefetch {
			return
		}
		if !c.service(req, up) {
			return
		}
		pop()
	}
}

// service performs try_hit for req, falling through to handle_miss on a
// miss. up is the upper channel to deliver a hit response to, or nil for a
// self-generated prefetch. Returns false only when the miss path must stall
// (MSHR or lower channel full) so the caller retries next tick.
func (c *Cache) service(req channel.Request, up *channel.Channel) bool {
	c.tagBandwidthUsed++

	set, way, hit := c.tryHitLookup(req.Address)
	useful := false
	if hit {
		if c.sets[set][way].Prefetch {
			useful = true
			c.sets[set][way].Prefetch = false
			c.stats.UsefulPrefetches++
			telemetry.ObserveUsefulPrefetch(c.cfg.Name)
		}
		c.cfg.Replacement.UpdateState(req.CPU, set, way, req.Address, req.IP, addr.Addr(0), req.ASID, c.replacementType(req.Type), true)
		if req.ResponseRequested && up != nil {
			c.pendingHits = append(c.pendingHits, pendingHit{
				readyCycle: c.cycle + c.cfg.HitLatency,
				up:         up,
				response:   channel.ResponseFromRequest(req),
			})
		}
		c.recordHit(req.Type)
	} else {
		c.recordMiss(req.Type)
	}

	if maskHas(c.cfg.PrefActivateMask, req.Type) {
		c.cfg.Prefetch.CacheOperate(req.Address, req.IP, hit, useful, req.ASID, req.Type, req.PFMetadata)
	}

	if hit {
		return true
	}
	return c.handleMiss(req, up)
}

func (c *Cache) tryHitLookup(address addr.Addr) (set, way int, hit bool) {
	block := c.blockOf(address)
	set = c.setIndex(block)
	for w, b := range c.sets[set] {
		if b.Valid && b.Address == block {
			return set, w, true
		}
	}
	return set, 0, false
}

func (c *Cache) recordHit(t channel.Type) {
	c.stats.Hits++
	c.stats.HitsByType[t]++
	telemetry.ObserveCacheHit(c.cfg.Name, t.String())
}

func (c *Cache) recordMiss(t channel.Type) {
	c.stats.Misses++
	c.stats.MissesByType[t]++
	telemetry.ObserveCacheMiss(c.cfg.Name, t.String())
}

// handleMiss implements spec.md S4.2's handle_miss: promote a prefetch MSHR
// to demand, merge into an existing entry, or allocate a new one and issue
// it downstream.
func (c *Cache) handleMiss(req channel.Request, up *channel.Channel) bool {
	block := c.blockOf(req.Address)

	for i := range c.mshr {
		e := &c.mshr[i]
		if e.address != block {
			continue
		}
		if e.isPrefetch && req.Type != channel.PREFETCH {
			e.cycleEnqueued = c.cycle
			e.reqType = req.Type
			e.isPrefetch = false
		}
		e.addProducer(req, up)
		return true
	}

	if len(c.mshr) >= c.cfg.MSHRSize {
		c.stats.MSHRFull++
		return false
	}

	issueType := req.Type
	if issueType == channel.LOAD || issueType == channel.RFO {
		issueType = channel.LOAD
	}
	downstream := channel.Request{
		Address:       block,
		VAddress:      req.VAddress,
		Type:          issueType,
		IsTranslated:  true,
		CPU:           req.CPU,
		IP:            req.IP,
		ASID:          req.ASID,
		InstrID:       req.InstrID,
		FillThisLevel: req.FillThisLevel,
		PFMetadata:    req.PFMetadata,
	}
	var ok bool
	if issueType == channel.PREFETCH {
		ok = c.cfg.Lower.AddPQ(downstream)
	} else {
		ok = c.cfg.Lower.AddRQ(downstream)
	}
	if !ok {
		return false
	}

	entry := mshrEntry{
		state:         mshrInflight,
		address:       block,
		vaddress:      req.VAddress,
		reqType:       req.Type,
		cpu:           req.CPU,
		asid:          req.ASID,
		ip:            req.IP,
		instrID:       req.InstrID,
		isPrefetch:    req.Type == channel.PREFETCH,
		fillThisLevel: req.FillThisLevel,
		pfMetadata:    req.PFMetadata,
		cycleEnqueued: c.cycle,
		eventCycle:    infiniteCycle,
	}
	entry.addProducer(req, up)
	c.mshr = append(c.mshr, entry)
	if len(c.mshr) > c.stats.MSHRPeak {
		c.stats.MSHRPeak = len(c.mshr)
	}
	return true
}

// issueTranslation sends a TRANSLATION request for any head-of-queue packet
// still awaiting translation.
func (c *Cache) issueTranslation() {
	if c.cfg.Translation == nil {
		return
	}
	for _, up := range c.cfg.Upper {
		if req, ok := up.PeekRQ(); ok && !req.IsTranslated {
			c.cfg.Translation.AddRQ(channel.Request{VAddress: req.VAddress, Type: channel.TRANSLATION, CPU: req.CPU, ResponseRequested: true})
		}
		if req, ok := up.PeekPQ(); ok && !req.IsTranslated && c.cfg.VirtualPrefetch {
			c.cfg.Translation.AddRQ(channel.Request{VAddress: req.VAddress, Type: channel.TRANSLATION, CPU: req.CPU, ResponseRequested: true})
		}
	}
}

func (c *Cache) operatePrefetcherAndReplacement() {
	c.cfg.Prefetch.CycleOperate()
}
