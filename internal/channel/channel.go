/*
 * memhier - Bounded request/response channel
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

// Package channel implements the bounded RQ/WQ/PQ coupling between an
// upper-level producer and a lower-level consumer (spec.md S4.1), including
// the merge and write-forward rules applied once per tick by the consumer.
package channel

import (
	"fmt"
	"math"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/telemetry"
)

// Unbounded marks a queue with no capacity limit.
const Unbounded = -1

// Stats mirrors ChampSim's cache_queue_stats: per-queue access/merge/full
// counters plus the write-forward count.
type Stats struct {
	RQAccess, RQMerged, RQFull, RQToCache uint64
	PQAccess, PQMerged, PQFull, PQToCache uint64
	WQAccess, WQMerged, WQFull, WQToCache uint64
	WQForward                             uint64
}

// Config describes one channel's construction-time shape.
type Config struct {
	Name            string
	RQSize          int // Unbounded for no limit
	WQSize          int
	PQSize          int
	OffsetBits      uint // block-offset width, determines collision granularity
	MatchOffsetBits bool // true: collide on the raw address (page-granular consumers)
}

// Channel is the bidirectional, bounded coupling of spec.md S4.1.
type Channel struct {
	cfg Config

	RQ, WQ, PQ []Request
	Returned   []Response

	Stats Stats
}

// New validates cfg and returns an empty Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.OffsetBits >= 64 {
		return nil, fmt.Errorf("channel %s: OffsetBits %d out of range", cfg.Name, cfg.OffsetBits)
	}
	for name, size := range map[string]int{"RQSize": cfg.RQSize, "WQSize": cfg.WQSize, "PQSize": cfg.PQSize} {
		if size < 0 && size != Unbounded {
			return nil, fmt.Errorf("channel %s: negative %s", cfg.Name, name)
		}
	}
	return &Channel{cfg: cfg}, nil
}

func capOf(size int) int {
	if size == Unbounded {
		return math.MaxInt
	}
	return size
}

// RQSize, WQSize, PQSize report configured capacity (math.MaxInt if Unbounded).
func (c *Channel) RQSize() int { return capOf(c.cfg.RQSize) }
func (c *Channel) WQSize() int { return capOf(c.cfg.WQSize) }
func (c *Channel) PQSize() int { return capOf(c.cfg.PQSize) }

// RQOccupancy, WQOccupancy, PQOccupancy report current queue depth.
func (c *Channel) RQOccupancy() int { return len(c.RQ) }
func (c *Channel) WQOccupancy() int { return len(c.WQ) }
func (c *Channel) PQOccupancy() int { return len(c.PQ) }

// AddRQ enqueues a read/demand request. Returns false, with no side effects
// other than the RQ_FULL stat, if RQ is already at capacity.
func (c *Channel) AddRQ(req Request) bool {
	if len(c.RQ) >= c.RQSize() {
		c.Stats.RQFull++
		return false
	}
	c.RQ = append(c.RQ, req)
	c.Stats.RQAccess++
	c.Stats.RQToCache++
	telemetry.ObserveQueueAccess(c.cfg.Name, "rq")
	return true
}

// AddWQ enqueues a write request.
func (c *Channel) AddWQ(req Request) bool {
	if len(c.WQ) >= c.WQSize() {
		c.Stats.WQFull++
		return false
	}
	c.WQ = append(c.WQ, req)
	c.Stats.WQAccess++
	c.Stats.WQToCache++
	telemetry.ObserveQueueAccess(c.cfg.Name, "wq")
	return true
}

// AddPQ enqueues a prefetch request.
func (c *Channel) AddPQ(req Request) bool {
	if len(c.PQ) >= c.PQSize() {
		c.Stats.PQFull++
		return false
	}
	c.PQ = append(c.PQ, req)
	c.Stats.PQAccess++
	c.Stats.PQToCache++
	telemetry.ObserveQueueAccess(c.cfg.Name, "pq")
	return true
}

func (c *Channel) collisionKey(a addr.Addr) addr.Addr {
	if c.cfg.MatchOffsetBits {
		return a
	}
	return a.AlignedBlock(c.cfg.OffsetBits)
}

// CheckCollision applies the merge/forward rules of spec.md S4.1, in order:
// WQ-WQ dedup, RQ-RQ merge, PQ-PQ merge, then RQ/PQ-vs-WQ forwarding. Called
// by the consumer once per tick, before draining.
func (c *Channel) CheckCollision() {
	c.mergeWQ()
	c.mergeRQ()
	c.mergePQ()
	c.forwardFromWQ(&c.RQ, "rq")
	c.forwardFromWQ(&c.PQ, "pq")
}

// mergeWQ drops a newly arrived write that targets a block already queued
// (writes are idempotent: the later write need not be kept separately).
func (c *Channel) mergeWQ() {
	kept := c.WQ[:0]
	for i, req := range c.WQ {
		dup := false
		for _, prior := range kept {
			if c.collisionKey(prior.Address) == c.collisionKey(req.Address) {
				dup = true
				break
			}
		}
		if dup {
			c.Stats.WQMerged++
			telemetry.ObserveQueueMerged(c.cfg.Name, "wq")
			continue
		}
		kept = append(kept, c.WQ[i])
	}
	c.WQ = kept
}

// mergeRQ folds a newly arrived read into an existing same-block read with
// matching translation state, unioning dependents and promoting the response
// flag rather than keeping a second in-flight copy.
func (c *Channel) mergeRQ() {
	kept := c.RQ[:0]
	for i, req := range c.RQ {
		mergedInto := -1
		for j := range kept {
			if kept[j].IsTranslated != req.IsTranslated {
				continue
			}
			if c.collisionKey(kept[j].Address) == c.collisionKey(req.Address) {
				mergedInto = j
				break
			}
		}
		if mergedInto >= 0 {
			kept[mergedInto].InstrDependOnMe = append(kept[mergedInto].InstrDependOnMe, req.InstrDependOnMe...)
			kept[mergedInto].ResponseRequested = kept[mergedInto].ResponseRequested || req.ResponseRequested
			c.Stats.RQMerged++
			telemetry.ObserveQueueMerged(c.cfg.Name, "rq")
			continue
		}
		kept = append(kept, c.RQ[i])
	}
	c.RQ = kept
}

// mergePQ folds a newly arrived prefetch into an existing same-block
// prefetch, promoting response_requested and fill_this_level.
func (c *Channel) mergePQ() {
	kept := c.PQ[:0]
	for i, req := range c.PQ {
		mergedInto := -1
		for j := range kept {
			if c.collisionKey(kept[j].Address) == c.collisionKey(req.Address) {
				mergedInto = j
				break
			}
		}
		if mergedInto >= 0 {
			kept[mergedInto].ResponseRequested = kept[mergedInto].ResponseRequested || req.ResponseRequested
			kept[mergedInto].FillThisLevel = kept[mergedInto].FillThisLevel || req.FillThisLevel
			kept[mergedInto].InstrDependOnMe = append(kept[mergedInto].InstrDependOnMe, req.InstrDependOnMe...)
			c.Stats.PQMerged++
			telemetry.ObserveQueueMerged(c.cfg.Name, "pq")
			continue
		}
		kept = append(kept, c.PQ[i])
	}
	c.PQ = kept
}

// forwardFromWQ satisfies any entry of *queue that matches a pending write by
// fabricating a response directly from the write's data, without ever
// touching the consumer's tag array. The response keeps the forwarded
// request's own address, metadata and dependents.
func (c *Channel) forwardFromWQ(queue *[]Request, queueName string) {
	kept := (*queue)[:0]
	for i, req := range *queue {
		forwarded := false
		for _, wq := range c.WQ {
			if c.collisionKey(wq.Address) == c.collisionKey(req.Address) {
				if req.ResponseRequested {
					resp := ResponseFromRequest(req)
					resp.Data = wq.Data
					c.Returned = append(c.Returned, resp)
				}
				c.Stats.WQForward++
				telemetry.ObserveQueueForwarded(c.cfg.Name)
				forwarded = true
				break
			}
		}
		if forwarded {
			continue
		}
		kept = append(kept, (*queue)[i])
	}
	*queue = kept
}

// PopRQ, PopWQ, PopPQ remove and return the head-of-queue packet, consumed by
// the cache/PTW drain phases. ok is false on an empty queue.
func (c *Channel) PopRQ() (Request, bool) { return pop(&c.RQ) }
func (c *Channel) PopWQ() (Request, bool) { return pop(&c.WQ) }
func (c *Channel) PopPQ() (Request, bool) { return pop(&c.PQ) }

func pop(queue *[]Request) (Request, bool) {
	if len(*queue) == 0 {
		return Request{}, false
	}
	req := (*queue)[0]
	*queue = (*queue)[1:]
	return req, true
}

// PeekRQ, PeekWQ, PeekPQ return the head-of-queue packet without removing it.
func (c *Channel) PeekRQ() (Request, bool) { return peek(c.RQ) }
func (c *Channel) PeekWQ() (Request, bool) { return peek(c.WQ) }
func (c *Channel) PeekPQ() (Request, bool) { return peek(c.PQ) }

func peek(queue []Request) (Request, bool) {
	if len(queue) == 0 {
		return Request{}, false
	}
	return queue[0], true
}

// ReplaceHead overwrites the head-of-queue packet in place, used when a
// packet's is_translated state changes in place while it waits its turn.
func (c *Channel) ReplaceRQHead(req Request) { c.RQ[0] = req }
func (c *Channel) ReplacePQHead(req Request) { c.PQ[0] = req }

// PopReturned drains all currently queued responses.
func (c *Channel) PopReturned() []Response {
	out := c.Returned
	c.Returned = nil
	return out
}
