// Package replacement ships one reference ReplacementPolicy: standard
// recency-order LRU. It makes no claim of bit-for-bit parity with
// ChampSim's shipped Hawkeye policy (spec.md S9 Open Question 2) — it
// exists to exercise the cache.ReplacementPolicy interface end to end.
package replacement

import (
	"fmt"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/cache"
	"github.com/rcornwell/memhier/internal/channel"
)

// LRU tracks a per-set, per-way recency counter. State lives entirely on
// the instance, handed a CacheContext at Initialize (spec.md S9's
// anti-global-state note) rather than at package scope.
type LRU struct {
	ctx     *cache.CacheContext
	clock   uint64
	recency [][]uint64 // [set][way]
}

// New returns an uninitialized LRU; call Initialize before use.
func New() *LRU { return &LRU{} }

func (l *LRU) Initialize(ctx *cache.CacheContext) {
	l.ctx = ctx
	l.recency = make([][]uint64, ctx.Sets)
	for s := range l.recency {
		l.recency[s] = make([]uint64, ctx.Ways)
	}
}

func (l *LRU) FindVictim(cpu uint32, instrID uint64, set int, currentSetView []cache.CacheBlock, ip, paddr addr.Addr, asid [2]uint8, reqType channel.Type) int {
	for way, b := range currentSetView {
		if !b.Valid {
			return way
		}
	}

	victim := 0
	oldest := l.recency[set][0]
	for way, r := range l.recency[set] {
		if r < oldest {
			oldest = r
			victim = way
		}
	}
	return victim
}

func (l *LRU) UpdateState(cpu uint32, set, way int, paddr, ip, victimAddr addr.Addr, asid [2]uint8, reqType channel.Type, hit bool) {
	l.clock++
	l.recency[set][way] = l.clock
}

func (l *LRU) FinalStats() string {
	return fmt.Sprintf("lru(%s): %d sets tracked", l.ctx.Name, len(l.recency))
}
