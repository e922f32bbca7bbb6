package cache

import (
	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/channel"
)

// Bypass is the victim-way sentinel meaning "return the fill upward without
// storing it" (spec.md S4.2's replacement contract).
const Bypass = -1

// CacheContext is handed to a strategy at Initialize. It carries the cache's
// static shape plus a callback for the prefetch hook's one privileged
// operation, prefetch_line — never package-scope state (spec.md S9's
// anti-global-state note).
type CacheContext struct {
	Name       string
	Sets       int
	Ways       int
	OffsetBits uint // log2(block size); lets a strategy compute block-aligned addresses itself

	// RequestPrefetch injects a prefetch packet exactly as spec.md S4.2
	// describes: fillThisLevel true enqueues on this cache's own PQ,
	// false sends straight to the lower level's RQ. Returns whether the
	// request was admitted.
	RequestPrefetch func(address addr.Addr, fillThisLevel bool, pfMetadata uint32) bool
}

// ReplacementPolicy is the victim-selection strategy contract of spec.md
// S4.2. Implementations are leaf types holding their own per-cache state,
// never package-level globals.
type ReplacementPolicy interface {
	Initialize(ctx *CacheContext)
	// FindVictim chooses a way to fill. currentSetView is the set's present
	// contents (spec.md S4.2's find_victim parameter of the same name) so a
	// policy can prefer an invalid way over evicting a valid one. asid is
	// the requester's address space id, handed through unchanged so a
	// policy can partition its metadata per address space if it chooses.
	FindVictim(cpu uint32, instrID uint64, set int, currentSetView []CacheBlock, ip, paddr addr.Addr, asid [2]uint8, reqType channel.Type) int
	UpdateState(cpu uint32, set, way int, paddr, ip, victimAddr addr.Addr, asid [2]uint8, reqType channel.Type, hit bool)
	FinalStats() string
}

// PrefetchPolicy is the prefetch-hook contract of spec.md S4.2. Called only
// for request types whose bit is set in Config.PrefActivateMask. asid is
// handed through unchanged, same as ReplacementPolicy above.
type PrefetchPolicy interface {
	Initialize(ctx *CacheContext)
	CacheOperate(address, ip addr.Addr, hit, usefulPrefetch bool, asid [2]uint8, reqType channel.Type, pfMetadata uint32) uint32
	CacheFill(address addr.Addr, set, way int, prefetch bool, victimAddr addr.Addr, asid [2]uint8, pfMetadata uint32) uint32
	CycleOperate()
	FinalStats() string
}

// ActivateMask builds a Config.PrefActivateMask from the request types that
// should trigger the prefetch hook.
func ActivateMask(types ...channel.Type) uint32 {
	var mask uint32
	for _, t := range types {
		mask |= 1 << uint(t)
	}
	return mask
}

func maskHas(mask uint32, t channel.Type) bool {
	return mask&(1<<uint(t)) != 0
}
