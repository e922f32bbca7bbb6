// Package prefetch ships one reference PrefetchPolicy: a sequential
// next-line streamer. It does not claim parity with any
// particular ChampSim-shipped prefetcher; it exists to exercise the
// cache.PrefetchPolicy interface end to end (spec.md S9 Open Question 2).
package prefetch

import (
	"fmt"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/cache"
	"github.com/rcornwell/memhier/internal/channel"
)

// Streamer issues a single next-block prefetch on every CacheOperate call
// (every access whose type is in the cache's activate mask), the simplest
// member of the stream-detector family. It keeps no per-CPU history.
type Streamer struct {
	ctx     *cache.CacheContext
	lastBlk map[uint32]addr.Addr
	issued  int
}

// New returns an uninitialized Streamer; call Initialize before use.
func New() *Streamer { return &Streamer{lastBlk: make(map[uint32]addr.Addr)} }

func (s *Streamer) Initialize(ctx *cache.CacheContext) {
	s.ctx = ctx
}

func (s *Streamer) CacheOperate(address, ip addr.Addr, hit, usefulPrefetch bool, asid [2]uint8, reqType channel.Type, pfMetadata uint32) uint32 {
	next := address.AlignedBlock(s.ctx.OffsetBits) + (1 << s.ctx.OffsetBits)
	if s.ctx.RequestPrefetch(next, true, pfMetadata) {
		s.issued++
	}
	return pfMetadata
}

func (s *Streamer) CacheFill(address addr.Addr, set, way int, prefetch bool, victimAddr addr.Addr, asid [2]uint8, pfMetadata uint32) uint32 {
	return pfMetadata
}

func (s *Streamer) CycleOperate() {}

func (s *Streamer) FinalStats() string {
	return fmt.Sprintf("streamer(%s): issued %d prefetches", s.ctx.Name, s.issued)
}
