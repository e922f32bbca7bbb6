package prefetch

import (
	"testing"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/cache"
	"github.com/rcornwell/memhier/internal/channel"
)

func TestCacheOperateIssuesNextBlock(t *testing.T) {
	var requested addr.Addr
	var fillThisLevel bool
	s := New()
	s.Initialize(&cache.CacheContext{
		Name:       "l1d",
		OffsetBits: 6,
		RequestPrefetch: func(address addr.Addr, fill bool, pfMetadata uint32) bool {
			requested = address
			fillThisLevel = fill
			return true
		},
	})

	s.CacheOperate(0x1000, 0, true, false, [2]uint8{}, channel.LOAD, 0)

	if requested != 0x1040 {
		t.Errorf("requested next block %#x, want %#x", requested, addr.Addr(0x1040))
	}
	if !fillThisLevel {
		t.Error("expected the streamer to request fill_this_level=true")
	}
	if s.issued != 1 {
		t.Errorf("issued = %d, want 1", s.issued)
	}
}

func TestCacheOperateRespectsOffsetBits(t *testing.T) {
	var requested addr.Addr
	s := New()
	s.Initialize(&cache.CacheContext{
		Name:       "tlb",
		OffsetBits: 12,
		RequestPrefetch: func(address addr.Addr, fill bool, pfMetadata uint32) bool {
			requested = address
			return true
		},
	})

	s.CacheOperate(0x2000, 0, true, false, [2]uint8{}, channel.LOAD, 0)

	if requested != 0x3000 {
		t.Errorf("requested next block %#x, want %#x (a 12-bit block stride)", requested, addr.Addr(0x3000))
	}
}

func TestRequestPrefetchDeclinedNotCounted(t *testing.T) {
	s := New()
	s.Initialize(&cache.CacheContext{
		Name:       "l1d",
		OffsetBits: 6,
		RequestPrefetch: func(address addr.Addr, fill bool, pfMetadata uint32) bool {
			return false
		},
	})

	s.CacheOperate(0x1000, 0, true, false, [2]uint8{}, channel.LOAD, 0)

	if s.issued != 0 {
		t.Errorf("issued = %d, want 0 when RequestPrefetch declines", s.issued)
	}
}
