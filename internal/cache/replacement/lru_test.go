package replacement

import (
	"testing"

	"github.com/rcornwell/memhier/internal/cache"
	"github.com/rcornwell/memhier/internal/channel"
)

func newContext(sets, ways int) *cache.CacheContext {
	return &cache.CacheContext{Name: "l1d", Sets: sets, Ways: ways}
}

func TestFindVictimPrefersInvalidWay(t *testing.T) {
	l := New()
	l.Initialize(newContext(1, 4))

	view := []cache.CacheBlock{
		{Valid: true},
		{Valid: false},
		{Valid: true},
		{Valid: true},
	}
	if way := l.FindVictim(0, 0, 0, view, 0, 0, [2]uint8{}, channel.LOAD); way != 1 {
		t.Errorf("FindVictim = %d, want 1 (the only invalid way)", way)
	}
}

func TestFindVictimFallsBackToOldestRecency(t *testing.T) {
	l := New()
	l.Initialize(newContext(1, 2))

	full := []cache.CacheBlock{{Valid: true}, {Valid: true}}
	l.UpdateState(0, 0, 0, 0, 0, 0, [2]uint8{}, channel.LOAD, true) // way 0 touched at clock 1
	l.UpdateState(0, 0, 1, 0, 0, 0, [2]uint8{}, channel.LOAD, true) // way 1 touched at clock 2

	if way := l.FindVictim(0, 0, 0, full, 0, 0, [2]uint8{}, channel.LOAD); way != 0 {
		t.Errorf("FindVictim = %d, want 0 (least recently touched)", way)
	}
}
