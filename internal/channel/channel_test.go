package channel

import (
	"testing"

	"github.com/rcornwell/memhier/internal/addr"
)

func testConfig() Config {
	return Config{Name: "l1d", RQSize: 4, WQSize: 4, PQSize: 4, OffsetBits: 6}
}

// TestWQToRQForward reproduces spec.md S8 scenario 3: a read for 0xdeadbeef
// arrives while a write to the same block (0xdeadbe00-0xdeadbe3f) is queued;
// the read must be satisfied directly from the write's data and never reach
// the tag array.
func TestWQToRQForward(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if !c.AddWQ(Request{Address: addr.Addr(0xdeadbe00), Data: 0x1122334455667788, Type: WRITE}) {
		t.Fatal("AddWQ rejected")
	}
	if !c.AddRQ(Request{Address: addr.Addr(0xdeadbeef), Type: LOAD, ResponseRequested: true}) {
		t.Fatal("AddRQ rejected")
	}

	c.CheckCollision()

	if c.RQOccupancy() != 0 {
		t.Fatalf("expected RQ drained by forward, occupancy = %d", c.RQOccupancy())
	}
	if c.Stats.WQForward != 1 {
		t.Fatalf("WQForward = %d, want 1", c.Stats.WQForward)
	}
	returned := c.PopReturned()
	if len(returned) != 1 {
		t.Fatalf("expected one forwarded response, got %d", len(returned))
	}
	if returned[0].Data != 0x1122334455667788 {
		t.Errorf("forwarded response carries wrong data: %#x", returned[0].Data)
	}
	if returned[0].Address != addr.Addr(0xdeadbeef) {
		t.Errorf("forwarded response address = %#x, want request's own address", returned[0].Address)
	}
}

func TestWQToPQForwardDropsSilentlyWithoutResponseRequested(t *testing.T) {
	c, _ := New(testConfig())
	c.AddWQ(Request{Address: addr.Addr(0xdeadbe00), Type: WRITE})
	c.AddPQ(Request{Address: addr.Addr(0xdeadbe20), Type: PREFETCH, ResponseRequested: false})

	c.CheckCollision()

	if c.PQOccupancy() != 0 {
		t.Fatalf("expected PQ entry forwarded away, occupancy = %d", c.PQOccupancy())
	}
	if len(c.PopReturned()) != 0 {
		t.Error("no response should be fabricated when ResponseRequested is false")
	}
}

func TestRQMergeSameBlockMatchingTranslation(t *testing.T) {
	c, _ := New(testConfig())
	c.AddRQ(Request{Address: addr.Addr(0x1000), InstrDependOnMe: []uint64{1}})
	c.AddRQ(Request{Address: addr.Addr(0x1001), InstrDependOnMe: []uint64{2}, ResponseRequested: true})

	c.CheckCollision()

	if c.RQOccupancy() != 1 {
		t.Fatalf("expected merge to one entry, occupancy = %d", c.RQOccupancy())
	}
	if c.Stats.RQMerged != 1 {
		t.Errorf("RQMerged = %d, want 1", c.Stats.RQMerged)
	}
	merged := c.RQ[0]
	if !merged.ResponseRequested {
		t.Error("expected ResponseRequested promoted onto surviving entry")
	}
	if len(merged.InstrDependOnMe) != 2 {
		t.Errorf("expected dependents unioned, got %v", merged.InstrDependOnMe)
	}
}

func TestRQNoMergeAcrossTranslationState(t *testing.T) {
	c, _ := New(testConfig())
	c.AddRQ(Request{Address: addr.Addr(0x1000), IsTranslated: false})
	c.AddRQ(Request{Address: addr.Addr(0x1001), IsTranslated: true})

	c.CheckCollision()

	if c.RQOccupancy() != 2 {
		t.Fatalf("requests with differing IsTranslated must not merge, occupancy = %d", c.RQOccupancy())
	}
}

func TestWQDedupSameBlock(t *testing.T) {
	c, _ := New(testConfig())
	c.AddWQ(Request{Address: addr.Addr(0x2000)})
	c.AddWQ(Request{Address: addr.Addr(0x2010)})

	c.CheckCollision()

	if c.WQOccupancy() != 1 {
		t.Fatalf("expected second write deduped, occupancy = %d", c.WQOccupancy())
	}
	if c.Stats.WQMerged != 1 {
		t.Errorf("WQMerged = %d, want 1", c.Stats.WQMerged)
	}
}

func TestPQMergePromotesFillThisLevel(t *testing.T) {
	c, _ := New(testConfig())
	c.AddPQ(Request{Address: addr.Addr(0x3000), FillThisLevel: false})
	c.AddPQ(Request{Address: addr.Addr(0x3010), FillThisLevel: true})

	c.CheckCollision()

	if c.PQOccupancy() != 1 {
		t.Fatalf("expected merge to one entry, occupancy = %d", c.PQOccupancy())
	}
	if !c.PQ[0].FillThisLevel {
		t.Error("expected FillThisLevel promoted onto surviving entry")
	}
}

func TestQueueCapacity(t *testing.T) {
	c, _ := New(Config{Name: "x", RQSize: 1, WQSize: 1, PQSize: 1, OffsetBits: 6})
	if !c.AddRQ(Request{Address: addr.Addr(0x10)}) {
		t.Fatal("first AddRQ should succeed")
	}
	if c.AddRQ(Request{Address: addr.Addr(0x20)}) {
		t.Fatal("second AddRQ should fail, RQ at capacity")
	}
	if c.Stats.RQFull != 1 {
		t.Errorf("RQFull = %d, want 1", c.Stats.RQFull)
	}
}

func TestUnboundedQueueNeverFull(t *testing.T) {
	c, _ := New(Config{Name: "x", RQSize: Unbounded, WQSize: 1, PQSize: 1})
	for i := 0; i < 1000; i++ {
		if !c.AddRQ(Request{Address: addr.Addr(uint64(i) * 64)}) {
			t.Fatalf("unbounded RQ rejected entry %d", i)
		}
	}
}

func TestPopOrdering(t *testing.T) {
	c, _ := New(testConfig())
	c.AddRQ(Request{Address: addr.Addr(0x100)})
	c.AddRQ(Request{Address: addr.Addr(0x200)})

	first, ok := c.PopRQ()
	if !ok || first.Address != addr.Addr(0x100) {
		t.Fatalf("expected FIFO pop order, got %#x", first.Address)
	}
	if c.RQOccupancy() != 1 {
		t.Errorf("occupancy after pop = %d, want 1", c.RQOccupancy())
	}
}

func TestConstructionValidation(t *testing.T) {
	if _, err := New(Config{Name: "bad", OffsetBits: 64}); err == nil {
		t.Error("expected error for OffsetBits out of range")
	}
	if _, err := New(Config{Name: "bad", RQSize: -5}); err == nil {
		t.Error("expected error for negative RQSize")
	}
}
