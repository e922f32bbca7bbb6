package ptw

import (
	"testing"

	"github.com/rcornwell/memhier/internal/addr"
	"github.com/rcornwell/memhier/internal/channel"
	"github.com/rcornwell/memhier/internal/vmem"
)

func newTestPTW(t *testing.T, levels int) (*PTW, *channel.Channel, *channel.Channel) {
	t.Helper()
	up, err := channel.New(channel.Config{Name: "up", RQSize: 8, WQSize: 8, PQSize: 8, OffsetBits: 6})
	if err != nil {
		t.Fatal(err)
	}
	lower, err := channel.New(channel.Config{Name: "lower", RQSize: 16, WQSize: 16, PQSize: 16, OffsetBits: 6})
	if err != nil {
		t.Fatal(err)
	}
	vm, err := vmem.New(vmem.Config{
		PTEPageSize:   4096,
		PTEBytes:      8,
		Levels:        levels,
		ReservedPages: 1,
		PoolPages:     1 << 20,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(Config{
		Name:     "ptw",
		Levels:   levels,
		PSCLSets: 4, PSCLWays: 4,
		RQSize: 8, MSHRSize: 8,
		MaxRead: 4, MaxFill: 4,
		Upper: []*channel.Channel{up},
		Lower: lower,
		VMem:  vm,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, up, lower
}

// answerAllSteps drains every outstanding lower-channel request and
// immediately satisfies it, standing in for a DRAM model that always hits.
func answerAllSteps(lower *channel.Channel) int {
	answered := 0
	for {
		req, ok := lower.PopRQ()
		if !ok {
			break
		}
		lower.Returned = append(lower.Returned, channel.Response{Address: req.Address, VAddress: req.VAddress})
		answered++
	}
	return answered
}

// TestPTWWalkDepth reproduces spec.md S8 scenario 4: a walk through a
// 5-level empty-PSCL page table issues one lower-level request per level,
// five in total, before the upper channel's response arrives.
func TestPTWWalkDepth(t *testing.T) {
	p, up, lower := newTestPTW(t, 5)

	va := addr.Addr(0x1234000)
	up.AddRQ(channel.Request{VAddress: va, Type: channel.TRANSLATION, ResponseRequested: true})

	steps := 0
	for i := 0; i < 32 && len(up.Returned) == 0; i++ {
		p.Tick(uint64(i))
		steps += answerAllSteps(lower)
	}

	if len(up.Returned) != 1 {
		t.Fatalf("expected exactly one completed translation, got %d", len(up.Returned))
	}
	if steps != 5 {
		t.Fatalf("expected 5 lower-level requests for a 5-level walk, got %d", steps)
	}
	if p.stats.StepsIssued != 5 {
		t.Errorf("stats.StepsIssued = %d, want 5", p.stats.StepsIssued)
	}
}

// TestPSCLShortCircuit reproduces spec.md S8 scenario 5: once a walk has
// populated every upper-level PSCL for a page, a second translation request
// to a different address on that same page resumes directly at level 1 and
// issues exactly one lower-level request.
func TestPSCLShortCircuit(t *testing.T) {
	p, up, lower := newTestPTW(t, 5)

	va1 := addr.Addr(0x1234000)
	up.AddRQ(channel.Request{VAddress: va1, Type: channel.TRANSLATION, ResponseRequested: true})
	for i := 0; i < 32 && len(up.Returned) == 0; i++ {
		p.Tick(uint64(i))
		answerAllSteps(lower)
	}
	if len(up.Returned) != 1 {
		t.Fatalf("first walk did not complete, up.Returned = %d", len(up.Returned))
	}
	up.PopReturned()

	va2 := addr.Addr(0x1234040) // same page, different block
	up.AddRQ(channel.Request{VAddress: va2, Type: channel.TRANSLATION, ResponseRequested: true})

	steps := 0
	for i := 0; i < 32 && len(up.Returned) == 0; i++ {
		p.Tick(uint64(i))
		steps += answerAllSteps(lower)
	}

	if len(up.Returned) != 1 {
		t.Fatalf("expected the second translation to complete, got %d", len(up.Returned))
	}
	if steps != 1 {
		t.Fatalf("expected PSCL short-circuit to issue exactly 1 request, got %d", steps)
	}
}

// TestMergeSamePageWalk exercises spec.md S4.3's walk-merge rule: two
// translation requests for the same page while a walk is outstanding must
// fold into a single MSHR entry and both be satisfied by its completion.
func TestMergeSamePageWalk(t *testing.T) {
	p, up, lower := newTestPTW(t, 3)

	va := addr.Addr(0x5000)
	up.AddRQ(channel.Request{VAddress: va, Type: channel.TRANSLATION, ResponseRequested: true})
	p.Tick(0)

	if len(p.mshr) != 1 {
		t.Fatalf("expected one walk entry after the first request, got %d", len(p.mshr))
	}

	up.AddRQ(channel.Request{VAddress: va + 0x40, Type: channel.TRANSLATION, ResponseRequested: true})
	p.Tick(1)

	if len(p.mshr) != 1 {
		t.Fatalf("expected the second request to merge into the same walk entry, got %d entries", len(p.mshr))
	}
	if p.stats.Merged != 1 {
		t.Errorf("stats.Merged = %d, want 1", p.stats.Merged)
	}

	for i := 0; i < 32 && len(up.Returned) < 2; i++ {
		p.Tick(uint64(2 + i))
		answerAllSteps(lower)
	}
	if len(up.Returned) != 2 {
		t.Fatalf("expected both merged requests satisfied, got %d responses", len(up.Returned))
	}
}

// TestASIDIsolation reproduces the original implementation's
// 602-asid-isolation scenario: two requests for the identical vaddr but
// different asids must walk independently rather than merge, producing
// 2*levels separate lower-level requests and two distinct completions.
func TestASIDIsolation(t *testing.T) {
	const levels = 5
	p, up, lower := newTestPTW(t, levels)

	va := addr.Addr(0xdeadbeefdeadbeef)
	reqA := channel.Request{VAddress: va, Type: channel.TRANSLATION, ASID: [2]uint8{0, 0}, ResponseRequested: true}
	reqB := channel.Request{VAddress: va, Type: channel.TRANSLATION, ASID: [2]uint8{1, 0}, ResponseRequested: true}

	up.AddRQ(reqA)
	p.Tick(0)
	up.AddRQ(reqB)
	p.Tick(1)

	if len(p.mshr) != 2 {
		t.Fatalf("expected independent walk entries for different asids, got %d", len(p.mshr))
	}
	if p.stats.Merged != 0 {
		t.Errorf("different-asid requests must not merge, stats.Merged = %d", p.stats.Merged)
	}

	steps := answerAllSteps(lower)
	for i := 2; i < 64 && len(up.Returned) < 2; i++ {
		p.Tick(uint64(i))
		steps += answerAllSteps(lower)
	}

	if len(up.Returned) != 2 {
		t.Fatalf("expected both asids' translations to complete, got %d", len(up.Returned))
	}
	if steps != 2*levels {
		t.Fatalf("expected %d lower-level requests (2*levels), got %d", 2*levels, steps)
	}
}

func TestConstructionValidation(t *testing.T) {
	lower, _ := channel.New(channel.Config{Name: "lower", RQSize: 4, WQSize: 4, PQSize: 4})
	vm, _ := vmem.New(vmem.Config{PTEPageSize: 4096, PTEBytes: 8, Levels: 3, PoolPages: 1024, ReservedPages: 1}, nil)

	if _, err := New(Config{Name: "bad", Levels: 1, Lower: lower, VMem: vm, MaxRead: 1, MaxFill: 1, PSCLSets: 1, PSCLWays: 1}); err == nil {
		t.Error("expected error for Levels <= 1")
	}
	if _, err := New(Config{Name: "bad", Levels: 3, VMem: vm, MaxRead: 1, MaxFill: 1, PSCLSets: 1, PSCLWays: 1}); err == nil {
		t.Error("expected error for missing lower channel")
	}
	if _, err := New(Config{Name: "bad", Levels: 3, Lower: lower, MaxRead: 1, MaxFill: 1, PSCLSets: 1, PSCLWays: 1}); err == nil {
		t.Error("expected error for missing VMem")
	}
}
