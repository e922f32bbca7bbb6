package sim

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// recorder counts Tick calls and reports busy for a fixed number of them,
// then goes idle — standing in for a cache/PTW that eventually drains.
type recorder struct {
	name      string
	ticks     []uint64
	busyTicks int
}

func (r *recorder) Tick(cycle uint64) bool {
	r.ticks = append(r.ticks, cycle)
	r.busyTicks--
	return r.busyTicks > 0
}

func TestStepAdvancesToMinimumNextTick(t *testing.T) {
	d := NewDriver()
	a := &recorder{name: "a", busyTicks: 100}
	b := &recorder{name: "b", busyTicks: 100}
	if err := d.Register("a", a, 10); err != nil {
		t.Fatal(err)
	}
	if err := d.Register("b", b, 5); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		d.Step()
	}

	if got := a.ticks; len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Errorf("a ticked at %v, want [10 20]", got)
	}
	if got := b.ticks; len(got) != 4 || got[0] != 5 || got[1] != 10 || got[2] != 15 || got[3] != 20 {
		t.Errorf("b ticked at %v, want [5 10 15 20]", got)
	}
}

func TestRegistrationOrderWithinACycle(t *testing.T) {
	d := NewDriver()
	var order []string
	first := orderRecorder{name: "cpu", order: &order}
	second := orderRecorder{name: "l1", order: &order}
	if err := d.Register("cpu", &first, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.Register("l1", &second, 1); err != nil {
		t.Fatal(err)
	}

	d.Step()

	if len(order) != 2 || order[0] != "cpu" || order[1] != "l1" {
		t.Fatalf("tick order = %v, want [cpu l1]", order)
	}
}

type orderRecorder struct {
	name  string
	order *[]string
}

func (o *orderRecorder) Tick(cycle uint64) bool {
	*o.order = append(*o.order, o.name)
	return false
}

// alwaysBusy never reports idle, exercising Run's maxCycles bound.
type alwaysBusy struct{ n int }

func (a *alwaysBusy) Tick(cycle uint64) bool { a.n++; return true }

func TestRunStopsAtMaxCycles(t *testing.T) {
	d := NewDriver()
	op := &alwaysBusy{}
	if err := d.Register("op", op, 1); err != nil {
		t.Fatal(err)
	}

	cycle, deadlocked := d.Run(50)
	if deadlocked {
		t.Error("expected no deadlock when the operable always reports busy")
	}
	if cycle != 50 {
		t.Errorf("final cycle = %d, want 50", cycle)
	}
}

// neverBusy always reports no pending work, exercising deadlock detection.
type neverBusy struct{}

func (neverBusy) Tick(cycle uint64) bool { return false }

func TestRunDetectsDeadlock(t *testing.T) {
	d := NewDriver()
	d.SetDeadlockThreshold(5)
	if err := d.Register("idle", neverBusy{}, 1); err != nil {
		t.Fatal(err)
	}

	cycle, deadlocked := d.Run(0)
	if !deadlocked {
		t.Fatal("expected deadlock to be detected")
	}
	if cycle != 5 {
		t.Errorf("deadlock reported at cycle %d, want 5", cycle)
	}
}

type dumpingOperable struct{}

func (dumpingOperable) Tick(cycle uint64) bool { return false }
func (dumpingOperable) DumpState(w io.Writer)  { io.WriteString(w, "mshr: 3 entries outstanding\n") }

func TestPrintDeadlockIncludesDumperOutput(t *testing.T) {
	d := NewDriver()
	d.SetDeadlockThreshold(1)
	if err := d.Register("cache", dumpingOperable{}, 1); err != nil {
		t.Fatal(err)
	}
	d.Run(0)

	var buf bytes.Buffer
	d.PrintDeadlock(&buf)

	out := buf.String()
	if !strings.Contains(out, "cache") {
		t.Errorf("expected deadlock report to name the stalled operable, got %q", out)
	}
	if !strings.Contains(out, "mshr: 3 entries outstanding") {
		t.Errorf("expected deadlock report to include Dumper output, got %q", out)
	}
}

func TestRegisterRejectsZeroPeriod(t *testing.T) {
	d := NewDriver()
	if err := d.Register("bad", neverBusy{}, 0); err == nil {
		t.Error("expected an error for a zero period")
	}
}
