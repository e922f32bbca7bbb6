/*
 * memhier - Cooperative cycle-stepped driver
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

// Package sim implements the single-threaded, cooperatively scheduled driver
// of spec.md S5: a global cycle counter advancing to the minimum next_tick
// across registered operables, ticking every operable due that cycle in
// stable registration order.
package sim

import (
	"fmt"
	"io"
)

// Operable is anything the driver can schedule. Tick reports whether the
// operable still has pending work, the only input to the deadlock heuristic.
type Operable interface {
	Tick(cycle uint64) bool
}

// Dumper is implemented by operables that can describe their own state for a
// deadlock report (queue contents, MSHR entries). Optional: operables that
// don't implement it are listed by name only.
type Dumper interface {
	DumpState(w io.Writer)
}

type entry struct {
	name     string
	op       Operable
	period   uint64
	nextTick uint64
}

// Driver holds operables in registration order and advances them at a global
// cycle granularity (spec.md S5).
type Driver struct {
	entries []entry
	cycle   uint64

	idleCycles    uint64
	deadlockAfter uint64
}

// DefaultDeadlockThreshold is the number of consecutive cycles with no
// operable reporting pending work before Run treats the simulation as
// deadlocked and stops (spec.md S5's "implementation-defined interval").
const DefaultDeadlockThreshold = 10_000

// NewDriver returns an empty Driver using DefaultDeadlockThreshold.
func NewDriver() *Driver {
	return &Driver{deadlockAfter: DefaultDeadlockThreshold}
}

// SetDeadlockThreshold overrides the number of idle cycles tolerated before
// Run reports a deadlock.
func (d *Driver) SetDeadlockThreshold(cycles uint64) {
	d.deadlockAfter = cycles
}

// Register adds an operable ticked once per period cycles, in the order
// Register was called — that order is the observable within-cycle tick
// order (spec.md S5: "CPU before L1 before L2").
func (d *Driver) Register(name string, op Operable, period uint64) error {
	if period == 0 {
		return fmt.Errorf("sim: %s: period must be positive", name)
	}
	d.entries = append(d.entries, entry{name: name, op: op, period: period, nextTick: d.cycle + period})
	return nil
}

// Cycle reports the current global cycle.
func (d *Driver) Cycle() uint64 { return d.cycle }

// Step advances the clock to the next due cycle and ticks every operable due
// there, in registration order. It returns false (and does not advance) when
// no operable is registered.
func (d *Driver) Step() bool {
	if len(d.entries) == 0 {
		return false
	}

	next := d.entries[0].nextTick
	for _, e := range d.entries[1:] {
		if e.nextTick < next {
			next = e.nextTick
		}
	}
	d.cycle = next

	busy := false
	for i := range d.entries {
		e := &d.entries[i]
		if e.nextTick != d.cycle {
			continue
		}
		if e.op.Tick(d.cycle) {
			busy = true
		}
		e.nextTick += e.period
	}

	if busy {
		d.idleCycles = 0
	} else {
		d.idleCycles++
	}
	return true
}

// Run steps the driver until either no operable reports pending work for
// deadlockAfter consecutive ticked cycles, or maxCycles is reached (0 means
// unbounded). It returns the final cycle count and whether a deadlock was
// detected.
func (d *Driver) Run(maxCycles uint64) (cycle uint64, deadlocked bool) {
	for maxCycles == 0 || d.cycle < maxCycles {
		if !d.Step() {
			return d.cycle, false
		}
		if d.idleCycles >= d.deadlockAfter {
			return d.cycle, true
		}
	}
	return d.cycle, false
}

// PrintDeadlock writes the name of every registered operable to w, calling
// DumpState on those that implement Dumper (spec.md S5's print_deadlock).
func (d *Driver) PrintDeadlock(w io.Writer) {
	fmt.Fprintf(w, "deadlock detected at cycle %d, %d idle cycles\n", d.cycle, d.idleCycles)
	for _, e := range d.entries {
		fmt.Fprintf(w, "-- %s (next_tick=%d) --\n", e.name, e.nextTick)
		if dumper, ok := e.op.(Dumper); ok {
			dumper.DumpState(w)
		}
	}
}
