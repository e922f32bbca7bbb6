/*
 * memhier - Small set-associative LRU lookup table
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

// Package lru implements the small fully-/set-associative lookup table used
// by the PTW's paging-structure caches, keyed by a caller-supplied uint64
// (typically a shifted virtual address).
package lru

import "fmt"

type entry[V any] struct {
	valid    bool
	key      uint64
	value    V
	recency  uint64
	occupied bool
}

// Table is a sets x ways LRU-managed lookup, indexed by key%sets with
// intra-set linear search and recency-ordered eviction.
type Table[V any] struct {
	sets, ways int
	rows       [][]entry[V]
	clock      uint64
}

// New builds a Table with the given set and way counts. Both must be
// positive; ways need not be a power of two (unlike a cache's tag array).
func New[V any](sets, ways int) (*Table[V], error) {
	if sets <= 0 || ways <= 0 {
		return nil, fmt.Errorf("lru: invalid dimensions sets=%d ways=%d", sets, ways)
	}
	rows := make([][]entry[V], sets)
	for i := range rows {
		rows[i] = make([]entry[V], ways)
	}
	return &Table[V]{sets: sets, ways: ways, rows: rows}, nil
}

func (t *Table[V]) setFor(key uint64) []entry[V] {
	return t.rows[key%uint64(t.sets)]
}

// Check looks up key, returning its value and true on a hit. A hit refreshes
// recency.
func (t *Table[V]) Check(key uint64) (V, bool) {
	row := t.setFor(key)
	for i := range row {
		if row[i].valid && row[i].key == key {
			t.clock++
			row[i].recency = t.clock
			return row[i].value, true
		}
	}
	var zero V
	return zero, false
}

// Fill inserts or overwrites key's entry, evicting the least-recently-used
// resident of its set when full.
func (t *Table[V]) Fill(key uint64, value V) {
	row := t.setFor(key)
	for i := range row {
		if row[i].valid && row[i].key == key {
			t.clock++
			row[i].value = value
			row[i].recency = t.clock
			return
		}
	}

	victim := 0
	for i := range row {
		if !row[i].valid {
			victim = i
			break
		}
		if row[i].recency < row[victim].recency {
			victim = i
		}
	}

	t.clock++
	row[victim] = entry[V]{valid: true, key: key, value: value, recency: t.clock}
}

// Invalidate removes key's entry if present.
func (t *Table[V]) Invalidate(key uint64) {
	row := t.setFor(key)
	for i := range row {
		if row[i].valid && row[i].key == key {
			row[i] = entry[V]{}
			return
		}
	}
}
