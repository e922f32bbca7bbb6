package lru

import "testing"

func TestCheckMiss(t *testing.T) {
	tbl, err := New[int](4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Check(5); ok {
		t.Error("expected miss on empty table")
	}
}

func TestFillThenCheck(t *testing.T) {
	tbl, _ := New[string](4, 2)
	tbl.Fill(5, "five")
	got, ok := tbl.Check(5)
	if !ok || got != "five" {
		t.Errorf("Check(5) = %q, %v; want five, true", got, ok)
	}
}

func TestEvictionIsLRU(t *testing.T) {
	tbl, _ := New[int](1, 2)
	tbl.Fill(0, 100)
	tbl.Fill(1, 101)
	// Touch key 0 so key 1 becomes LRU.
	if _, ok := tbl.Check(0); !ok {
		t.Fatal("expected hit on key 0")
	}
	tbl.Fill(2, 102) // should evict key 1, not key 0
	if _, ok := tbl.Check(1); ok {
		t.Error("expected key 1 evicted")
	}
	if _, ok := tbl.Check(0); !ok {
		t.Error("expected key 0 to survive eviction")
	}
	if _, ok := tbl.Check(2); !ok {
		t.Error("expected key 2 present after fill")
	}
}

func TestInvalidDimensions(t *testing.T) {
	if _, err := New[int](0, 2); err == nil {
		t.Error("expected error for zero sets")
	}
	if _, err := New[int](2, 0); err == nil {
		t.Error("expected error for zero ways")
	}
}

func TestInvalidate(t *testing.T) {
	tbl, _ := New[int](2, 2)
	tbl.Fill(3, 9)
	tbl.Invalidate(3)
	if _, ok := tbl.Check(3); ok {
		t.Error("expected miss after invalidate")
	}
}
