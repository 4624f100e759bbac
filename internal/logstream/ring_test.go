package logstream

import (
	"fmt"
	"slices"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := range 5 {
		r.Push(fmt.Sprint(i))
	}
	if got, want := r.Lines(), []string{"2", "3", "4"}; !slices.Equal(got, want) {
		t.Errorf("Lines() = %q, want %q", got, want)
	}
	if got, want := r.Tail(2), []string{"3", "4"}; !slices.Equal(got, want) {
		t.Errorf("Tail(2) = %q, want %q", got, want)
	}
	if got := r.Tail(10); len(got) != 3 {
		t.Errorf("Tail(10) has %d lines, want 3", len(got))
	}
}

func TestRingKeepsLastCapLines(t *testing.T) {
	const capacity = 5
	for n := range 13 {
		r := NewRing(capacity)
		var all []string
		for i := range n {
			line := fmt.Sprintf("line %d", i)
			r.Push(line)
			all = append(all, line)
		}
		if r.Len() > r.Cap() {
			t.Fatalf("n=%d: Len() = %d exceeds Cap() = %d", n, r.Len(), r.Cap())
		}
		want := all[max(0, n-capacity):]
		if got := r.Lines(); !slices.Equal(got, want) {
			t.Errorf("n=%d: Lines() = %q, want %q", n, got, want)
		}
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Push("a")
	r.Push("b")
	if r.Cap() != 1 || !slices.Equal(r.Lines(), []string{"b"}) {
		t.Errorf("ring = %q (cap %d), want [b] (cap 1)", r.Lines(), r.Cap())
	}
	r.Reset()
	if r.Len() != 0 || len(r.Lines()) != 0 {
		t.Errorf("after Reset, Len() = %d", r.Len())
	}
}
