package fakeplane

import (
	"testing"

	"github.com/seantiz/anvil/internal/model"
)

func drain(ch <-chan string) []string {
	var got []string
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestFeedDeliversUntilJobEnds(t *testing.T) {
	f := NewFeed()
	a := f.Tail("k1")
	b := f.Tail("k1")
	other := f.Tail("k2")
	defer other.Stop()

	f.Publish("k1", "line 1")
	f.Publish("k1", "line 2")
	f.End("k1", model.StateCompleted)
	f.Publish("k1", "after end")

	for i, tail := range []*Tail{a, b} {
		got := drain(tail.Lines())
		if len(got) != 2 || got[0] != "line 1" || got[1] != "line 2" {
			t.Errorf("tail %d got %q", i, got)
		}
		if tail.Final() != model.StateCompleted {
			t.Errorf("tail %d final = %q", i, tail.Final())
		}
	}
	if isClosed(other.Lines()) {
		t.Error("ending k1 closed a k2 tail")
	}
	if n := f.Tails("k1"); n != 0 {
		t.Errorf("Tails after End = %d, want 0", n)
	}
}

func TestFeedLateTailLearnsFinalState(t *testing.T) {
	tests := []struct {
		name  string
		state model.State
		setup func(f *Feed)
	}{
		{"ended after output", model.StateFailed, func(f *Feed) {
			f.Publish("k1", "missed")
			f.End("k1", model.StateFailed)
		}},
		{"ended without tails", model.StateTerminated, func(f *Feed) {
			f.End("k1", model.StateTerminated)
		}},
		{"first end wins", model.StateCancelled, func(f *Feed) {
			f.End("k1", model.StateCancelled)
			f.End("k1", model.StateCompleted)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFeed()
			tt.setup(f)
			tail := f.Tail("k1")
			defer tail.Stop()
			if got := drain(tail.Lines()); len(got) != 0 {
				t.Errorf("late tail got %q", got)
			}
			if tail.Final() != tt.state {
				t.Errorf("Final = %q, want %q", tail.Final(), tt.state)
			}
		})
	}
}

func TestFeedStop(t *testing.T) {
	f := NewFeed()
	tail := f.Tail("k1")
	if n := f.Tails("k1"); n != 1 {
		t.Fatalf("Tails = %d, want 1", n)
	}
	tail.Stop()
	tail.Stop()
	if n := f.Tails("k1"); n != 0 {
		t.Errorf("Tails = %d, want 0", n)
	}
	if !isClosed(tail.Lines()) {
		t.Error("lines still open after Stop")
	}
	if tail.Final() != "" {
		t.Errorf("stopped tail Final = %q, want empty", tail.Final())
	}
	f.Publish("k1", "after")
	f.End("k1", model.StateCompleted)
}

func TestFeedDropsForSlowTail(t *testing.T) {
	f := NewFeed()
	tail := f.Tail("k1")
	defer tail.Stop()

	for range tailBuffer + 10 {
		f.Publish("k1", "x")
	}
	f.End("k1", model.StateCompleted)

	if got := len(drain(tail.Lines())); got != tailBuffer {
		t.Errorf("delivered %d lines, want %d", got, tailBuffer)
	}
}
