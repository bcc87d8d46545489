package dataset

import (
	"reflect"
	"testing"
)

func TestSplitDisjointAndExhaustive(t *testing.T) {
	for _, n := range []int{1, 7, 20, 101} {
		s, err := Split(n, Ratios{Train: 0.75, Val: 0.10}, 42)
		if err != nil {
			t.Fatalf("Split(%d): %v", n, err)
		}
		seen := make(map[int]int, n)
		for _, part := range [][]int{s.Train, s.Val, s.Test} {
			for _, idx := range part {
				seen[idx]++
			}
		}
		if len(seen) != n {
			t.Fatalf("n=%d: covered %d indices", n, len(seen))
		}
		for idx, count := range seen {
			if idx < 0 || idx >= n || count != 1 {
				t.Fatalf("n=%d: index %d seen %d times", n, idx, count)
			}
		}
	}
}

func TestSplitSizes(t *testing.T) {
	s, err := Split(100, Ratios{Train: 0.75, Val: 0.10}, 42)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(s.Train) != 75 || len(s.Val) != 10 || len(s.Test) != 15 {
		t.Fatalf("unexpected sizes %d/%d/%d", len(s.Train), len(s.Val), len(s.Test))
	}
	s, _ = Split(30, Ratios{Train: 0.75, Val: 0.10}, 42)
	if len(s.Train) != 22 || len(s.Val) != 3 || len(s.Test) != 5 {
		t.Fatalf("unexpected sizes %d/%d/%d", len(s.Train), len(s.Val), len(s.Test))
	}
}

func TestSplitReproducible(t *testing.T) {
	a, _ := Split(50, Ratios{Train: 0.75, Val: 0.10}, 7)
	b, _ := Split(50, Ratios{Train: 0.75, Val: 0.10}, 7)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different splits")
	}
	c, _ := Split(50, Ratios{Train: 0.75, Val: 0.10}, 8)
	if reflect.DeepEqual(a, c) {
		t.Fatalf("different seeds produced identical splits")
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, err := Split(0, Ratios{Train: 0.75, Val: 0.1}, 1); err == nil {
		t.Fatalf("expected error for n=0")
	}
	if _, err := Split(10, Ratios{Train: 0.9, Val: 0.2}, 1); err == nil {
		t.Fatalf("expected error for ratios above 1")
	}
}
