package ring

import "testing"

func TestAppendWithinCapacityPreservesOrder(t *testing.T) {
	r := New[int](5)
	for i := 1; i <= 3; i++ {
		r.Append(i)
	}
	got := r.Snapshot()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestAppendBeyondCapacityEvictsOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestLastReflectsMostRecentAppend(t *testing.T) {
	r := New[string](2)
	if _, ok := r.Last(); ok {
		t.Fatal("expected empty ring to report no last element")
	}
	r.Append("a")
	r.Append("b")
	r.Append("c")
	last, ok := r.Last()
	if !ok || last != "c" {
		t.Fatalf("Last() = %q, %v; want \"c\", true", last, ok)
	}
}

func TestLenTracksPopulatedCount(t *testing.T) {
	r := New[int](10)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	r.Append(1)
	r.Append(2)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}
