package index

import (
	"math/rand"
	"testing"
)

func TestAllocLowestFree(t *testing.T) {
	a := New(4, NextAvailable)

	for want := SlotID(0); want < 4; want++ {
		got, ok := a.Alloc(NoOwner)
		if !ok {
			t.Fatalf("Alloc %d failed", want)
		}
		if got != want {
			t.Fatalf("Alloc = %d, want %d", got, want)
		}
	}

	if _, ok := a.Alloc(NoOwner); ok {
		t.Fatal("Alloc should fail with zero free slots")
	}

	// Freeing a middle slot makes it the next pick.
	a.Free(NoOwner, 2)
	got, ok := a.Alloc(NoOwner)
	if !ok || got != 2 {
		t.Fatalf("Alloc after Free(2) = %d, %v; want 2, true", got, ok)
	}
}

func TestCapacityScenario(t *testing.T) {
	// capacity=2: 0, 1, exhausted, free 0, 0 again.
	a := New(2, NextAvailable)

	s0, ok := a.Alloc(NoOwner)
	if !ok || s0 != 0 {
		t.Fatalf("first Alloc = %d, %v", s0, ok)
	}
	s1, ok := a.Alloc(NoOwner)
	if !ok || s1 != 1 {
		t.Fatalf("second Alloc = %d, %v", s1, ok)
	}
	if _, ok := a.Alloc(NoOwner); ok {
		t.Fatal("third Alloc should fail")
	}
	a.Free(NoOwner, 0)
	s, ok := a.Alloc(NoOwner)
	if !ok || s != 0 {
		t.Fatalf("Alloc after Free(0) = %d, %v; want 0", s, ok)
	}
}

func TestAffinityPrefersLastSlot(t *testing.T) {
	a := New(8, ReuseAffinity)
	mod := OwnerKey(42)

	s, ok := a.Alloc(mod)
	if !ok {
		t.Fatal("Alloc failed")
	}
	a.Free(mod, s)

	// Occupy the lowest slots with another owner so the hint matters.
	other := OwnerKey(7)
	var held []SlotID
	for i := 0; i < 3; i++ {
		o, ok := a.Alloc(other)
		if !ok {
			t.Fatal("Alloc failed")
		}
		if o == s {
			// Affinity slot is taken; hint must fall back below.
			t.Fatalf("other owner got the affine slot %d", s)
		}
		held = append(held, o)
	}

	got, ok := a.Alloc(mod)
	if !ok || got != s {
		t.Fatalf("affine Alloc = %d, %v; want %d", got, ok, s)
	}

	for _, h := range held {
		a.Free(other, h)
	}
}

func TestAffinityFallbackWhenHintTaken(t *testing.T) {
	a := New(4, ReuseAffinity)
	mod := OwnerKey(1)

	s, _ := a.Alloc(mod)
	a.Free(mod, s)

	// A different owner steals the hinted slot.
	thief := OwnerKey(2)
	stolen, _ := a.Alloc(thief)
	if stolen != s {
		t.Fatalf("expected thief to take slot %d, got %d", s, stolen)
	}

	got, ok := a.Alloc(mod)
	if !ok {
		t.Fatal("Alloc failed")
	}
	if got == s {
		t.Fatal("hinted slot is allocated, must not be returned twice")
	}
}

func TestNoDoubleAllocation(t *testing.T) {
	const capacity = 16
	a := New(capacity, ReuseAffinity)
	rng := rand.New(rand.NewSource(1))

	held := make(map[SlotID]bool)
	var live []SlotID

	for step := 0; step < 10000; step++ {
		if len(live) > 0 && (rng.Intn(2) == 0 || len(live) == capacity) {
			i := rng.Intn(len(live))
			s := live[i]
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			delete(held, s)
			a.Free(OwnerKey(uint64(s)%3), s)
			continue
		}
		s, ok := a.Alloc(OwnerKey(uint64(step) % 3))
		if !ok {
			if len(live) != capacity {
				t.Fatalf("Alloc failed with %d/%d slots live", len(live), capacity)
			}
			continue
		}
		if held[s] {
			t.Fatalf("slot %d returned while still held", s)
		}
		held[s] = true
		live = append(live, s)
	}
}

func TestEmpty(t *testing.T) {
	a := New(3, NextAvailable)
	if !a.Empty() {
		t.Fatal("new allocator should be empty")
	}
	s, _ := a.Alloc(NoOwner)
	if a.Empty() {
		t.Fatal("allocator with a live slot is not empty")
	}
	if a.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", a.InUse())
	}
	a.Free(NoOwner, s)
	if !a.Empty() {
		t.Fatal("allocator should be empty after Free")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(2, NextAvailable)
	s, _ := a.Alloc(NoOwner)
	a.Free(NoOwner, s)

	defer func() {
		if recover() == nil {
			t.Fatal("double free should panic")
		}
	}()
	a.Free(NoOwner, s)
}

func TestFreeOutOfRangePanics(t *testing.T) {
	a := New(2, NextAvailable)
	defer func() {
		if recover() == nil {
			t.Fatal("out-of-range free should panic")
		}
	}()
	a.Free(NoOwner, 99)
}

func TestZeroCapacity(t *testing.T) {
	a := New(0, NextAvailable)
	if _, ok := a.Alloc(NoOwner); ok {
		t.Fatal("zero-capacity allocator must never allocate")
	}
	if !a.Empty() {
		t.Fatal("zero-capacity allocator is empty")
	}
}

func BenchmarkAllocFree(b *testing.B) {
	a := New(1024, ReuseAffinity)
	owner := OwnerKey(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s, _ := a.Alloc(owner)
		a.Free(owner, s)
	}
}
