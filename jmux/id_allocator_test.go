package jmux

import "testing"

func TestIDAllocatorHandsOutLowestUnused(t *testing.T) {
	a := newIDAllocator()

	var got []uint32
	for i := 0; i < 3; i++ {
		id, ok := a.alloc()
		if !ok {
			t.Fatalf("alloc() failed on a fresh allocator")
		}
		got = append(got, id)
	}
	want := []uint32{0, 1, 2}
	for i, id := range got {
		if id != want[i] {
			t.Fatalf("alloc() sequence = %v, want %v", got, want)
		}
	}

	a.free(1)
	id, ok := a.alloc()
	if !ok || id != 1 {
		t.Fatalf("alloc() after freeing 1 = (%d, %v), want (1, true)", id, ok)
	}

	id, ok = a.alloc()
	if !ok || id != 3 {
		t.Fatalf("alloc() after exhausting the freed set = (%d, %v), want (3, true)", id, ok)
	}
}

func TestIDAllocatorFreeLowestFirst(t *testing.T) {
	a := newIDAllocator()
	for i := 0; i < 5; i++ {
		a.alloc()
	}
	a.free(3)
	a.free(1)
	a.free(4)

	id, _ := a.alloc()
	if id != 1 {
		t.Fatalf("alloc() after freeing {3,1,4} = %d, want 1 (lowest freed)", id)
	}
	id, _ = a.alloc()
	if id != 3 {
		t.Fatalf("alloc() next = %d, want 3", id)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := &idAllocator{watermark: uint64(^uint32(0)) + 1}
	if _, ok := a.alloc(); ok {
		t.Fatalf("alloc() should fail once the 32-bit namespace is exhausted")
	}
}
