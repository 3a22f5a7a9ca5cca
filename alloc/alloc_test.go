package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstFitRegisterUnregisterRoundTrip(t *testing.T) {
	a := NewFirstFit(99)

	if err := a.Register(0, 2); err != nil {
		t.Fatalf("register [0,2): %v", err)
	}
	if err := a.Register(10, 5); err != nil {
		t.Fatalf("register [10,15): %v", err)
	}

	free := a.FreeSet()
	assert.Equal(t, []Interval{{Start: 2, Len: 8}, {Start: 15, Len: 85}}, free)

	if err := a.Unregister(10, 5); err != nil {
		t.Fatalf("unregister [10,15): %v", err)
	}
	if err := a.Unregister(0, 2); err != nil {
		t.Fatalf("unregister [0,2): %v", err)
	}

	assert.Equal(t, []Interval{{Start: 0, Len: 100}}, a.FreeSet())
}

func TestFirstFitRegisterOverlapFails(t *testing.T) {
	a := NewFirstFit(99)
	if err := a.Register(0, 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(5, 10); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
}

func TestFirstFitRegisterOutOfRangeFails(t *testing.T) {
	a := NewFirstFit(9)
	if err := a.Register(8, 5); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestFirstFitUnregisterNotReservedFails(t *testing.T) {
	a := NewFirstFit(99)
	if err := a.Unregister(0, 5); err != ErrNotReserved {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
}

func TestFirstFitFindFreeLowestAddress(t *testing.T) {
	a := NewFirstFit(99)
	if err := a.Register(0, 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(20, 5); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := a.FindFree(3)
	assert.Equal(t, uint64(10), got)

	got = a.FindFree(100)
	assert.GreaterOrEqual(t, got, uint64(99))
}

func TestFirstFitUnregisterCoalescesAdjacentFree(t *testing.T) {
	a := NewFirstFit(99)
	if err := a.Register(0, 30); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Unregister(10, 10); err != nil {
		t.Fatalf("unregister middle: %v", err)
	}
	if err := a.Unregister(0, 10); err != nil {
		t.Fatalf("unregister left: %v", err)
	}
	if err := a.Unregister(20, 10); err != nil {
		t.Fatalf("unregister right: %v", err)
	}

	assert.Equal(t, []Interval{{Start: 0, Len: 100}}, a.FreeSet())
}

func TestFirstFitAddRemoveSameRangeRestoresFreeSet(t *testing.T) {
	a := NewFirstFit(999)
	before := a.FreeSet()

	if err := a.Register(50, 7); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Unregister(50, 7); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	assert.Equal(t, before, a.FreeSet())
}
