package mem

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"mote/sos/proto"
)

func newTestArena(size int) *Arena {
	return NewArena(Config{Size: size, BlockSize: 8})
}

func TestAllocRejectsZeroSizeAndFreeOwner(t *testing.T) {
	a := newTestArena(256)
	if _, err := a.Alloc(0, 130); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Alloc(0) err = %v, want %v", err, proto.EINVAL)
	}
	if _, err := a.Alloc(8, proto.NullPID); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Alloc(owner=null) err = %v, want %v", err, proto.EINVAL)
	}
	if a.FreeBlocks() != a.Blocks() {
		t.Fatalf("FreeBlocks() = %d, want %d", a.FreeBlocks(), a.Blocks())
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestArena(64)
	h, err := a.Alloc(60, 130)
	if err != nil {
		t.Fatalf("Alloc(60) err = %v", err)
	}
	if _, err := a.Alloc(8, 130); !errors.Is(err, proto.ENOMEM) {
		t.Fatalf("Alloc(full arena) err = %v, want %v", err, proto.ENOMEM)
	}
	if err := a.Free(h); err != nil {
		t.Fatalf("Free() err = %v", err)
	}
	if _, err := a.Alloc(64, 130); err != nil {
		t.Fatalf("Alloc(64) after free err = %v", err)
	}
}

func TestFirstFitMergesFreeNeighbours(t *testing.T) {
	a := newTestArena(64)
	h1, _ := a.Alloc(8, 130)
	h2, _ := a.Alloc(8, 130)
	h3, _ := a.Alloc(8, 130)
	if err := a.Free(h1); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h2); err != nil {
		t.Fatal(err)
	}

	h, err := a.Alloc(16, 131)
	if err != nil {
		t.Fatalf("Alloc(16) err = %v", err)
	}
	if a.Offset(h) != 0 {
		t.Fatalf("Alloc(16) offset = %d, want 0", a.Offset(h))
	}
	if owner, _ := a.Owner(h3); owner != 130 {
		t.Fatalf("Owner(h3) = %v, want 130", owner)
	}
}

func TestAllocLongtermTakesTopOfArena(t *testing.T) {
	a := newTestArena(128)
	h, err := a.AllocLongterm(20, 130)
	if err != nil {
		t.Fatalf("AllocLongterm() err = %v", err)
	}
	if got, want := a.Offset(h), 128-24; got != want {
		t.Fatalf("AllocLongterm() offset = %d, want %d", got, want)
	}
	s, _ := a.Alloc(8, 131)
	if a.Offset(s) != 0 {
		t.Fatalf("Alloc() offset = %d, want 0", a.Offset(s))
	}
}

func TestStaleHandleRejected(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(8, 130)
	if err := a.Free(h); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(8, 131); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(h); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Free(stale) err = %v, want %v", err, proto.EINVAL)
	}
	if err := a.ChangeOwner(h, 130); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("ChangeOwner(stale) err = %v, want %v", err, proto.EINVAL)
	}
	if a.Bytes(h) != nil {
		t.Fatal("expected Bytes(stale) to be nil")
	}
}

func TestHandleGenerationOutlivesUint16(t *testing.T) {
	a := newTestArena(64)
	a.gen = 0xFFFF
	h, _ := a.Alloc(8, 130)
	if err := a.Free(h); err != nil {
		t.Fatal(err)
	}
	h2, err := a.Alloc(8, 131)
	if err != nil {
		t.Fatal(err)
	}
	if h2.gen != 0x10000 {
		t.Fatalf("gen = %#x, want %#x", h2.gen, 0x10000)
	}
	if err := a.Free(h); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Free(stale) err = %v, want %v", err, proto.EINVAL)
	}

	a.gen = ^uint32(0)
	h3, _ := a.Alloc(8, 132)
	if !h3.Valid() || h3.gen != 1 {
		t.Fatalf("gen after wrap = %d, want 1", h3.gen)
	}
}

func TestChangeOwner(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(20, 130)

	if err := a.ChangeOwner(h, proto.NullPID); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("ChangeOwner(null) err = %v, want %v", err, proto.EINVAL)
	}
	if err := a.ChangeOwnerAs(h, 131, 132); !errors.Is(err, proto.EPERM) {
		t.Fatalf("ChangeOwnerAs(wrong caller) err = %v, want %v", err, proto.EPERM)
	}
	if err := a.ChangeOwner(h, 140); err != nil {
		t.Fatalf("ChangeOwner() err = %v", err)
	}
	if got := a.OwnedBlocks(140); got != 3 {
		t.Fatalf("OwnedBlocks(140) = %d, want 3", got)
	}
	if got := a.OwnedBlocks(130); got != 0 {
		t.Fatalf("OwnedBlocks(130) = %d, want 0", got)
	}
}

func TestFreeAsRequiresOwner(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(8, 130)
	if err := a.FreeAs(h, 131); !errors.Is(err, proto.EPERM) {
		t.Fatalf("FreeAs(wrong owner) err = %v, want %v", err, proto.EPERM)
	}
	if err := a.FreeAs(h, 130); err != nil {
		t.Fatalf("FreeAs(owner) err = %v", err)
	}
}

func TestReallocGrowsInPlace(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(8, 130)
	copy(a.Bytes(h), "abcdefgh")

	nh, err := a.Realloc(h, 24)
	if err != nil {
		t.Fatalf("Realloc() err = %v", err)
	}
	if nh != h {
		t.Fatal("expected in-place growth to keep the handle")
	}
	if got := a.Bytes(nh); len(got) != 24 || !bytes.Equal(got[:8], []byte("abcdefgh")) {
		t.Fatalf("Bytes() = %q", got)
	}
}

func TestReallocMovesAndCopies(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(8, 130)
	blocker, _ := a.Alloc(8, 131)
	copy(a.Bytes(h), "abcdefgh")

	nh, err := a.Realloc(h, 16)
	if err != nil {
		t.Fatalf("Realloc() err = %v", err)
	}
	if nh == h {
		t.Fatal("expected a moved handle")
	}
	if !bytes.Equal(a.Bytes(nh)[:8], []byte("abcdefgh")) {
		t.Fatalf("Bytes(moved) = %q", a.Bytes(nh))
	}
	if err := a.Free(h); !errors.Is(err, proto.EINVAL) {
		t.Fatalf("Free(old) err = %v, want %v", err, proto.EINVAL)
	}
	if owner, _ := a.Owner(nh); owner != 130 {
		t.Fatalf("Owner(moved) = %v, want 130", owner)
	}
	_ = blocker
}

func TestReallocFailureKeepsOriginal(t *testing.T) {
	a := newTestArena(32)
	h, _ := a.Alloc(8, 130)
	_, _ = a.Alloc(8, 131)
	copy(a.Bytes(h), "keepme!!")

	nh, err := a.Realloc(h, 32)
	if !errors.Is(err, proto.ENOMEM) {
		t.Fatalf("Realloc() err = %v, want %v", err, proto.ENOMEM)
	}
	if nh.Valid() {
		t.Fatal("expected invalid handle on failure")
	}
	if got := a.Bytes(h); !bytes.Equal(got, []byte("keepme!!")) {
		t.Fatalf("Bytes(original) = %q", got)
	}
	if err := a.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestReallocShrinkReleasesTail(t *testing.T) {
	a := newTestArena(64)
	h, _ := a.Alloc(32, 130)
	if _, err := a.Realloc(h, 8); err != nil {
		t.Fatalf("Realloc() err = %v", err)
	}
	if got := a.OwnedBlocks(130); got != 1 {
		t.Fatalf("OwnedBlocks(130) = %d, want 1", got)
	}
}

func TestCollectReclaimsUnmarked(t *testing.T) {
	var leaks []Leak
	a := NewArena(Config{Size: 128, BlockSize: 8, OnLeak: func(l Leak) { leaks = append(leaks, l) }})
	kept, _ := a.Alloc(8, 130)
	lost, _ := a.Alloc(12, 130)
	other, _ := a.Alloc(8, 131)

	if err := a.Mark(130, kept); err != nil {
		t.Fatalf("Mark() err = %v", err)
	}
	if err := a.Mark(131, kept); !errors.Is(err, proto.EPERM) {
		t.Fatalf("Mark(wrong owner) err = %v, want %v", err, proto.EPERM)
	}

	if n := a.Collect(130); n != 1 {
		t.Fatalf("Collect() = %d, want 1", n)
	}
	if len(leaks) != 1 || leaks[0].Kind != LeakUnmarked || leaks[0].Size != 12 || leaks[0].Owner != 130 {
		t.Fatalf("leaks = %+v", leaks)
	}
	if _, err := a.Owner(lost); err == nil {
		t.Fatal("expected leaked area to be freed")
	}
	if _, err := a.Owner(other); err != nil {
		t.Fatal("expected other owner's area to survive")
	}

	// Marks do not carry over to the next collection.
	if n := a.Collect(130); n != 1 {
		t.Fatalf("second Collect() = %d, want 1", n)
	}
	if _, err := a.Owner(kept); err == nil {
		t.Fatal("expected unmarked area to be reclaimed on the second pass")
	}
}

func TestCollectRepairsCorruptTags(t *testing.T) {
	var leaks []Leak
	a := NewArena(Config{Size: 64, BlockSize: 8, OnLeak: func(l Leak) { leaks = append(leaks, l) }})
	h, _ := a.Alloc(24, 130)
	_ = a.Mark(130, h)
	a.blocks[int(h.blk)+1].owner = 131

	if err := a.Check(); err == nil {
		t.Fatal("expected Check() to flag the mismatched tag")
	}
	if n := a.Collect(130); n != 1 {
		t.Fatalf("Collect() = %d, want 1", n)
	}
	if len(leaks) != 1 || leaks[0].Kind != LeakCorrupt {
		t.Fatalf("leaks = %+v", leaks)
	}
	if err := a.Check(); err != nil {
		t.Fatalf("Check() after repair err = %v", err)
	}
}

func TestRemoveAll(t *testing.T) {
	a := newTestArena(128)
	_, _ = a.Alloc(8, 130)
	_, _ = a.Alloc(16, 131)
	_, _ = a.AllocLongterm(8, 130)

	if n := a.RemoveAll(130); n != 2 {
		t.Fatalf("RemoveAll() = %d, want 2", n)
	}
	if a.OwnedBlocks(130) != 0 {
		t.Fatal("expected no blocks left for 130")
	}
	if a.OwnedBlocks(131) != 2 {
		t.Fatalf("OwnedBlocks(131) = %d, want 2", a.OwnedBlocks(131))
	}
}

// Every block stays owned by exactly one pid, or by the free owner, across
// arbitrary operation sequences.
func TestOwnershipExclusivity(t *testing.T) {
	a := NewArena(Config{Size: 512, BlockSize: 8, Guard: &sync.Mutex{}})
	rng := rand.New(rand.NewSource(7))
	owners := []proto.PID{130, 131, 132, 2}
	var live []Handle

	for step := 0; step < 4000; step++ {
		switch op := rng.Intn(5); {
		case op == 0 || len(live) == 0:
			if h, err := a.Alloc(1+rng.Intn(60), owners[rng.Intn(len(owners))]); err == nil {
				live = append(live, h)
			}
		case op == 1:
			if h, err := a.AllocLongterm(1+rng.Intn(30), owners[rng.Intn(len(owners))]); err == nil {
				live = append(live, h)
			}
		case op == 2:
			i := rng.Intn(len(live))
			if err := a.Free(live[i]); err != nil {
				t.Fatalf("step %d: Free() err = %v", step, err)
			}
			live = append(live[:i], live[i+1:]...)
		case op == 3:
			i := rng.Intn(len(live))
			if err := a.ChangeOwner(live[i], owners[rng.Intn(len(owners))]); err != nil {
				t.Fatalf("step %d: ChangeOwner() err = %v", step, err)
			}
		default:
			i := rng.Intn(len(live))
			if h, err := a.Realloc(live[i], 1+rng.Intn(80)); err == nil {
				live[i] = h
			}
		}

		if err := a.Check(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		total := a.FreeBlocks()
		for _, o := range owners {
			total += a.OwnedBlocks(o)
		}
		if total != a.Blocks() {
			t.Fatalf("step %d: owned+free = %d, want %d", step, total, a.Blocks())
		}
	}
}
