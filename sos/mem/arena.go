package mem

import (
	"fmt"
	"sync"

	"mote/sos/proto"
)

const (
	defaultSize      = 4096
	defaultBlockSize = 8
	maxBlocks        = 1<<16 - 1
)

// Config describes an Arena.
type Config struct {
	// Size is the arena size in bytes. It is rounded down to whole blocks.
	Size int
	// BlockSize is the allocation granule in bytes.
	BlockSize int
	// Guard serializes every arena and slab mutation. Nil means NopLocker.
	Guard sync.Locker
	// OnLeak is called for every area reclaimed by a collection.
	OnLeak func(Leak)
}

// LeakKind classifies a reclaimed area.
type LeakKind uint8

const (
	// LeakUnmarked is an allocated area that was not marked since the last collection.
	LeakUnmarked LeakKind = iota + 1
	// LeakCorrupt is an area whose block tags disagree with its head.
	LeakCorrupt
	// LeakSlabItem is an allocated slab item that was not marked.
	LeakSlabItem
)

func (k LeakKind) String() string {
	switch k {
	case LeakUnmarked:
		return "unmarked"
	case LeakCorrupt:
		return "corrupt"
	case LeakSlabItem:
		return "slab_item"
	default:
		return "unknown"
	}
}

// Leak describes memory reclaimed by a garbage collection pass.
type Leak struct {
	Kind   LeakKind
	Owner  proto.PID
	Offset int
	Size   int
}

// Handle refers to an allocated area. The zero Handle is invalid.
//
// A handle goes stale when its area is freed; stale handles are rejected
// with EINVAL even if the blocks have been handed out again. Generations
// are 32 bits wide and skip zero on wrap.
type Handle struct {
	blk uint16
	gen uint32
}

// Valid reports whether h was returned by an allocation.
func (h Handle) Valid() bool { return h.gen != 0 }

type block struct {
	owner  proto.PID
	head   bool
	marked bool
	run    uint16
	size   uint16
	gen    uint32
}

// Arena is a fixed region split into equal blocks. Every block carries the
// pid that owns it; free blocks are owned by proto.NullPID.
type Arena struct {
	guard  sync.Locker
	onLeak func(Leak)
	bs     int
	data   []byte
	blocks []block
	gen    uint32
}

// NewArena creates an arena with every block free.
func NewArena(cfg Config) *Arena {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Guard == nil {
		cfg.Guard = NopLocker{}
	}
	n := cfg.Size / cfg.BlockSize
	if n > maxBlocks {
		n = maxBlocks
	}
	if n == 0 {
		n = 1
	}
	a := &Arena{
		guard:  cfg.Guard,
		onLeak: cfg.OnLeak,
		bs:     cfg.BlockSize,
		data:   make([]byte, n*cfg.BlockSize),
		blocks: make([]block, n),
	}
	for i := range a.blocks {
		a.blocks[i].owner = proto.NullPID
	}
	return a
}

// BlockSize returns the allocation granule.
func (a *Arena) BlockSize() int { return a.bs }

// Blocks returns the number of blocks in the arena.
func (a *Arena) Blocks() int { return len(a.blocks) }

// Alloc returns size bytes owned by owner using first fit.
func (a *Arena) Alloc(size int, owner proto.PID) (Handle, error) {
	a.guard.Lock()
	defer a.guard.Unlock()
	return a.alloc(size, owner, false)
}

// AllocLongterm returns size bytes carved from the top of the highest
// fitting free area, keeping long-lived state away from transient buffers.
func (a *Arena) AllocLongterm(size int, owner proto.PID) (Handle, error) {
	a.guard.Lock()
	defer a.guard.Unlock()
	return a.alloc(size, owner, true)
}

func (a *Arena) alloc(size int, owner proto.PID, longterm bool) (Handle, error) {
	if size <= 0 || size > 0xFFFF || owner == proto.NullPID {
		return Handle{}, proto.EINVAL
	}
	n := a.blocksFor(size)
	start := -1
	for i := 0; i < len(a.blocks); {
		if a.blocks[i].owner != proto.NullPID {
			i += a.areaLen(i)
			continue
		}
		j := i
		for j < len(a.blocks) && a.blocks[j].owner == proto.NullPID {
			j++
		}
		if j-i >= n {
			if !longterm {
				start = i
				break
			}
			start = j - n
		}
		i = j
	}
	if start < 0 {
		return Handle{}, proto.ENOMEM
	}
	return a.claim(start, n, size, owner), nil
}

func (a *Arena) claim(start, n, size int, owner proto.PID) Handle {
	a.gen++
	if a.gen == 0 {
		a.gen = 1
	}
	for i := start; i < start+n; i++ {
		a.blocks[i] = block{owner: owner}
	}
	a.blocks[start] = block{
		owner: owner,
		head:  true,
		run:   uint16(n),
		size:  uint16(size),
		gen:   a.gen,
	}
	clear(a.data[start*a.bs : (start+n)*a.bs])
	return Handle{blk: uint16(start), gen: a.gen}
}

// areaLen returns the number of blocks spanned by the area that starts at i.
func (a *Arena) areaLen(i int) int {
	b := &a.blocks[i]
	if b.head && b.run > 0 {
		return int(b.run)
	}
	return 1
}

func (a *Arena) blocksFor(size int) int {
	return (size + a.bs - 1) / a.bs
}

func (a *Arena) lookup(h Handle) (*block, error) {
	if !h.Valid() || int(h.blk) >= len(a.blocks) {
		return nil, proto.EINVAL
	}
	b := &a.blocks[h.blk]
	if !b.head || b.gen != h.gen || b.owner == proto.NullPID {
		return nil, proto.EINVAL
	}
	return b, nil
}

// Free returns an area to the arena.
func (a *Arena) Free(h Handle) error {
	a.guard.Lock()
	defer a.guard.Unlock()
	if _, err := a.lookup(h); err != nil {
		return err
	}
	a.release(int(h.blk))
	return nil
}

// FreeAs frees h on behalf of caller, which must own it.
func (a *Arena) FreeAs(h Handle, caller proto.PID) error {
	a.guard.Lock()
	defer a.guard.Unlock()
	b, err := a.lookup(h)
	if err != nil {
		return err
	}
	if b.owner != caller {
		return proto.EPERM
	}
	a.release(int(h.blk))
	return nil
}

func (a *Arena) release(start int) {
	n := a.areaLen(start)
	for i := start; i < start+n && i < len(a.blocks); i++ {
		a.blocks[i] = block{owner: proto.NullPID}
	}
}

// Realloc resizes h. The area grows in place when the blocks after it are
// free; otherwise it moves and the old handle is invalidated. On failure h
// is left untouched and still valid.
func (a *Arena) Realloc(h Handle, size int) (Handle, error) {
	a.guard.Lock()
	defer a.guard.Unlock()

	b, err := a.lookup(h)
	if err != nil {
		return Handle{}, err
	}
	if size <= 0 || size > 0xFFFF {
		return Handle{}, proto.EINVAL
	}
	start := int(h.blk)
	have := int(b.run)
	need := a.blocksFor(size)

	if need <= have {
		for i := start + need; i < start+have; i++ {
			a.blocks[i] = block{owner: proto.NullPID}
		}
		b.run = uint16(need)
		b.size = uint16(size)
		return h, nil
	}

	end := start + have
	free := 0
	for end+free < len(a.blocks) && free < need-have && a.blocks[end+free].owner == proto.NullPID {
		free++
	}
	if free == need-have {
		for i := end; i < end+free; i++ {
			a.blocks[i] = block{owner: b.owner}
		}
		clear(a.data[end*a.bs : (end+free)*a.bs])
		b.run = uint16(need)
		b.size = uint16(size)
		return h, nil
	}

	owner, oldSize := b.owner, int(b.size)
	nh, err := a.alloc(size, owner, false)
	if err != nil {
		return Handle{}, err
	}
	copy(a.data[int(nh.blk)*a.bs:], a.data[start*a.bs:start*a.bs+oldSize])
	a.release(start)
	return nh, nil
}

// ChangeOwner moves h to a new owner. The free owner is rejected.
func (a *Arena) ChangeOwner(h Handle, owner proto.PID) error {
	a.guard.Lock()
	defer a.guard.Unlock()
	return a.changeOwner(h, owner)
}

// ChangeOwnerAs moves h to owner on behalf of caller, which must own it.
func (a *Arena) ChangeOwnerAs(h Handle, caller, owner proto.PID) error {
	a.guard.Lock()
	defer a.guard.Unlock()
	b, err := a.lookup(h)
	if err != nil {
		return err
	}
	if b.owner != caller {
		return proto.EPERM
	}
	return a.changeOwner(h, owner)
}

func (a *Arena) changeOwner(h Handle, owner proto.PID) error {
	if owner == proto.NullPID {
		return proto.EINVAL
	}
	b, err := a.lookup(h)
	if err != nil {
		return err
	}
	start := int(h.blk)
	for i := start; i < start+int(b.run); i++ {
		a.blocks[i].owner = owner
	}
	return nil
}

// Mark records that owner still references h. Marks survive until the next
// Collect for that owner.
func (a *Arena) Mark(owner proto.PID, h Handle) error {
	a.guard.Lock()
	defer a.guard.Unlock()
	return a.mark(owner, h)
}

func (a *Arena) mark(owner proto.PID, h Handle) error {
	b, err := a.lookup(h)
	if err != nil {
		return err
	}
	if b.owner != owner {
		return proto.EPERM
	}
	b.marked = true
	return nil
}

// Collect reclaims every area owned by owner that was not marked since the
// previous collection, reporting each one through OnLeak first. Areas whose
// block tags disagree with their head are reclaimed as corrupt. Surviving
// areas have their marks cleared. It returns the number of areas reclaimed.
func (a *Arena) Collect(owner proto.PID) int {
	a.guard.Lock()
	leaks := a.collect(owner)
	a.guard.Unlock()

	if a.onLeak != nil {
		for _, l := range leaks {
			a.onLeak(l)
		}
	}
	return len(leaks)
}

func (a *Arena) collect(owner proto.PID) []Leak {
	var leaks []Leak
	for i := 0; i < len(a.blocks); {
		b := &a.blocks[i]
		if b.owner == proto.NullPID {
			i++
			continue
		}
		n := a.areaLen(i)
		if !b.head {
			if b.owner == owner {
				leaks = append(leaks, Leak{Kind: LeakCorrupt, Owner: owner, Offset: i * a.bs})
				a.blocks[i] = block{owner: proto.NullPID}
			}
			i++
			continue
		}
		if b.owner != owner {
			if a.tagsDiffer(i, n) {
				leaks = append(leaks, a.reclaimCorrupt(i, n, owner)...)
			}
			i += n
			continue
		}
		switch {
		case a.tagsDiffer(i, n):
			leaks = append(leaks, a.reclaimCorrupt(i, n, owner)...)
		case !b.marked:
			leaks = append(leaks, Leak{Kind: LeakUnmarked, Owner: owner, Offset: i * a.bs, Size: int(b.size)})
			a.release(i)
		default:
			b.marked = false
		}
		i += n
	}
	return leaks
}

func (a *Arena) tagsDiffer(start, n int) bool {
	owner := a.blocks[start].owner
	for i := start + 1; i < start+n && i < len(a.blocks); i++ {
		if a.blocks[i].owner != owner || a.blocks[i].head {
			return true
		}
	}
	return false
}

// reclaimCorrupt frees the blocks of an inconsistent area that carry owner's
// tag, or the whole area when its head belongs to owner.
func (a *Arena) reclaimCorrupt(start, n int, owner proto.PID) []Leak {
	if a.blocks[start].owner == owner {
		size := int(a.blocks[start].size)
		for i := start; i < start+n && i < len(a.blocks); i++ {
			if i > start && a.blocks[i].head {
				break
			}
			a.blocks[i] = block{owner: proto.NullPID}
		}
		return []Leak{{Kind: LeakCorrupt, Owner: owner, Offset: start * a.bs, Size: size}}
	}
	var leaks []Leak
	for i := start + 1; i < start+n && i < len(a.blocks); i++ {
		if a.blocks[i].owner == owner && !a.blocks[i].head {
			a.blocks[i].owner = a.blocks[start].owner
			leaks = append(leaks, Leak{Kind: LeakCorrupt, Owner: owner, Offset: i * a.bs})
		}
	}
	return leaks
}

// RemoveAll frees every area owned by owner and returns how many were freed.
func (a *Arena) RemoveAll(owner proto.PID) int {
	a.guard.Lock()
	defer a.guard.Unlock()
	if owner == proto.NullPID {
		return 0
	}
	count := 0
	for i := 0; i < len(a.blocks); {
		n := a.areaLen(i)
		if a.blocks[i].owner == owner {
			if a.blocks[i].head {
				count++
			}
			a.release(i)
		}
		i += n
	}
	return count
}

// Bytes returns the usable bytes of h. The slice aliases the arena.
func (a *Arena) Bytes(h Handle) []byte {
	a.guard.Lock()
	defer a.guard.Unlock()
	b, err := a.lookup(h)
	if err != nil {
		return nil
	}
	off := int(h.blk) * a.bs
	return a.data[off : off+int(b.size) : off+int(b.size)]
}

// Size returns the requested size of h.
func (a *Arena) Size(h Handle) int {
	a.guard.Lock()
	defer a.guard.Unlock()
	b, err := a.lookup(h)
	if err != nil {
		return 0
	}
	return int(b.size)
}

// Owner returns the pid that owns h.
func (a *Arena) Owner(h Handle) (proto.PID, error) {
	a.guard.Lock()
	defer a.guard.Unlock()
	b, err := a.lookup(h)
	if err != nil {
		return proto.NullPID, err
	}
	return b.owner, nil
}

// Offset returns the byte offset of h inside the arena.
func (a *Arena) Offset(h Handle) int {
	return int(h.blk) * a.bs
}

// BlockOwner returns the owner tag of block i.
func (a *Arena) BlockOwner(i int) proto.PID {
	a.guard.Lock()
	defer a.guard.Unlock()
	if i < 0 || i >= len(a.blocks) {
		return proto.NullPID
	}
	return a.blocks[i].owner
}

// FreeBlocks returns the number of blocks owned by nobody.
func (a *Arena) FreeBlocks() int {
	return a.OwnedBlocks(proto.NullPID)
}

// OwnedBlocks returns the number of blocks tagged with owner.
func (a *Arena) OwnedBlocks(owner proto.PID) int {
	a.guard.Lock()
	defer a.guard.Unlock()
	n := 0
	for i := range a.blocks {
		if a.blocks[i].owner == owner {
			n++
		}
	}
	return n
}

// Check verifies that every block belongs to exactly one area or is free.
func (a *Arena) Check() error {
	a.guard.Lock()
	defer a.guard.Unlock()
	for i := 0; i < len(a.blocks); {
		b := a.blocks[i]
		if b.owner == proto.NullPID {
			if b.head || b.run != 0 {
				return fmt.Errorf("mem: free block %d carries area state", i)
			}
			i++
			continue
		}
		if !b.head {
			return fmt.Errorf("mem: block %d owned by %s outside any area", i, b.owner)
		}
		n := int(b.run)
		if n == 0 || i+n > len(a.blocks) {
			return fmt.Errorf("mem: area at block %d has bad length %d", i, n)
		}
		if int(b.size) > n*a.bs {
			return fmt.Errorf("mem: area at block %d holds %d bytes in %d blocks", i, b.size, n)
		}
		for j := i + 1; j < i+n; j++ {
			if a.blocks[j].owner != b.owner || a.blocks[j].head {
				return fmt.Errorf("mem: block %d tagged %s inside area of %s", j, a.blocks[j].owner, b.owner)
			}
		}
		i += n
	}
	return nil
}

// NopLocker satisfies sync.Locker for strictly single-threaded use.
type NopLocker struct{}

func (NopLocker) Lock()   {}
func (NopLocker) Unlock() {}
