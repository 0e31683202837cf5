package mem

import (
	"math/bits"

	"mote/sos/proto"
)

// MaxItemsPerPool is the width of the occupancy bitmap.
const MaxItemsPerPool = 8

// Item addresses one slab item by its arena offset.
type Item int32

// NoItem is returned alongside an error.
const NoItem Item = -1

type subPool struct {
	h     Handle
	base  int
	alloc uint8
	mark  uint8
	next  *subPool
}

// Slab hands out fixed-size items from sub-pools of up to eight items, each
// sub-pool being one arena area. Sub-pools are added when every existing one
// is full and released when they empty out, except the first.
type Slab struct {
	a        *Arena
	owner    proto.PID
	itemSize int
	perPool  int
	full     uint8
	longterm bool
	head     *subPool
}

// NewSlab creates a slab and allocates its first sub-pool. Sub-pool memory is
// owned by owner; longterm places sub-pools with AllocLongterm.
func NewSlab(a *Arena, owner proto.PID, itemSize, perPool int, longterm bool) (*Slab, error) {
	if a == nil || itemSize <= 0 || perPool <= 0 || perPool > MaxItemsPerPool {
		return nil, proto.EINVAL
	}
	s := &Slab{
		a:        a,
		owner:    owner,
		itemSize: itemSize,
		perPool:  perPool,
		full:     uint8(1<<perPool - 1),
		longterm: longterm,
	}
	a.guard.Lock()
	defer a.guard.Unlock()
	p, err := s.grow()
	if err != nil {
		return nil, err
	}
	s.head = p
	return s, nil
}

func (s *Slab) grow() (*subPool, error) {
	h, err := s.a.alloc(s.itemSize*s.perPool, s.owner, s.longterm)
	if err != nil {
		return nil, err
	}
	return &subPool{h: h, base: s.a.Offset(h)}, nil
}

// ItemSize returns the size of each item in bytes.
func (s *Slab) ItemSize() int { return s.itemSize }

// Owner returns the pid that owns the slab's sub-pools.
func (s *Slab) Owner() proto.PID { return s.owner }

// Alloc returns a free item, reusing freed slots before growing.
func (s *Slab) Alloc() (Item, error) {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()

	var last *subPool
	for p := s.head; p != nil; p = p.next {
		if p.alloc != s.full {
			i := bits.TrailingZeros8(^p.alloc)
			p.alloc |= 1 << i
			return s.itemAt(p, i), nil
		}
		last = p
	}
	p, err := s.grow()
	if err != nil {
		return NoItem, err
	}
	p.alloc = 0x01
	last.next = p
	return s.itemAt(p, 0), nil
}

func (s *Slab) itemAt(p *subPool, i int) Item {
	return Item(p.base + i*s.itemSize)
}

func (s *Slab) find(it Item) (p, prev *subPool, bit uint8) {
	off := int(it)
	for p = s.head; p != nil; prev, p = p, p.next {
		if off >= p.base && off < p.base+s.perPool*s.itemSize {
			rel := off - p.base
			if rel%s.itemSize != 0 {
				return nil, nil, 0
			}
			return p, prev, 1 << (rel / s.itemSize)
		}
	}
	return nil, nil, 0
}

// Free returns it to its sub-pool. A sub-pool left empty is released to the
// arena unless it is the first one.
func (s *Slab) Free(it Item) error {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()

	p, prev, bit := s.find(it)
	if p == nil || p.alloc&bit == 0 {
		return proto.EINVAL
	}
	p.alloc &^= bit
	p.mark &^= bit
	if p.alloc == 0 && p != s.head {
		prev.next = p.next
		s.a.release(int(p.h.blk))
	}
	return nil
}

// Mark records that it is still referenced.
func (s *Slab) Mark(it Item) error {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()

	p, _, bit := s.find(it)
	if p == nil || p.alloc&bit == 0 {
		return proto.EINVAL
	}
	p.mark |= bit
	return nil
}

// ClearMarks starts a new mark phase.
func (s *Slab) ClearMarks() {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()
	for p := s.head; p != nil; p = p.next {
		p.mark = 0
	}
}

// GC reclaims every allocated item that was not marked since ClearMarks and
// reports each through the arena's leak hook. Afterwards the occupancy
// bitmap of every sub-pool equals its mark bitmap. Empty sub-pools other
// than the first are released and the remaining sub-pool areas are marked
// for the owner's next arena collection. It returns the number of items
// reclaimed.
func (s *Slab) GC() int {
	s.a.guard.Lock()

	var leaks []Leak
	var prev *subPool
	for p := s.head; p != nil; {
		next := p.next
		if lost := p.alloc &^ p.mark; lost != 0 {
			for i := 0; i < s.perPool; i++ {
				if lost&(1<<i) != 0 {
					leaks = append(leaks, Leak{
						Kind:   LeakSlabItem,
						Owner:  s.owner,
						Offset: int(s.itemAt(p, i)),
						Size:   s.itemSize,
					})
				}
			}
			p.alloc &= p.mark
		}
		if p.alloc == 0 && p != s.head {
			prev.next = next
			s.a.release(int(p.h.blk))
			p = next
			continue
		}
		_ = s.a.mark(s.owner, p.h)
		prev = p
		p = next
	}
	onLeak := s.a.onLeak
	s.a.guard.Unlock()

	if onLeak != nil {
		for _, l := range leaks {
			onLeak(l)
		}
	}
	return len(leaks)
}

// Bytes returns the storage of it. The slice aliases the arena.
func (s *Slab) Bytes(it Item) []byte {
	if it < 0 || int(it)+s.itemSize > len(s.a.data) {
		return nil
	}
	return s.a.data[it : int(it)+s.itemSize : int(it)+s.itemSize]
}

// Pools returns the number of sub-pools.
func (s *Slab) Pools() int {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()
	n := 0
	for p := s.head; p != nil; p = p.next {
		n++
	}
	return n
}

// Bitmaps returns the occupancy and mark bitmaps of sub-pool i.
func (s *Slab) Bitmaps(i int) (alloc, mark uint8) {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()
	for p := s.head; p != nil; p = p.next {
		if i == 0 {
			return p.alloc, p.mark
		}
		i--
	}
	return 0, 0
}

// InUse returns the number of allocated items.
func (s *Slab) InUse() int {
	s.a.guard.Lock()
	defer s.a.guard.Unlock()
	n := 0
	for p := s.head; p != nil; p = p.next {
		n += bits.OnesCount8(p.alloc)
	}
	return n
}
