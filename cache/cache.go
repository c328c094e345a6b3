// Package cache implements the two-way set-associative, write-back,
// write-allocate cache that sits between the RISC-V core and the external
// serial PSRAM. It is the hot path of every guest load and store.
package cache

import (
	"fmt"

	"github.com/embeddedgo/rv32vm/config"
)

// Store is the backing-store contract the cache refills from and writes
// back to. backingstore.PSRAM and backingstore.Sim both satisfy it.
type Store interface {
	Access(addr uint32, size int, write bool, buf []byte) error
}

// line holds one cache line's tag, data, and status. Status is kept as
// separate bool fields rather than packed bits, since nothing on the wire
// depends on the in-memory layout — only RAM and interpreter state get
// serialized for hibernation.
type line struct {
	tag    uint32
	data   []byte
	valid  bool
	dirty  bool
	lru    bool
}

// Cache is a two-way set-associative cache over a 24-bit (or smaller, per
// config.Config.RAMBytes) guest physical address space.
type Cache struct {
	cfg  config.Config
	sets [][2]line
	lineSize  int
	indexMask uint32
	offsetBits uint
	indexBits  uint
	store Store
}

// ErrBadSize is returned when an access requests a size other than 1, 2, or
// 4 bytes.
var ErrBadSize = fmt.Errorf("cache: size must be 1, 2, or 4 bytes")

// ErrCrossLine is returned when an access would straddle a line boundary.
// The cache does not split or enforce this implicitly — the caller (the
// memory bus adapter, fed by the interpreter's own aligned load/store
// decode) must never construct such a request.
var ErrCrossLine = fmt.Errorf("cache: access crosses a line boundary")

// New builds a cache over store using cfg's geometry.
func New(cfg config.Config, store Store) *Cache {
	lineSize := cfg.CacheLineSize()
	setCount := cfg.CacheSetSize()

	c := &Cache{
		cfg:        cfg,
		sets:       make([][2]line, setCount),
		lineSize:   lineSize,
		indexMask:  uint32(setCount - 1),
		offsetBits: uint(cfg.OffsetBits),
		indexBits:  uint(cfg.IndexBits),
		store:      store,
	}

	c.Reset()

	return c
}

// Reset zeros every line, marking the whole cache invalid.
func (c *Cache) Reset() {
	for i := range c.sets {
		for w := 0; w < 2; w++ {
			c.sets[i][w] = line{data: make([]byte, c.lineSize)}
		}
	}
}

func (c *Cache) decompose(addr uint32) (tag uint32, index uint32, offset uint32) {
	offset = addr & (uint32(c.lineSize) - 1)
	index = (addr >> c.offsetBits) & c.indexMask
	tag = addr >> (c.offsetBits + c.indexBits)

	return tag, index, offset
}

func (c *Cache) lineBase(tag, index uint32) uint32 {
	return (index << c.offsetBits) | (tag << (c.offsetBits + c.indexBits))
}

// lookup returns the way index to use for addr, handling hits, LRU victim
// selection, writeback-before-refill, and refill. The same steps apply
// identically whether the caller is about to read or write.
func (c *Cache) lookup(addr uint32) (way int, index uint32, offset uint32, err error) {
	tag, index, offset := c.decompose(addr)
	set := &c.sets[index]

	for w := 0; w < 2; w++ {
		if set[w].valid && set[w].tag == tag {
			c.touch(set, w)

			return w, index, offset, nil
		}
	}

	// Miss: the LRU-marked way is the victim. If neither way is marked LRU
	// (the fresh-cache initial state), way 0 is the victim — this tie-break
	// is load-bearing: it's what makes the first two distinct-tag accesses
	// to a fresh set land in way 0 then way 1, in that order.
	victim := 0
	if set[0].lru {
		victim = 0
	} else if set[1].lru {
		victim = 1
	}

	c.touch(set, victim)

	if err := c.flushLine(&set[victim], index); err != nil {
		return 0, 0, 0, err
	}

	base := addr &^ (uint32(c.lineSize) - 1)
	if err := c.store.Access(base, c.lineSize, false, set[victim].data); err != nil {
		return 0, 0, 0, fmt.Errorf("cache: refill: %w", err)
	}

	set[victim].tag = tag
	set[victim].valid = true
	set[victim].dirty = false

	return victim, index, offset, nil
}

// touch clears lru on way w and sets it on the sibling, on every access to
// either way.
func (c *Cache) touch(set *[2]line, w int) {
	set[w].lru = false
	set[1-w].lru = true
}

// flushLine writes a dirty valid line back to the backing store at its
// original address. It is shared by the miss-path eviction and by Flush,
// since both need exactly the same writeback-before-reuse behavior.
func (c *Cache) flushLine(l *line, index uint32) error {
	if !l.valid || !l.dirty {
		return nil
	}

	base := c.lineBase(l.tag, index)
	if err := c.store.Access(base, c.lineSize, true, l.data); err != nil {
		return fmt.Errorf("cache: writeback: %w", err)
	}

	l.dirty = false

	return nil
}

// Flush walks all sets and ways, writing back each dirty valid line without
// invalidating it. Called immediately before snapshotting backing RAM for
// hibernation.
func (c *Cache) Flush() error {
	for index := range c.sets {
		set := &c.sets[index]
		for w := 0; w < 2; w++ {
			if err := c.flushLine(&set[w], uint32(index)); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4:
		return nil
	default:
		return ErrBadSize
	}
}

// Read copies size bytes (1, 2, or 4) from the line covering addr into a
// freshly returned slice, refilling/evicting as needed.
func (c *Cache) Read(addr uint32, size int) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}

	way, index, offset, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}

	if int(offset)+size > c.lineSize {
		return nil, ErrCrossLine
	}

	out := make([]byte, size)
	copy(out, c.sets[index][way].data[offset:offset+uint32(size)])

	return out, nil
}

// Write copies size bytes (1, 2, or 4) from buf into the line covering
// addr, marking it dirty, refilling/evicting as needed.
func (c *Cache) Write(addr uint32, buf []byte, size int) error {
	if err := checkSize(size); err != nil {
		return err
	}

	way, index, offset, err := c.lookup(addr)
	if err != nil {
		return err
	}

	if int(offset)+size > c.lineSize {
		return ErrCrossLine
	}

	l := &c.sets[index][way]
	copy(l.data[offset:offset+uint32(size)], buf[:size])
	l.dirty = true

	return nil
}
