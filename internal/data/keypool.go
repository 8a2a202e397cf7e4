package data

import (
	"math/rand"
)

// KeySpace is the number of distinct 16-bit keys.
const KeySpace = 1 << 16

// KeyPool hands out 16-bit keys that are not currently in use. Keys are drawn at random from the
// free set so that the next key is not predictable from the previous one. The number of keys held
// at once is bounded by the pool's capacity. It is not safe for concurrent use; callers serialize
// access.
type KeyPool struct {
	free     []uint16
	capacity int
	rand     *rand.Rand
}

// NewKeyPool creates a key pool with the specified capacity. The capacity may be any non-positive
// integer to allow the entire key space to be in use at once.
func NewKeyPool(capacity int, source rand.Source) *KeyPool {
	if capacity <= 0 || capacity > KeySpace {
		capacity = KeySpace
	}

	free := make([]uint16, KeySpace)
	for i := range free {
		free[i] = uint16(i)
	}

	return &KeyPool{
		free:     free,
		capacity: capacity,
		rand:     rand.New(source),
	}
}

// Acquire takes a free key out of the pool. It returns false if the pool's capacity is exhausted.
func (p *KeyPool) Acquire() (uint16, bool) {
	if p.InUse() >= p.capacity {
		return 0, false
	}

	idx := p.rand.Intn(len(p.free))
	key := p.free[idx]

	last := len(p.free) - 1
	p.free[idx] = p.free[last]
	p.free = p.free[:last]

	return key, true
}

// Release returns a key to the pool. Releasing a key that was not acquired corrupts the pool.
func (p *KeyPool) Release(key uint16) {
	p.free = append(p.free, key)
}

// InUse reports the number of acquired keys.
func (p *KeyPool) InUse() int {
	return KeySpace - len(p.free)
}

// Capacity reports the maximum number of keys that may be in use at once.
func (p *KeyPool) Capacity() int {
	return p.capacity
}
