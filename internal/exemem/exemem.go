// Package exemem manages the executable memory regions that hold loaded
// module code.
//
// The host runs against a fixed memory budget, the way the original-class
// hardware runs against a capability-tagged heap. A Pool hands out
// exclusively owned regions against that budget; each region is freed
// exactly once, at unload, and must never be read afterward. Regions are
// tracked in a slot arena with a free list so indices stay stable across
// unload and reuse.
package exemem

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted reports that the pool cannot satisfy an allocation of the
// requested size within its budget.
var ErrExhausted = errors.New("exemem: executable memory budget exhausted")

// Pool allocates regions against a fixed byte budget.
type Pool struct {
	mu     sync.Mutex
	budget int64
	used   int64

	regions  []*Region
	freeList []int
}

// NewPool creates a pool with the given budget in bytes.
func NewPool(budget int64) *Pool {
	if budget <= 0 {
		panic("exemem: pool budget must be positive")
	}
	return &Pool{budget: budget}
}

// Alloc reserves a region of exactly size bytes. It fails with ErrExhausted
// when the remaining budget cannot satisfy the request.
func (p *Pool) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("exemem: invalid region size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used+int64(size) > p.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d available", ErrExhausted, size, p.budget-p.used)
	}
	p.used += int64(size)

	r := &Region{pool: p, buf: make([]byte, size), size: size}
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		p.regions[idx] = r
		r.index = idx
	} else {
		p.regions = append(p.regions, r)
		r.index = len(p.regions) - 1
	}
	return r, nil
}

// Used reports the bytes currently reserved.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Live reports the number of outstanding regions.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions) - len(p.freeList)
}

// Region is an exclusively owned span of executable memory.
type Region struct {
	pool  *Pool
	buf   []byte
	size  int
	index int
	freed bool
}

// Bytes exposes the region's backing memory. Reading or writing a freed
// region is a fault in the owner's lifecycle accounting, so it panics.
func (r *Region) Bytes() []byte {
	if r.freed {
		panic("exemem: region used after free")
	}
	return r.buf
}

// Size reports the region's byte length, valid even after Free.
func (r *Region) Size() int {
	return r.size
}

// Free returns the region's bytes to the pool. Each region is freed exactly
// once; a second Free panics.
func (r *Region) Free() {
	if r.freed {
		panic("exemem: region freed twice")
	}
	r.freed = true

	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used -= int64(r.size)
	p.regions[r.index] = nil
	p.freeList = append(p.freeList, r.index)
	r.buf = nil
}
