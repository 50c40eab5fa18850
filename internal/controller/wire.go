package controller

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// maxWireID bounds the wire id space defined by the bridge protocol.
const maxWireID = 100

// ErrWiresExhausted is returned when all 100 wire ids are in use.
var ErrWiresExhausted = errors.New("no free wire ids")

// WireAllocator hands out process-unique wire ids in 1..100. Allocation is
// randomized so ids do not collide with a previous session that the bridge
// may still consider open.
type WireAllocator struct {
	mu   sync.Mutex
	used map[int]bool
}

// NewWireAllocator creates an empty allocator.
func NewWireAllocator() *WireAllocator {
	return &WireAllocator{used: make(map[int]bool)}
}

// Allocate reserves a free wire id.
func (a *WireAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.used) >= maxWireID {
		return 0, ErrWiresExhausted
	}
	for {
		id := rand.IntN(maxWireID) + 1
		if !a.used[id] {
			a.used[id] = true
			return id, nil
		}
	}
}

// Release returns a wire id to the pool.
func (a *WireAllocator) Release(id int) {
	a.mu.Lock()
	delete(a.used, id)
	a.mu.Unlock()
}

// InUse reports whether a wire id is currently allocated.
func (a *WireAllocator) InUse(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[id]
}
