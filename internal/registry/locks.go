package registry

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedLocks serializes work per key with a fixed stripe set. Two keys may
// share a stripe and over-serialize; that only costs latency, never
// correctness. Within one key, waiters acquire in arrival order, which is
// what keeps same-entity mutations ordered.
type keyedLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for key and returns its release func.
func (l *keyedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &l.stripes[h.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}
