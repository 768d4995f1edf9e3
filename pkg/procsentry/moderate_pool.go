package procsentry

import lru "github.com/hashicorp/golang-lru/v2"

// moderatePool is the bounded MRU-ordered set of connections that were
// recently foreground and now hold only the moderate and waived levels.
// Backed by hashicorp/golang-lru/v2 instead of a hand-rolled doubly
// linked list: Add already moves an existing key to the most-recently-used
// position (or inserts it there) and evicts the least-recently-used key
// once size would exceed maxSize, which is exactly the design's "insert
// at front, evict the tail" rule. The eviction callback keeps the
// connection's moderate level in sync with pool membership whether the
// entry left via ordinary eviction, RemoveOldest, or Remove.
type moderatePool struct {
	cache   *lru.Cache[PID, *Connection]
	maxSize int
}

// newModeratePool builds a pool bounded to maxSize entries. onEvict is
// invoked for every entry that leaves the pool by any path.
func newModeratePool(maxSize int, onEvict func(pid PID, conn *Connection)) *moderatePool {
	cache, _ := lru.NewWithEvict[PID, *Connection](maxSize, func(pid PID, conn *Connection) {
		if onEvict != nil {
			onEvict(pid, conn)
		}
	})
	return &moderatePool{cache: cache, maxSize: maxSize}
}

// add inserts or refreshes pid at the most-recently-used position.
func (p *moderatePool) add(pid PID, conn *Connection) {
	p.cache.Add(pid, conn)
}

// remove evicts pid immediately if present, invoking the eviction
// callback.
func (p *moderatePool) remove(pid PID) bool {
	return p.cache.Remove(pid)
}

func (p *moderatePool) contains(pid PID) bool {
	return p.cache.Contains(pid)
}

func (p *moderatePool) len() int {
	return p.cache.Len()
}

// dropOldest evicts the n least-recently-used entries (or fewer, if the
// pool holds less than n), invoking the eviction callback for each.
func (p *moderatePool) dropOldest(n int) {
	for i := 0; i < n; i++ {
		if _, _, ok := p.cache.RemoveOldest(); !ok {
			return
		}
	}
}

// dropAll evicts every entry, invoking the eviction callback for each.
func (p *moderatePool) dropAll() {
	p.cache.Purge()
}

// snapshot returns pids in MRU-first order, for tests and the admin
// status surface.
func (p *moderatePool) snapshot() []PID {
	keys := p.cache.Keys() // oldest-first
	out := make([]PID, len(keys))
	for i, k := range keys {
		out[len(keys)-1-i] = k
	}
	return out
}
