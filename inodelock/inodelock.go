// Package inodelock implements the per-inode lock registry of §5/§9: a map
// keyed by inode number whose entries are reader/writer locks, held
// shared for reads and exclusive for writes. It is adapted from the
// teacher's lockmap.LockMap sharded held/waiting semaphore, but swaps the
// binary held/waiting state for a sync.RWMutex per entry, since §5
// requires reader/writer semantics rather than mutual exclusion, and
// entries are created on an inode's first lock and dropped by Forget
// rather than sharded by address modulo a fixed shard count.
package inodelock

import (
	"sync"

	"github.com/ledgerfs/ledgerfs/common"
)

// Registry is the map of inode number to reader/writer lock. The map
// itself is protected by a short-lived mutex (§9); each entry's RWMutex is
// held across the operation, not across the map lookup.
type Registry struct {
	mu      sync.Mutex
	entries map[common.Inum]*sync.RWMutex
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[common.Inum]*sync.RWMutex)}
}

// entryFor returns (creating if necessary) the lock for inum.
func (r *Registry) entryFor(inum common.Inum) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.entries[inum]
	if !ok {
		l = &sync.RWMutex{}
		r.entries[inum] = l
	}
	return l
}

// RLock acquires inum's lock in shared mode for a read (§5).
func (r *Registry) RLock(inum common.Inum) {
	r.entryFor(inum).RLock()
}

// RUnlock releases inum's shared lock.
func (r *Registry) RUnlock(inum common.Inum) {
	r.entryFor(inum).RUnlock()
}

// Lock acquires inum's lock in exclusive mode for a write (§5).
func (r *Registry) Lock(inum common.Inum) {
	r.entryFor(inum).Lock()
}

// Unlock releases inum's exclusive lock.
func (r *Registry) Unlock(inum common.Inum) {
	r.entryFor(inum).Unlock()
}

// LockTwo acquires two inodes' locks in ascending numeric order to avoid
// deadlock (§5: "Two different inodes may be locked in ascending numeric
// order... rename across directories takes both parent inode locks in
// ascending order"). Returns an unlock function that releases both in the
// reverse order they were acquired.
func (r *Registry) LockTwo(a, b common.Inum) (unlock func()) {
	if a == b {
		r.Lock(a)
		return func() { r.Unlock(a) }
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	r.Lock(lo)
	r.Lock(hi)
	return func() {
		r.Unlock(hi)
		r.Unlock(lo)
	}
}

// Forget removes inum's entry, called after the inode table frees the
// slot so the registry doesn't grow without bound (§9: "Entries live as
// long as their inode is allocated; freeing the inode frees its lock
// entry"). Callers must release inum's lock (Unlock/RUnlock) before
// calling Forget: Unlock/RUnlock re-resolve the entry through the map
// rather than operating on a handle acquired by Lock/RLock, so forgetting
// first hands them a freshly created, never-locked mutex.
func (r *Registry) Forget(inum common.Inum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, inum)
}
