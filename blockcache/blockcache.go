// Package blockcache is a sharded read cache sitting in front of a
// disk.Disk, adapted from the teacher's shardmap.BlockMap (originally used
// to let WAL reads bypass install latency). Here it spares the facade from
// re-reading the same directory or indirect block on every path-resolution
// or listing call; it is a pure performance layer, never a source of
// truth: the facade re-caches a block it writes with Put and drops a block
// it frees, or one rewritten by WAL replay, with Invalidate.
package blockcache

import (
	"sync"

	"github.com/ledgerfs/ledgerfs/util"
)

const numShards = 257

type shard struct {
	mu    sync.RWMutex
	state map[uint64][]byte
}

// Cache is a sharded map from block number to a cached copy of its bytes.
type Cache struct {
	shards [numShards]*shard
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{state: make(map[uint64][]byte)}
	}
	return c
}

func (c *Cache) shardFor(blkno uint64) *shard {
	return c.shards[blkno%numShards]
}

// Get returns a copy of the cached block, if present.
func (c *Cache) Get(blkno uint64) ([]byte, bool) {
	s := c.shardFor(blkno)
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.state[blkno]
	if !ok {
		return nil, false
	}
	return util.CloneByteSlice(blk), true
}

// Put caches a copy of blk under blkno.
func (c *Cache) Put(blkno uint64, blk []byte) {
	s := c.shardFor(blkno)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[blkno] = util.CloneByteSlice(blk)
}

// Invalidate drops any cached copy of blkno, so a later Get misses rather
// than serve bytes that no longer match the device.
func (c *Cache) Invalidate(blkno uint64) {
	s := c.shardFor(blkno)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, blkno)
}

// InvalidateMany drops cached copies of every block in blknos.
func (c *Cache) InvalidateMany(blknos []uint64) {
	for _, b := range blknos {
		c.Invalidate(b)
	}
}

// Reset drops every cached entry, used after recovery replays the WAL and
// the cache can no longer be trusted to reflect the pre-crash state.
func (c *Cache) Reset() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.state = make(map[uint64][]byte)
		s.mu.Unlock()
	}
}
