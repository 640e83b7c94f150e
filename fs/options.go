// Package fs is the filesystem facade of §4.8: it stitches the
// superblock, inode table, block allocator, and write-ahead log into a
// POSIX-like namespace with ACID metadata mutations and concurrent access
// control. It is the engine's only public surface; external collaborators
// (the HTTP front end, the client library, the thread pool) call only
// this package.
package fs

import (
	"time"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/util"
)

// Options configures a FileSystem, following the teacher's pattern of a
// small Mk*-style constructor filling in defaults rather than a parsed
// config file (§9's design note: no environment dependency, so
// configuration is constructor parameters).
type Options struct {
	// BlockSize is used only by Format; Mount always takes the block size
	// persisted in the superblock.
	BlockSize uint32

	// TransactionTimeout bounds how long a transaction may stay active
	// before CleanupExpired aborts it (§4.6).
	TransactionTimeout time.Duration

	// WALPath overrides the write-ahead log's location; if empty, it is
	// derived from the device path by appending ".wal".
	WALPath string

	// Logger is the injected logging sink (§9: no process-wide logger
	// singleton). If nil, a discarding logger is used.
	Logger util.Logger

	// CacheShards is currently unused beyond documenting intent: the block
	// cache's shard count is fixed (blockcache.numShards) the way the
	// teacher's shardmap fixes NSHARDS; exposed here so a future version
	// can make it configurable without an API break.
	CacheShards int
}

// DefaultOptions returns an Options with every field set to the engine's
// defaults (§3, §4.6).
func DefaultOptions() Options {
	return Options{
		BlockSize:           common.DefaultBlockSize,
		TransactionTimeout:  common.DefaultTransactionTimeout,
		Logger:              util.NewDiscardLogger(),
		CacheShards:         257,
	}
}

func (o Options) logger() util.Logger {
	if o.Logger == nil {
		return util.NewDiscardLogger()
	}
	return o.Logger
}

func (o Options) walPath(devicePath string) string {
	if o.WALPath != "" {
		return o.WALPath
	}
	return devicePath + ".wal"
}
