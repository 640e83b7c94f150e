// Command mkfs formats a new ledgerfs device image, the way
// jnwhiteh-minixfs/cmd/mkfs builds a fresh minixfs image from a flag set.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/fs"
	"github.com/ledgerfs/ledgerfs/util"
)

func ferr(f string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, f, a...)
}

func main() {
	var filename string
	var blockSize uint
	var totalBlocks uint64
	var verbose uint64

	flag.StringVar(&filename, "file", "", "the device image filename")
	flag.UintVar(&blockSize, "blocksize", uint(common.DefaultBlockSize), "block size in bytes")
	flag.Uint64Var(&totalBlocks, "size", 4096, "filesystem size, in blocks")
	flag.Uint64Var(&verbose, "v", 0, "log verbosity level")
	flag.Parse()

	if filename == "" {
		ferr("must specify -file\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	opts := fs.DefaultOptions()
	opts.BlockSize = uint32(blockSize)
	opts.Logger = util.NewLogger(verbose)

	if err := fs.Format(filename, totalBlocks, opts); err != nil {
		ferr("mkfs: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("formatted %s: %d blocks of %d bytes\n", filename, totalBlocks, blockSize)
}
