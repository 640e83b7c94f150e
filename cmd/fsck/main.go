// Command fsck checks (and optionally repairs) a ledgerfs device image,
// the way jnwhiteh-minixfs/cmd/fsck walks a mounted minixfs image's
// structures from the command line.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ledgerfs/ledgerfs/fs"
	"github.com/ledgerfs/ledgerfs/util"
)

func ferr(f string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, f, a...)
}

func main() {
	var filename string
	var repair bool
	var verbose uint64

	flag.StringVar(&filename, "file", "", "the device image filename")
	flag.BoolVar(&repair, "repair", false, "rebuild the free-block bitmap and counters if damage is found")
	flag.Uint64Var(&verbose, "v", 0, "log verbosity level")
	flag.Parse()

	if filename == "" {
		ferr("must specify -file\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	opts := fs.DefaultOptions()
	opts.Logger = util.NewLogger(verbose)

	fsys, err := fs.Mount(filename, opts)
	if err != nil {
		ferr("fsck: mount: %s\n", err)
		os.Exit(1)
	}
	defer fsys.Unmount()

	report, err := fsys.Check()
	if err != nil {
		ferr("fsck: check: %s\n", err)
		os.Exit(1)
	}
	if report.OK() {
		fmt.Println("clean")
		return
	}

	for _, e := range report.Errors {
		fmt.Println(e)
	}
	if !repair {
		os.Exit(1)
	}

	if err := fsys.Repair(); err != nil {
		ferr("fsck: repair: %s\n", err)
		os.Exit(1)
	}
	fmt.Println("repaired")
}
