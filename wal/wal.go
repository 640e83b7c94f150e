package wal

import (
	"io"
	"os"
	"sync"

	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
)

// WAL is the append-only log file of §6: a sequence of log records,
// appended on commit and emptied only by Reset, which the facade calls
// once the records have been folded into the on-disk image. All appends and flushes serialize on one mutex (§5's WAL mutex).
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	log  util.Logger
}

// Open opens (creating if necessary) the WAL file at path for append, the
// way the teacher's fileDisk opens its device image.
func Open(path string, log util.Logger) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errs.New(errs.Configuration, "opening WAL file %s: %s", path, err).WithContext(path)
	}
	if log == nil {
		log = util.NewDiscardLogger()
	}
	return &WAL{path: path, f: f, log: log}, nil
}

// Append writes records to the end of the WAL file, in order, and fsyncs
// before returning (§4.6's commit: "writes buffered records to the WAL in
// order, flushes the WAL"). A partial write leaves the file's logical tail
// unchanged from the caller's point of view: callers surface the error and
// treat the transaction as aborted (§4.6).
func (w *WAL) Append(records []*Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errs.New(errs.Corrupted, "locating WAL tail: %s", err).WithContext(w.path)
	}
	for _, r := range records {
		if _, err := w.f.Write(r.Encode()); err != nil {
			// Cut off whatever part of this batch reached the file.
			_ = w.f.Truncate(start)
			_, _ = w.f.Seek(start, io.SeekStart)
			return errs.New(errs.Corrupted, "appending WAL record: %s", err).WithContext(w.path)
		}
	}
	if err := w.f.Sync(); err != nil {
		return errs.New(errs.Corrupted, "syncing WAL file: %s", err).WithContext(w.path)
	}
	w.log.Printf(5, "wal: appended %d records\n", len(records))
	return nil
}

// Checkpoint flushes the WAL to disk (§4.6's checkpoint). Since Append
// already fsyncs, this mainly exists as the named operation the facade's
// checkpoint/unmount path calls.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return errs.New(errs.Corrupted, "checkpointing WAL file: %s", err).WithContext(w.path)
	}
	return nil
}

// ReadAll reads every well-formed record from the beginning of the WAL
// file, stopping at EOF or the first parse/checksum failure — the tail is
// assumed to be a torn write and is skipped; it stays in the file until
// Reset empties it (§4.7 step 2).
func (w *WAL) ReadAll() ([]*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, errs.New(errs.Corrupted, "reading WAL file: %s", err).WithContext(w.path)
	}
	var records []*Record
	off := uint64(0)
	for off < uint64(len(data)) {
		r, n, err := decodeRecord(data[off:])
		if err != nil {
			w.log.Printf(1, "wal: stopping replay at offset %d: %s\n", off, err)
			break
		}
		records = append(records, r)
		off += n
	}
	return records, nil
}

// Reset truncates the WAL file to empty, used after format creates a fresh
// device image and after recovery has folded the tail into the
// authoritative on-disk state (so a second mount does not replay it
// again).
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return errs.New(errs.Corrupted, "truncating WAL file: %s", err).WithContext(w.path)
	}
	if _, err := w.f.Seek(0, os.SEEK_SET); err != nil {
		return errs.New(errs.Corrupted, "seeking WAL file: %s", err).WithContext(w.path)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
