// Package wal implements the write-ahead log of §3/§4.6: a sequence of
// fixed-plus-variable-length log records, appended to a host file on every
// commit and replayed by recovery on mount. The record encoding follows
// the teacher's buf/0circular.go use of github.com/tchajed/marshal for its
// log header, generalized from fixed-width integer headers to records
// that also carry variable-length undo/redo payloads.
package wal

import (
	"github.com/tchajed/marshal"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
)

// Record is the log record of §3: enough to undo (OldData) or redo
// (NewData) one logical mutation of the on-disk image.
type Record struct {
	TxnID     uint64
	Op        common.OpType
	InodeNum  common.Inum
	BlockNum  common.Bnum
	Timestamp uint64
	OldData   []byte
	NewData   []byte
	Checksum  uint32
}

// fixedSize is the length of every field except the two variable-length
// payloads and their length prefixes.
const fixedSize = 8 + 4 + 4 + 4 + 8 + 4

// recomputeChecksum computes the checksum over every fixed and variable
// field with Checksum itself zeroed (§3's log-record invariant).
func (r *Record) recomputeChecksum() {
	r.Checksum = 0
	r.Checksum = util.Checksum(r.encode())
}

// encode serializes r, including its current Checksum field (zero or not).
func (r *Record) encode() []byte {
	size := fixedSize + 8 + uint64(len(r.OldData)) + 8 + uint64(len(r.NewData))
	enc := marshal.NewEnc(size)
	enc.PutInt(r.TxnID)
	enc.PutInt32(uint32(r.Op))
	enc.PutInt32(uint32(r.InodeNum))
	enc.PutInt32(uint32(r.BlockNum))
	enc.PutInt(r.Timestamp)
	enc.PutInt32(r.Checksum)
	enc.PutInt(uint64(len(r.OldData)))
	enc.PutBytes(r.OldData)
	enc.PutInt(uint64(len(r.NewData)))
	enc.PutBytes(r.NewData)
	return enc.Finish()
}

// Encode finalizes the checksum and returns the wire bytes for this
// record, appended to the WAL (§3, §4.6's append).
func (r *Record) Encode() []byte {
	r.recomputeChecksum()
	return r.encode()
}

// decodeRecord reads one record starting at the front of data, returning
// the record and the number of bytes it consumed. A truncated or corrupt
// header is reported as Corrupted so recovery can stop cleanly at the
// WAL's tail (§4.7).
func decodeRecord(data []byte) (*Record, uint64, error) {
	if uint64(len(data)) < fixedSize+8 {
		return nil, 0, errs.New(errs.Corrupted, "log record header truncated")
	}
	dec := marshal.NewDec(data)
	r := &Record{}
	r.TxnID = dec.GetInt()
	r.Op = common.OpType(dec.GetInt32())
	r.InodeNum = common.Inum(dec.GetInt32())
	r.BlockNum = common.Bnum(dec.GetInt32())
	r.Timestamp = dec.GetInt()
	r.Checksum = dec.GetInt32()
	oldLen := dec.GetInt()
	if uint64(len(data)) < fixedSize+8+oldLen+8 {
		return nil, 0, errs.New(errs.Corrupted, "log record old_data truncated")
	}
	r.OldData = dec.GetBytes(oldLen)
	newLen := dec.GetInt()
	if uint64(len(data)) < fixedSize+8+oldLen+8+newLen {
		return nil, 0, errs.New(errs.Corrupted, "log record new_data truncated")
	}
	r.NewData = dec.GetBytes(newLen)

	consumed := fixedSize + 8 + oldLen + 8 + newLen
	want := r.Checksum
	check := *r
	check.Checksum = 0
	got := util.Checksum(check.encode())
	if got != want {
		return nil, 0, errs.New(errs.Corrupted, "log record checksum mismatch: have 0x%08X, want 0x%08X", got, want)
	}
	return r, consumed, nil
}
