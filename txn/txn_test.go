package txn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/wal"
)

func tempManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "journal.wal"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return New(w, timeout, nil)
}

func rec(op common.OpType) *wal.Record {
	return &wal.Record{Op: op, InodeNum: common.Inum(1), BlockNum: common.Bnum(2)}
}

func TestBeginAppendCommitPersists(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)

	id := m.Begin()
	assert.NoError(m.Append(id, rec(common.OpCreateInode)))
	assert.NoError(m.Append(id, rec(common.OpDirInsert)))
	assert.NoError(m.Commit(id))

	assert.Equal(0, m.Stats().ActiveCount)
	assert.EqualValues(2, m.Stats().TotalRecords)

	var applied []common.OpType
	assert.NoError(m.Recover(func(r *wal.Record) error {
		applied = append(applied, r.Op)
		return nil
	}))
	assert.Equal([]common.OpType{common.OpCreateInode, common.OpDirInsert}, applied)
}

func TestRollbackDiscardsRecords(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)

	id := m.Begin()
	assert.NoError(m.Append(id, rec(common.OpWriteBlock)))
	assert.NoError(m.Rollback(id))

	var applied int
	assert.NoError(m.Recover(func(r *wal.Record) error {
		applied++
		return nil
	}))
	assert.Equal(0, applied)
}

func TestCommitIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)

	id := m.Begin()
	assert.NoError(m.Commit(id))
	assert.NoError(m.Commit(id))
}

func TestRollbackAfterCommitFails(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)

	id := m.Begin()
	assert.NoError(m.Commit(id))

	err := m.Rollback(id)
	assert.Error(err)
	assert.Equal(errs.TransactionNotFound, errs.KindOf(err))
}

func TestAppendToUnknownTransactionFails(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)
	err := m.Append(999, rec(common.OpFreeBlock))
	assert.Error(err)
	assert.Equal(errs.TransactionNotFound, errs.KindOf(err))
}

func TestCleanupExpiredAbortsStaleTransactions(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Millisecond)

	id := m.Begin()
	assert.NoError(m.Append(id, rec(common.OpFreeInode)))
	time.Sleep(5 * time.Millisecond)

	expired := m.CleanupExpired()
	assert.Equal([]uint64{id}, expired)
	assert.Equal(0, m.Stats().ActiveCount)

	err := m.Commit(id)
	assert.Error(err)
}

func TestGuardRollsBackUnlessCommitted(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)

	func() {
		g := NewGuard(m)
		defer g.Done()
		assert.NoError(g.Append(rec(common.OpDirRemove)))
		// no commit: Done() should roll back
	}()
	assert.Equal(0, m.Stats().ActiveCount)

	var applied int
	assert.NoError(m.Recover(func(r *wal.Record) error {
		applied++
		return nil
	}))
	assert.Equal(0, applied)

	func() {
		g := NewGuard(m)
		defer g.Done()
		assert.NoError(g.Append(rec(common.OpSuperblock)))
		assert.NoError(g.Commit())
	}()

	applied = 0
	assert.NoError(m.Recover(func(r *wal.Record) error {
		applied++
		return nil
	}))
	assert.Equal(1, applied)
}

func TestBeginIDsAreMonotonic(t *testing.T) {
	assert := assert.New(t)
	m := tempManager(t, time.Minute)
	a := m.Begin()
	b := m.Begin()
	assert.Less(a, b)
}
