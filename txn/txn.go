// Package txn implements the transaction manager of §4.6: monotonic
// transaction ids, per-transaction buffered log records, and the
// commit/rollback/expiry machinery that makes the facade's metadata
// mutations atomic across crashes. The overall shape — a manager guarding
// a map of live transactions plus a mutex-protected id counter — follows
// the teacher's txn.Txn (GetTransId/CommitWait), generalized from the
// teacher's block-journal model (buffers install into disk blocks) to
// this engine's log-record model (buffers are the records themselves).
package txn

import (
	"sync"
	"time"

	"github.com/ledgerfs/ledgerfs/common"
	"github.com/ledgerfs/ledgerfs/errs"
	"github.com/ledgerfs/ledgerfs/util"
	"github.com/ledgerfs/ledgerfs/wal"
)

// State is a transaction's terminal-state machine: Active -> Committed |
// Aborted, mutually exclusive (§3).
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is the in-memory bundle of §3: an id, a start time, and a
// buffered ordered sequence of log records accumulated by Append calls.
type Transaction struct {
	mu      sync.Mutex
	ID      uint64
	Start   time.Time
	records []*wal.Record
	state   State
}

// State reports the transaction's current terminal state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Records returns a copy of the buffered records, in append order.
func (t *Transaction) Records() []*wal.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wal.Record, len(t.records))
	copy(out, t.records)
	return out
}

// Manager is the transaction manager of §4.6, owning the active-transaction
// map and the next-id counter (§5's TransactionManager mutex) plus the WAL
// appends go through at commit time (§5's WAL mutex, delegated to *wal.WAL
// itself).
type Manager struct {
	mu      sync.Mutex
	log     *wal.WAL
	active  map[uint64]*Transaction
	nextID  uint64
	timeout time.Duration
	logger  util.Logger

	// totalIDs/totalRecords/totalDuration back Stats (§4.6).
	totalIDs      uint64
	totalRecords  uint64
	totalDuration time.Duration
	finishedCount uint64

	// finished records the terminal state of every transaction that has
	// left the active set, so Commit can tell a repeat from an abort.
	finished map[uint64]State
}

// New constructs a Manager writing committed records to log, defaulting
// the transaction timeout to common.DefaultTransactionTimeout when timeout
// is zero.
func New(log *wal.WAL, timeout time.Duration, logger util.Logger) *Manager {
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	if timeout == 0 {
		timeout = common.DefaultTransactionTimeout
	}
	return &Manager{
		log:      log,
		active:   make(map[uint64]*Transaction),
		timeout:  timeout,
		logger:   logger,
		finished: make(map[uint64]State),
	}
}

// Begin atomically allocates a monotonic transaction id, registers a new
// active Transaction, and returns the id (§4.6).
func (m *Manager) Begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.totalIDs++
	m.active[id] = &Transaction{ID: id, Start: time.Now(), state: Active}
	m.logger.Printf(5, "txn: begin %d\n", id)
	return id
}

func (m *Manager) lookup(id uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, errs.New(errs.TransactionNotFound, "transaction %d is not active", id).WithContext("txn")
	}
	return t, nil
}

// Append requires tx to be active and appends record to its buffered
// sequence, stamping the record's checksum just before buffering (§4.6).
func (m *Manager) Append(id uint64, record *wal.Record) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return errs.New(errs.TransactionAborted, "transaction %d is %s, not active", id, t.state).WithContext("txn")
	}
	record.TxnID = id
	record.Timestamp = uint64(time.Now().Unix())
	record.Encode() // finalizes checksum as a side effect of encoding
	t.records = append(t.records, record)
	return nil
}

// Commit writes the transaction's buffered records to the WAL in order,
// flushes, marks it committed, and removes it from the active set (§4.6).
// A second Commit of an already-committed id is a no-op returning success
// (§8's idempotence property); Commit of an id that was never begun, or
// that already aborted, fails with TransactionNotFound/TransactionAborted
// respectively.
func (m *Manager) Commit(id uint64) error {
	m.mu.Lock()
	t, ok := m.active[id]
	ended, known := m.finished[id]
	m.mu.Unlock()
	if !ok {
		// Either never began, or already finished. Idempotent commit is
		// only defined for a transaction this manager once knew about and
		// that finished via commit, not rollback or expiry.
		if known && ended == Committed {
			return nil
		}
		if known {
			return errs.New(errs.TransactionAborted, "transaction %d is %s, not active", id, ended).WithContext("txn")
		}
		return errs.New(errs.TransactionNotFound, "transaction %d is not active", id).WithContext("txn")
	}

	t.mu.Lock()
	if t.state == Committed {
		t.mu.Unlock()
		return nil
	}
	if t.state != Active {
		t.mu.Unlock()
		return errs.New(errs.TransactionAborted, "transaction %d is %s, not active", id, t.state).WithContext("txn")
	}
	records := make([]*wal.Record, len(t.records))
	copy(records, t.records)
	t.mu.Unlock()

	if err := m.log.Append(records); err != nil {
		t.mu.Lock()
		t.state = Aborted
		t.mu.Unlock()
		m.finish(id, t)
		return err
	}

	t.mu.Lock()
	t.state = Committed
	t.mu.Unlock()
	m.finish(id, t)
	m.logger.Printf(5, "txn: committed %d (%d records)\n", id, len(records))
	return nil
}

// Rollback marks the transaction aborted, discards its buffered records,
// and removes it from the active set (§4.6). Rollback after Commit fails
// with TransactionNotFound (§8's idempotence property): the transaction no
// longer exists to roll back.
func (m *Manager) Rollback(id uint64) error {
	m.mu.Lock()
	t, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.TransactionNotFound, "transaction %d is not active", id).WithContext("txn")
	}
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return errs.New(errs.TransactionNotFound, "transaction %d already %s", id, t.state).WithContext("txn")
	}
	t.state = Aborted
	t.records = nil
	t.mu.Unlock()
	m.finish(id, t)
	m.logger.Printf(5, "txn: rolled back %d\n", id)
	return nil
}

// finish removes id from the active set and folds its lifetime into the
// running stats, regardless of whether it committed or aborted.
func (m *Manager) finish(id uint64, t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; !ok {
		return
	}
	delete(m.active, id)
	m.finished[id] = t.State()
	m.totalRecords += uint64(len(t.Records()))
	m.totalDuration += time.Since(t.Start)
	m.finishedCount++
}

// CleanupExpired moves every transaction whose wall time exceeds the
// configured timeout to Aborted, discarding its buffered records, and
// returns the ids it expired (§4.6).
func (m *Manager) CleanupExpired() []uint64 {
	timeout := m.timeout
	m.mu.Lock()
	var expired []*Transaction
	for _, t := range m.active {
		if time.Since(t.Start) > timeout {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	ids := make([]uint64, 0, len(expired))
	for _, t := range expired {
		t.mu.Lock()
		if t.state == Active {
			t.state = Aborted
			t.records = nil
		}
		t.mu.Unlock()
		m.finish(t.ID, t)
		ids = append(ids, t.ID)
		m.logger.Printf(1, "txn: expired %d\n", t.ID)
	}
	return ids
}

// Checkpoint flushes the WAL (§4.6).
func (m *Manager) Checkpoint() error {
	return m.log.Checkpoint()
}

// Recover reads every well-formed record from the WAL and applies each, in
// order, via apply (§4.7). Records from transactions that never committed
// are absent from the WAL by construction, since only Commit writes them.
func (m *Manager) Recover(apply func(*wal.Record) error) error {
	records, err := m.log.ReadAll()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := apply(r); err != nil {
			return err
		}
	}
	m.logger.Printf(1, "txn: replayed %d records\n", len(records))
	return nil
}

// Stats summarizes the manager's lifetime activity (§4.6).
type Stats struct {
	ActiveCount  int
	TotalIDs     uint64
	TotalRecords uint64
	AvgDuration  time.Duration
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg time.Duration
	if m.finishedCount > 0 {
		avg = m.totalDuration / time.Duration(m.finishedCount)
	}
	return Stats{
		ActiveCount:  len(m.active),
		TotalIDs:     m.totalIDs,
		TotalRecords: m.totalRecords,
		AvgDuration:  avg,
	}
}
