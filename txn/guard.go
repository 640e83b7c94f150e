package txn

import "github.com/ledgerfs/ledgerfs/wal"

// Guard is the RAII-style scoped transaction wrapper of §4.6/§9: it
// acquires a transaction id from Begin on construction and rolls it back
// on Done unless Commit was already called. Go has no destructors, so
// every facade mutation path follows the protocol explicitly:
//
//	g := txn.NewGuard(mgr)
//	defer g.Done()
//	... g.Append(record) ...
//	return g.Commit()
type Guard struct {
	mgr       *Manager
	id        uint64
	committed bool
}

// NewGuard begins a transaction and wraps it in a Guard.
func NewGuard(mgr *Manager) *Guard {
	return &Guard{mgr: mgr, id: mgr.Begin()}
}

// ID returns the underlying transaction id.
func (g *Guard) ID() uint64 {
	return g.id
}

// Append buffers record under the guarded transaction.
func (g *Guard) Append(record *wal.Record) error {
	return g.mgr.Append(g.id, record)
}

// Commit commits the guarded transaction and marks it so Done is a no-op.
func (g *Guard) Commit() error {
	if err := g.mgr.Commit(g.id); err != nil {
		return err
	}
	g.committed = true
	return nil
}

// Done rolls back the guarded transaction unless Commit already succeeded.
// Call via defer immediately after NewGuard so every exit path — error
// return, panic recovery, early return — reverses buffered work that never
// committed.
func (g *Guard) Done() {
	if g.committed {
		return
	}
	_ = g.mgr.Rollback(g.id)
}
