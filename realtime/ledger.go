package realtime

import "sync"

// heldUpdate is a remote update waiting for an in-flight operation.
type heldUpdate struct {
	version int64
	apply   func()
}

// pendingCreate tracks a create request whose response has not arrived.
type pendingCreate struct {
	id        EntityID
	serverID  string
	cancelled bool
}

// ledger is the bookkeeping shared by the optimistic and the remote path.
// Every method requires mu to be held by the caller.
type ledger struct {
	mu sync.Mutex

	// versions holds the highest row version applied per server id.
	versions map[string]int64
	// tombstones holds server ids deleted during this session.
	tombstones map[string]struct{}
	// ops holds the token of the newest operation issued per entity.
	ops map[EntityID]uint64
	// deferred holds the highest versioned remote update that arrived while
	// an operation on the same entity was in flight.
	deferred map[EntityID]heldUpdate
	// creates is keyed by the pending token, which doubles as the client_ref.
	creates map[string]*pendingCreate
	seq     uint64
}

func newLedger() *ledger {
	return &ledger{
		versions:   make(map[string]int64),
		tombstones: make(map[string]struct{}),
		ops:        make(map[EntityID]uint64),
		deferred:   make(map[EntityID]heldUpdate),
		creates:    make(map[string]*pendingCreate),
	}
}

// accept records version for id and reports whether it is newer than anything
// applied before. Version 0 means the backend does not version rows and is
// always accepted.
func (l *ledger) accept(id string, version int64) bool {
	if _, dead := l.tombstones[id]; dead {
		return false
	}
	if version == 0 {
		return true
	}
	if version <= l.versions[id] {
		return false
	}
	l.versions[id] = version
	return true
}

func (l *ledger) bury(id string) {
	l.tombstones[id] = struct{}{}
}

func (l *ledger) unbury(id string) {
	delete(l.tombstones, id)
}

func (l *ledger) buried(id string) bool {
	_, ok := l.tombstones[id]
	return ok
}

// begin issues a new operation token for id, superseding any earlier one.
func (l *ledger) begin(id EntityID) uint64 {
	l.seq++
	l.ops[id] = l.seq
	return l.seq
}

// current reports whether tok is still the newest operation on id.
func (l *ledger) current(id EntityID, tok uint64) bool {
	return l.ops[id] == tok
}

func (l *ledger) busy(id EntityID) bool {
	_, ok := l.ops[id]
	return ok
}

// finish clears the operation if it is still current and returns the remote
// update that was held back while it ran, if any.
func (l *ledger) finish(id EntityID, tok uint64) func() {
	if l.ops[id] != tok {
		return nil
	}
	delete(l.ops, id)
	held := l.deferred[id]
	delete(l.deferred, id)
	return held.apply
}

// hold keeps fn to run when the operation on id settles. An update replaces
// the one already held only if its version is higher; unversioned updates
// always replace.
func (l *ledger) hold(id EntityID, version int64, fn func()) {
	if prev, ok := l.deferred[id]; ok && version != 0 && version <= prev.version {
		return
	}
	l.deferred[id] = heldUpdate{version: version, apply: fn}
}

// cancelCreate marks the create of pending id as superseded by a delete.
func (l *ledger) cancelCreate(id EntityID) {
	token, _ := id.Token()
	if pc := l.creates[token]; pc != nil {
		pc.cancelled = true
	}
}
