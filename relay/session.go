package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"weak"
)

// slot is one SessionTable entry: a weak reference to the peer's
// current UpstreamSession plus a mutex that serializes the
// upgrade-or-reconstruct decision for that one peer. The mutex is the
// entire single-flight mechanism (I1): whoever holds it is the only
// task permitted to decide whether a new upstream needs opening.
type slot struct {
	mu   sync.Mutex
	weak weak.Pointer[UpstreamSession]

	// opens counts finished open attempts; lastErr is the error of the
	// most recent one (nil if it succeeded). Both are written under mu.
	opens   atomic.Uint64
	lastErr error
}

// openFunc constructs a new UpstreamSession for peer. It is supplied by
// ServerCore so SessionTable stays ignorant of RelaySocket/config
// wiring; SessionTable only owns the map and its locking discipline.
type openFunc func(peer *net.UDPAddr) (*UpstreamSession, error)

// SessionTable is the concurrent map from downstream peer to a lazily
// created, weakly-held UpstreamSession, described in spec §4.3. The map
// itself is guarded by an RWMutex; upgradeGate bounds how many
// goroutines can race for the map's write lock at once when inserting a
// slot for a never-before-seen peer.
type SessionTable struct {
	mu          sync.RWMutex
	upgradeGate sync.Mutex
	slots       map[string]*slot
	open        openFunc
}

// NewSessionTable builds an empty table that constructs new sessions
// via open.
func NewSessionTable(open openFunc) *SessionTable {
	return &SessionTable{
		slots: make(map[string]*slot),
		open:  open,
	}
}

// GetOrCreate returns a live UpstreamSession for peer, creating one if
// none is currently reachable. See spec §4.3 for the full state
// machine; in short: Absent peers get a fresh Empty slot (under the
// upgrade gate, with a second existence check to resolve the insert
// race), then every path funnels into resolveSlot, which holds the
// slot's own mutex across the weak-upgrade attempt and, if needed, the
// entire openUpstream call.
func (t *SessionTable) GetOrCreate(peer *net.UDPAddr) (*UpstreamSession, error) {
	key := peer.String()

	t.mu.RLock()
	s, ok := t.slots[key]
	t.mu.RUnlock()

	if !ok {
		s = t.insertSlot(key)
	}

	return t.resolveSlot(s, peer)
}

// insertSlot performs the two-phase read->write lock upgrade for a
// peer seen for the first time: release the read lock (already done by
// the caller), take the upgrade gate so only one goroutine at a time
// races for the write lock, re-check under a fresh read lock in case a
// racer beat us here while we waited for the gate, and only then take
// the write lock to insert.
func (t *SessionTable) insertSlot(key string) *slot {
	t.upgradeGate.Lock()
	defer t.upgradeGate.Unlock()

	t.mu.RLock()
	if s, ok := t.slots[key]; ok {
		t.mu.RUnlock()
		return s
	}
	t.mu.RUnlock()

	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{}
		t.slots[key] = s
	}
	t.mu.Unlock()
	return s
}

// resolveSlot is the Empty/Live state machine for one already-located
// slot. The slot mutex is intentionally held across openUpstream's
// bind/connect: that is what makes construction single-flight per peer
// (I1) and prevents two live sessions from ever existing for the same
// peer at once (I2).
func (t *SessionTable) resolveSlot(s *slot, peer *net.UDPAddr) (*UpstreamSession, error) {
	seen := s.opens.Load()
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.weak.Value(); sess != nil {
		return sess, nil
	}
	// An open that failed while this caller waited for the slot mutex
	// answers this caller too: single-flight covers the error path.
	if s.opens.Load() != seen && s.lastErr != nil {
		return nil, s.lastErr
	}

	sess, err := t.open(peer)
	s.opens.Add(1)
	s.lastErr = err
	if err != nil {
		// Leave the slot Empty; the next GetOrCreate for this peer
		// retries from scratch.
		return nil, err
	}
	s.weak = weak.Make(sess)
	return sess, nil
}

// Sweep removes every slot whose weak reference can no longer upgrade,
// i.e. every peer whose session's receive task has already exited. It
// is the periodic counterpart to spec §9's acknowledged "slot leak": the
// table itself never removes entries on the hot path, so something has
// to, eventually, or a long-running relay accumulates one slot per
// ever-seen peer forever.
func (t *SessionTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, s := range t.slots {
		s.mu.Lock()
		dead := s.weak.Value() == nil
		s.mu.Unlock()
		if dead {
			delete(t.slots, key)
			removed++
		}
	}
	return removed
}

// Len reports the current number of tracked slots (live and empty
// alike); used by diagnostics and tests.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
