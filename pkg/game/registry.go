package game

import (
	"fmt"
	"sort"
	"sync"
)

// Transport is the push channel of one player. The engine may close it but
// the transport layer can also close it on its own.
type Transport interface {
	Send(msg any) error
	Close() error
	IsOpen() bool
}

// SessionState is the live, in-memory side of a running game.
// All fields behind mu; ticks of the same session run under mu.
type SessionState struct {
	ID       int64
	MemberID int64

	mu        sync.Mutex
	second    int
	liveSent  int
	stopped   bool
	transport Transport
	cancel    func()
}

// Second is the next second the tick loop will handle.
func (s *SessionState) Second() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.second
}

func (s *SessionState) LiveSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveSent
}

func (s *SessionState) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// setCancel attaches the tick task. A session stopped before its task was
// attached cancels the task right away.
func (s *SessionState) setCancel(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		cancel()
		return
	}
	s.cancel = cancel
}

// stop cancels the tick task exactly once and returns the checkpoint second.
// It waits for an in-flight tick to finish.
func (s *SessionState) stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
	return s.second
}

// detachTransport hands the transport over to the caller.
func (s *SessionState) detachTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transport
	s.transport = nil
	return t
}

// Registry owns every live SessionState and the member→session index
// derived from it. Map access is short and never spans I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*SessionState
	members  map[int64]int64    // memberID → session id
	pending  map[int64]struct{} // members being admitted or having their record saved
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]*SessionState),
		members:  make(map[int64]int64),
		pending:  make(map[int64]struct{}),
	}
}

// reserve blocks concurrent starts for the same member until release.
func (r *Registry) reserve(memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.members[memberID]; ok {
		return fmt.Errorf("%w: member %d is playing game %d", ErrAlreadyRunning, memberID, id)
	}
	if _, ok := r.pending[memberID]; ok {
		return fmt.Errorf("%w: member %d is starting a game", ErrAlreadyRunning, memberID)
	}
	r.pending[memberID] = struct{}{}
	return nil
}

func (r *Registry) release(memberID int64) {
	r.mu.Lock()
	delete(r.pending, memberID)
	r.mu.Unlock()
}

// Create registers a session that will resume at startSecond.
func (r *Registry) Create(id, memberID int64, t Transport, startSecond int) (*SessionState, error) {
	if startSecond < 0 {
		startSecond = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: game %d", ErrAlreadyRunning, id)
	}
	if other, ok := r.members[memberID]; ok {
		return nil, fmt.Errorf("%w: member %d is playing game %d", ErrAlreadyRunning, memberID, other)
	}

	st := &SessionState{
		ID:        id,
		MemberID:  memberID,
		second:    startSecond,
		liveSent:  LiveSentBefore(startSecond),
		transport: t,
	}
	r.sessions[id] = st
	r.members[memberID] = id
	delete(r.pending, memberID)
	return st, nil
}

func (r *Registry) Get(id int64) (*SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	return st, ok
}

// Remove unregisters the session and its member index entry.
func (r *Registry) Remove(id int64) (*SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if r.members[st.MemberID] == id {
		delete(r.members, st.MemberID)
	}
	return st, true
}

// take removes the session like Remove and keeps its member reserved until
// release, so no start slips in before the record reflects the removal.
func (r *Registry) take(id int64) (*SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	r.detachLocked(st)
	return st, true
}

// takeState is take for st only if it is still the state for its id.
func (r *Registry) takeState(st *SessionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[st.ID]; !ok || cur != st {
		return false
	}
	r.detachLocked(st)
	return true
}

func (r *Registry) detachLocked(st *SessionState) {
	delete(r.sessions, st.ID)
	if r.members[st.MemberID] == st.ID {
		delete(r.members, st.MemberID)
	}
	r.pending[st.MemberID] = struct{}{}
}

// owns reports whether st is still the registered state for its id.
func (r *Registry) owns(st *SessionState) bool {
	cur, ok := r.Get(st.ID)
	return ok && cur == st
}

// SessionOf returns the running session of a member.
func (r *Registry) SessionOf(memberID int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.members[memberID]
	return id, ok
}

// Snapshot returns the running session ids, ascending.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// checkIndex verifies that the member index mirrors the session key set.
func (r *Registry) checkIndex() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) != len(r.sessions) {
		return fmt.Errorf("index has %d members for %d sessions", len(r.members), len(r.sessions))
	}
	for memberID, id := range r.members {
		st, ok := r.sessions[id]
		if !ok {
			return fmt.Errorf("member %d points to missing game %d", memberID, id)
		}
		if st.MemberID != memberID {
			return fmt.Errorf("game %d belongs to member %d, indexed under %d", id, st.MemberID, memberID)
		}
	}
	return nil
}
