// Package runstate holds the server-wide Running/Paused/Throttled mode
// spec.md §7 describes: a single piece of shared state that the control
// channel mutates and the NNTP receiver consults before accepting a new
// article, without the two packages depending on each other.
package runstate

import (
	"sync"
	"time"
)

// Mode is the server's admission state, spec.md §7.
type Mode int

const (
	Running Mode = iota
	Paused
	Throttled
)

func (m Mode) String() string {
	switch m {
	case Paused:
		return "paused"
	case Throttled:
		return "throttled"
	default:
		return "running"
	}
}

// State is the shared, lock-protected mode plus the reason a human or a
// local I/O failure gave for leaving Running. Locking here is
// deliberate and does not violate the reactor's no-internal-locking
// rule (spec.md §5): this is cross-subsystem administrative state, not
// reactor dispatch-path state, and is read at most once per accepted
// command.
type State struct {
	mu        sync.RWMutex
	mode      Mode
	reason    string
	changedAt time.Time
	trace     bool
}

// New returns a State starting in Running mode.
func New() *State {
	return &State{mode: Running, changedAt: time.Now()}
}

func (s *State) Set(m Mode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	s.reason = reason
	s.changedAt = time.Now()
}

func (s *State) Get() (Mode, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.reason
}

// AcceptingArticles reports whether a new IHAVE/CHECK/TAKETHIS offer
// should proceed at all, spec.md §7's "still accept and close with 400"
// rule: Paused and Throttled both refuse new work, the caller is
// responsible for writing the 400 reply.
func (s *State) AcceptingArticles() bool {
	m, _ := s.Get()
	return m == Running
}

// SetTrace toggles verbose per-command channel tracing, set by the
// control channel's "trace" command and consulted by every newly
// accepted connection (spec.md §3's Channel.Trace).
func (s *State) SetTrace(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = on
}

// Trace reports the current tracing default for newly accepted channels.
func (s *State) Trace() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trace
}
