package websocket

import (
	"strconv"
	"sync"
)

// State is the lifecycle state of a connection.
type State int32

// Connection states. Transitions are monotonic:
// Handshaking -> Open -> ClosingLocal | ClosingRemote -> Closed,
// with Aborted reachable from every non-terminal state.
const (
	StateHandshaking State = iota
	StateOpen
	StateClosingLocal
	StateClosingRemote
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing_local"
	case StateClosingRemote:
		return "closing_remote"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// lifecycle owns the connection state. Other components only read it.
type lifecycle struct {
	mu            sync.Mutex
	state         State
	closeSent     bool
	closeReceived bool
	// err is the cause of termination, returned to writers afterwards.
	err  error
	done chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateHandshaking, done: make(chan struct{})}
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// open completes the handshake phase.
func (l *lifecycle) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateHandshaking {
		return false
	}
	l.state = StateOpen
	return true
}

// markCloseSent records the local close frame and reports whether the
// close handshake is now complete.
func (l *lifecycle) markCloseSent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeSent = true
	if l.state == StateOpen {
		l.state = StateClosingLocal
	}
	return l.closeReceived
}

// markCloseReceived records the peer's close frame and reports whether the
// close handshake is now complete.
func (l *lifecycle) markCloseReceived() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeReceived = true
	if l.state == StateOpen {
		l.state = StateClosingRemote
	}
	return l.closeSent
}

// finish moves to a terminal state. It reports false when the connection
// had already terminated, in which case nothing changes.
func (l *lifecycle) finish(to State, cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return false
	}
	l.state = to
	l.err = cause
	close(l.done)
	return true
}

// writeErr returns the error writers get, or nil while writes are allowed.
func (l *lifecycle) writeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state == StateAborted:
		return l.err
	case l.closeSent || l.state == StateClosed:
		return ErrCloseSent
	}
	return nil
}

func (l *lifecycle) cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
