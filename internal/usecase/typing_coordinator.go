package usecase

import (
	"sort"
	"sync"
	"time"
)

const (
	// How long after the last keystroke the auto-stop fires.
	defaultIdleWindow = 1200 * time.Millisecond
	// How long a remote typing entry lives without a refresh.
	defaultRemoteExpiry = 4 * time.Second
)

// TypingCoordinator debounces the local typing indicator for one
// conversation and tracks which remote participants are typing, expiring
// entries that never receive an explicit stop (abrupt disconnects).
type TypingCoordinator struct {
	chatID string
	selfID string
	emit   func(typing bool)

	idleWindow   time.Duration
	remoteExpiry time.Duration

	mu        sync.Mutex
	started   bool
	stopTimer *time.Timer
	remote    map[string]time.Time
	closed    bool
	onChange  func()
}

// NewTypingCoordinator wires a coordinator to an emit callback, normally
// the push connection's typing event. Zero durations select defaults.
func NewTypingCoordinator(chatID, selfID string, emit func(typing bool), idleWindow, remoteExpiry time.Duration) *TypingCoordinator {
	if idleWindow <= 0 {
		idleWindow = defaultIdleWindow
	}
	if remoteExpiry <= 0 {
		remoteExpiry = defaultRemoteExpiry
	}
	return &TypingCoordinator{
		chatID:       chatID,
		selfID:       selfID,
		emit:         emit,
		idleWindow:   idleWindow,
		remoteExpiry: remoteExpiry,
		remote:       make(map[string]time.Time),
	}
}

// SetOnChange registers a hook invoked when the remote typing set may
// have changed, outside the coordinator lock.
func (t *TypingCoordinator) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *TypingCoordinator) notify() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// NotifyLocalTyping is called on every local input change. "Started" is
// emitted at most once per quiet period; the auto-stop timer is reset on
// each call and emits "stopped" after the idle window.
func (t *TypingCoordinator) NotifyLocalTyping() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	emitStart := !t.started
	t.started = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.idleWindow, t.autoStop)
	t.mu.Unlock()

	if emitStart {
		t.emit(true)
	}
}

func (t *TypingCoordinator) autoStop() {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.stopTimer = nil
	t.mu.Unlock()

	t.emit(false)
}

// NotifyLocalStopped cancels any pending auto-stop and emits "stopped"
// immediately if "started" was the last thing emitted. Called on send and
// on leaving the conversation.
func (t *TypingCoordinator) NotifyLocalStopped() {
	t.mu.Lock()
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	emitStop := t.started && !t.closed
	t.started = false
	t.mu.Unlock()

	if emitStop {
		t.emit(false)
	}
}

// OnRemoteTyping applies an inbound typing event. Start refreshes the
// expiry; stop removes immediately. Events about the local user are
// ignored, own typing is never mirrored back into the set.
func (t *TypingCoordinator) OnRemoteTyping(userID string, isTyping bool) {
	if userID == t.selfID {
		return
	}

	t.mu.Lock()
	if isTyping {
		t.remote[userID] = time.Now().Add(t.remoteExpiry)
	} else {
		delete(t.remote, userID)
	}
	t.mu.Unlock()

	t.notify()
}

// TypingUsers returns the ids currently typing, dropping entries whose
// expiry passed without an explicit stop.
func (t *TypingCoordinator) TypingUsers() []string {
	now := time.Now()

	t.mu.Lock()
	out := make([]string, 0, len(t.remote))
	for id, expiry := range t.remote {
		if now.After(expiry) {
			delete(t.remote, id)
			continue
		}
		out = append(out, id)
	}
	t.mu.Unlock()

	sort.Strings(out)
	return out
}

// Close cancels pending timers. Remote state is discarded; in-flight
// sends elsewhere are unaffected.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	t.closed = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.started = false
	t.remote = make(map[string]time.Time)
	t.mu.Unlock()
}
