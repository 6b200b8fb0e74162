package common

import (
	"errors"
	"sync"
)

// ErrReentrancy is returned when a mutating operation is attempted while
// another operation for the same key is still in flight.
var ErrReentrancy = errors.New("operation already in flight")

// Locks hands out per-key mutual-exclusion tokens. Mutating entrypoints
// acquire a token on entry and must release it on every exit path, including
// error paths. Untrusted callbacks invoked mid-operation therefore cannot
// re-enter a mutating entrypoint for the same key.
type Locks struct {
	mu     sync.Mutex
	held   map[string]struct{}
	exempt map[string]struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{
		held:   make(map[string]struct{}),
		exempt: make(map[string]struct{}),
	}
}

// Token is the proof that a lock is held. Release is idempotent so a deferred
// release and an explicit release on a success path do not conflict.
type Token struct {
	locks    *Locks
	key      string
	released bool
}

// Acquire takes the lock for key. It fails with ErrReentrancy when the key is
// already locked, unless the key has been exempted.
func (l *Locks) Acquire(key string) (*Token, error) {
	if l == nil {
		return &Token{released: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.exempt[key]; ok {
		return &Token{released: true}, nil
	}
	if _, ok := l.held[key]; ok {
		return nil, ErrReentrancy
	}
	l.held[key] = struct{}{}
	return &Token{locks: l, key: key}, nil
}

// Exempt marks a key as exempt from reentrancy checks. Used for explicitly
// whitelisted flash-style integrations.
func (l *Locks) Exempt(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exempt[key] = struct{}{}
}

// Release gives the lock back. Safe to call more than once.
func (t *Token) Release() {
	if t == nil || t.released || t.locks == nil {
		return
	}
	t.locks.mu.Lock()
	defer t.locks.mu.Unlock()
	delete(t.locks.held, t.key)
	t.released = true
}
