package guard

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when a mutating operation is entered again
// before the enclosing call has finished. Token collaborators are untrusted
// and may call back into the engine that invoked them.
var ErrReentrantCall = errors.New("guard: reentrant call")

// Guard is a non-blocking mutual exclusion flag. Enter fails fast instead
// of queueing, which turns a callback loop into a clean error rather than
// a deadlock or a double-spend.
type Guard struct {
	entered atomic.Bool
}

// Enter acquires the guard. The caller must Exit on every path once
// Enter succeeds.
func (g *Guard) Enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.entered.Store(false)
}
