// Package async spawns the engine's background goroutines with panic
// containment: the dispatcher's node workers, the queue sweeper and the
// scheduler's timer callbacks all run through here, so a panicking executor
// cannot take the process down with it.
package async

import "runtime/debug"

// PanicLogger receives panic reports; logging.Logger satisfies it.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic is logged under name together
// with the stack and swallowed.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported for callers that manage their
// goroutines themselves (the scheduler arms time.AfterFunc directly).
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "goroutine"
	}
	logger.Error("panic in %s: %v\n%s", name, r, debug.Stack())
}
