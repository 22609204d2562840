package task

import "sync"

// ShutdownSignal is a monotonic flag: once set it is never reset. Waiters
// observe it through Done.
type ShutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdownSignal returns an unset signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

// Set raises the flag. It returns true only for the call that raised it.
func (s *ShutdownSignal) Set() bool {
	raised := false
	s.once.Do(func() {
		close(s.ch)
		raised = true
	})
	return raised
}

// IsSet reports whether the flag has been raised.
func (s *ShutdownSignal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is raised.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.ch
}
