package monitor

import "sync"

// Signal is one typed publish point on the notification bus. Subscribers
// attach with Connect and are invoked synchronously, in registration order,
// on the goroutine handling the command. A subscriber may itself request
// path termination from inside its callback.
type Signal[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

// Connect registers fn to be called on every emit.
func (s *Signal[T]) Connect(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *Signal[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), len(s.fns))
	copy(fns, s.fns)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
