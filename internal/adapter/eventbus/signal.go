package eventbus

import (
	"log/slog"
	"sync"

	"github.com/tinystage/stageaudio/internal/ports"
)

// Signal is a typed, single-kind event source.
// Backends expose one Signal per event kind so a handler with the wrong
// signature fails to compile instead of failing at dispatch time.
//
// Thread-safety: This implementation is thread-safe. Emit works on a snapshot,
// so handlers may disconnect themselves (once semantics) while being called.
type Signal[T any] struct {
	logger *slog.Logger
	name   string

	mu       sync.Mutex
	handlers []signalHandler[T]
	nextID   uint64
}

type signalHandler[T any] struct {
	id uint64
	fn func(T)
}

// NewSignal creates a signal. The name only appears in panic logs.
func NewSignal[T any](name string, logger *slog.Logger) *Signal[T] {
	return &Signal[T]{name: name, logger: logger}
}

// Connect registers a handler and returns its subscription.
func (s *Signal[T]) Connect(fn func(T)) ports.Subscription {
	if fn == nil {
		panic("signal handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, signalHandler[T]{id: id, fn: fn})
	return &signalSubscription[T]{signal: s, id: id}
}

// Once registers a handler that disconnects itself before its first call.
func (s *Signal[T]) Once(fn func(T)) ports.Subscription {
	var sub ports.Subscription
	var mu sync.Mutex
	fired := false
	sub = s.Connect(func(v T) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		sub.Unsubscribe()
		fn(v)
	})
	return sub
}

// Emit calls every connected handler with v.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]signalHandler[T], len(s.handlers))
	copy(snapshot, s.handlers)
	s.mu.Unlock()

	for _, h := range snapshot {
		if !s.connected(h.id) {
			continue
		}
		s.call(h.fn, v)
	}
}

func (s *Signal[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("signal handler panicked",
				slog.String("signal", s.name),
				slog.Any("panic", r))
		}
	}()
	fn(v)
}

func (s *Signal[T]) connected(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

func (s *Signal[T]) disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of connected handlers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Clear disconnects every handler.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

type signalSubscription[T any] struct {
	signal *Signal[T]
	id     uint64
	once   sync.Once
}

// Unsubscribe disconnects the handler. Safe to call more than once.
func (sub *signalSubscription[T]) Unsubscribe() {
	sub.once.Do(func() {
		sub.signal.disconnect(sub.id)
	})
}
