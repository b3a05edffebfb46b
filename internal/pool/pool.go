// Package pool keeps decoded audio resources alive between plays.
//
// A Pool holds at most Capacity handles while any of them is idle. When a new
// source is requested at capacity, the least recently used idle handle is
// unloaded to make room. Handles with live instances are never evicted; if
// every handle is busy the pool grows past capacity and logs a warning.
package pool

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// Pool is a bounded LRU set of handles keyed by source.
//
// Pool is not safe for concurrent use; the owning engine serializes access.
type Pool struct {
	decoder   ports.Decoder
	capacity  int
	streaming bool
	logger    *slog.Logger
	now       func() time.Time
	onEvict   func(source string)

	handles map[string]*Handle
	seq     uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithStreaming asks the decoder for streaming resources.
func WithStreaming(streaming bool) Option {
	return func(p *Pool) { p.streaming = streaming }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithClock replaces time.Now for last-used bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool. It panics if capacity is less than 1.
func New(decoder ports.Decoder, capacity int, opts ...Option) *Pool {
	if capacity < 1 {
		panic(fmt.Sprintf("pool capacity must be at least 1, got %d", capacity))
	}
	p := &Pool{
		decoder:  decoder,
		capacity: capacity,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnEvict registers a hook called with the source of every evicted handle.
func (p *Pool) OnEvict(fn func(source string)) {
	p.onEvict = fn
}

// Get returns the handle for source, creating it if needed.
// Loading happens in the background; callers wait on the resource separately.
func (p *Pool) Get(source string) (*Handle, error) {
	if h, ok := p.handles[source]; ok {
		h.lastUsed = p.now()
		return h, nil
	}

	res, err := p.decoder.Decode(source, p.streaming)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}

	if len(p.handles) >= p.capacity && !p.evictOldestIdle() {
		p.logger.Warn("pool over capacity, every handle is busy",
			slog.String("source", source),
			slog.Int("capacity", p.capacity),
			slog.Int("size", len(p.handles)+1))
	}

	p.seq++
	h := newHandle(source, res, p.seq, p.now())
	p.handles[source] = h
	return h, nil
}

// evictOldestIdle unloads the least recently used idle handle.
// Ties on last-used fall back to insertion order.
func (p *Pool) evictOldestIdle() bool {
	candidates := p.Handles()
	slices.SortStableFunc(candidates, func(a, b *Handle) int {
		return a.lastUsed.Compare(b.lastUsed)
	})

	for _, h := range candidates {
		if !h.Idle() {
			continue
		}
		delete(p.handles, h.source)
		h.release()
		h.resource.Unload()
		p.logger.Debug("evicted idle handle", slog.String("source", h.source))
		if p.onEvict != nil {
			p.onEvict(h.source)
		}
		return true
	}
	return false
}

// Peek returns the handle for source without refreshing it.
func (p *Pool) Peek(source string) (*Handle, bool) {
	h, ok := p.handles[source]
	return h, ok
}

// Touch refreshes the last-used time of h if it is still pooled.
func (p *Pool) Touch(h *Handle) {
	if cur, ok := p.handles[h.source]; ok && cur == h {
		h.lastUsed = p.now()
	}
}

// Remove drops the handle for source and unloads its resource.
func (p *Pool) Remove(source string) bool {
	h, ok := p.handles[source]
	if !ok {
		return false
	}
	delete(p.handles, source)
	h.release()
	h.resource.Unload()
	return true
}

// Handles returns every handle in insertion order.
func (p *Pool) Handles() []*Handle {
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handle) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Clear unloads every handle.
func (p *Pool) Clear() {
	for _, h := range p.Handles() {
		h.release()
		h.resource.Unload()
	}
	clear(p.handles)
}

// Len returns the number of pooled handles.
func (p *Pool) Len() int { return len(p.handles) }

// Capacity returns the configured capacity.
func (p *Pool) Capacity() int { return p.capacity }

// All yields every live instance with its handle, handles in insertion order.
// Instances are captured per handle as iteration reaches it.
func (p *Pool) All() iter.Seq2[*Handle, *domain.Instance] {
	return func(yield func(*Handle, *domain.Instance) bool) {
		for _, h := range p.Handles() {
			for inst := range h.Instances() {
				if !yield(h, inst) {
					return
				}
			}
		}
	}
}

// Count returns the number of live instances across the pool.
func (p *Pool) Count() int {
	n := 0
	for _, h := range p.handles {
		n += h.Len()
	}
	return n
}

// Oldest returns the live instance that started first.
// Ties go to the earlier handle, then the lower instance id.
func (p *Pool) Oldest() (*Handle, *domain.Instance, bool) {
	var (
		oldestHandle *Handle
		oldest       *domain.Instance
	)
	for h, inst := range p.All() {
		if oldest == nil || inst.StartedAt.Before(oldest.StartedAt) {
			oldestHandle, oldest = h, inst
		}
	}
	return oldestHandle, oldest, oldest != nil
}
