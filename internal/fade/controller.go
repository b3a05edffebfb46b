// Package fade runs keyed volume tweens.
//
// At most one tween is active per key. Starting a fade on a busy key cancels
// the previous tween first, so the last fade issued always wins and the
// earlier one still resolves.
package fade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
)

// DefaultTickInterval is roughly one frame at 60Hz.
const DefaultTickInterval = 16 * time.Millisecond

// Key identifies what a tween animates: a whole handle (Instance ==
// domain.GlobalInstance) or one instance of it.
type Key struct {
	Source   string
	Instance domain.InstanceID
}

// Controller owns the active tweens.
//
// Thread-safety: This implementation is thread-safe.
type Controller struct {
	logger *slog.Logger
	tick   time.Duration

	mu     sync.Mutex
	tweens map[Key]*Tween
	closed bool
	wg     sync.WaitGroup
}

// NewController creates a controller stepping every tick.
// A non-positive tick uses DefaultTickInterval.
func NewController(tick time.Duration, logger *slog.Logger) *Controller {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		logger: logger,
		tick:   tick,
		tweens: make(map[Key]*Tween),
	}
}

// Fade animates from -> to over duration, calling onUpdate with each value.
//
// onComplete is called exactly once, with finished=true when the tween reached
// its target and false when it was cancelled. Either callback may be nil.
// A non-positive duration applies the target and completes before Fade returns,
// and so does every fade started after Shutdown.
//
// onUpdate must not start or cancel fades itself.
func (c *Controller) Fade(key Key, from, to float64, duration time.Duration,
	onUpdate func(float64), onComplete func(finished bool)) *Tween {
	t := &Tween{
		key:        key,
		from:       from,
		to:         to,
		duration:   duration,
		ease:       For(from, to),
		onUpdate:   onUpdate,
		onComplete: onComplete,
		cancel:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.tweens[key]
	immediate := duration <= 0 || c.closed
	if immediate {
		delete(c.tweens, key)
	} else {
		c.tweens[key] = t
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	if immediate {
		t.step(to, true, c.logger)
		c.finish(t)
		return t
	}

	go c.run(t)
	return t
}

func (c *Controller) run(t *Tween) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	start := time.Now()
	if !t.step(t.from, false, c.logger) {
		c.finish(t)
		return
	}

	for {
		select {
		case <-t.cancel:
			c.finish(t)
			return
		case now := <-ticker.C:
			progress := float64(now.Sub(start)) / float64(t.duration)
			final := progress >= 1
			if !t.step(Interpolate(t.from, t.to, progress, t.ease), final, c.logger) || final {
				c.finish(t)
				return
			}
		}
	}
}

func (c *Controller) finish(t *Tween) {
	c.mu.Lock()
	if c.tweens[t.key] == t {
		delete(c.tweens, t.key)
	}
	c.mu.Unlock()

	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()

	if t.onComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("fade completion panicked",
						slog.String("source", t.key.Source),
						slog.Any("panic", r))
				}
			}()
			t.onComplete(finished)
		}()
	}
	close(t.done)
}

// Cancel cancels the tween on key, if any.
func (c *Controller) Cancel(key Key) {
	c.mu.Lock()
	t := c.tweens[key]
	c.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
}

// CancelSource cancels every tween whose key names source.
func (c *Controller) CancelSource(source string) {
	for _, t := range c.collect(func(k Key) bool { return k.Source == source }) {
		t.Cancel()
	}
}

// CancelAll cancels every active tween.
func (c *Controller) CancelAll() {
	for _, t := range c.collect(func(Key) bool { return true }) {
		t.Cancel()
	}
}

func (c *Controller) collect(match func(Key) bool) []*Tween {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Tween
	for k, t := range c.tweens {
		if match(k) {
			out = append(out, t)
		}
	}
	return out
}

// Active reports whether a tween is running on key.
func (c *Controller) Active(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tweens[key]
	return ok
}

// Len returns the number of active tweens.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tweens)
}

// Shutdown cancels every tween and waits for their goroutines to exit.
// Completion callbacks have all run when it returns. Later fades complete
// synchronously.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.CancelAll()
	c.wg.Wait()
}

// Tween is one running fade.
type Tween struct {
	key      Key
	from, to float64
	duration time.Duration
	ease     Easing

	onUpdate   func(float64)
	onComplete func(bool)

	// mu serializes onUpdate against Cancel.
	mu        sync.Mutex
	cancelled bool
	finished  bool

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// step applies v unless the tween was cancelled. final marks the tween finished
// atomically with the last update so a late Cancel cannot undo it.
func (t *Tween) step(v float64, final bool, logger *slog.Logger) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return false
	}
	if t.onUpdate != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("fade update panicked",
						slog.String("source", t.key.Source),
						slog.Any("panic", r))
				}
			}()
			t.onUpdate(v)
		}()
	}
	if final {
		t.finished = true
	}
	return true
}

// Cancel stops the tween. After Cancel returns onUpdate is not called again.
// Cancelling a finished tween does nothing.
func (t *Tween) Cancel() {
	t.mu.Lock()
	if t.finished || t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()

	t.cancelOnce.Do(func() { close(t.cancel) })
}

// Key returns the key the tween animates.
func (t *Tween) Key() Key {
	return t.key
}

// Target returns the volume the tween is heading to.
func (t *Tween) Target() float64 {
	return t.to
}

// Done is closed once the tween has completed or been cancelled and its
// completion callback has returned.
func (t *Tween) Done() <-chan struct{} {
	return t.done
}

// Finished reports whether the tween reached its target.
func (t *Tween) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Wait blocks until the tween is done or ctx ends.
func (t *Tween) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
