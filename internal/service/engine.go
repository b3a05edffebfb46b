// Package service provides the audio channels: music, effects and voice.
//
// Every channel owns an Engine that composes a pool of decoded handles, the
// registry of live instances and a fade controller. The Engine mutex guards
// pool, registry and pending timers; user callbacks, bus publishing and fade
// starts always run with it released.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/fade"
	"github.com/tinystage/stageaudio/internal/pool"
	"github.com/tinystage/stageaudio/internal/ports"
)

const (
	// DefaultLoadTimeout bounds how long AwaitLoaded waits for a resource.
	DefaultLoadTimeout = 8 * time.Second

	// DefaultPoolSize is the handle capacity used when none is configured.
	DefaultPoolSize = 10

	// maxLaunchAttempts bounds retries when a handle is evicted between
	// loading and starting playback.
	maxLaunchAttempts = 3
)

// errHandleEvicted reports that a loaded handle left the pool before an
// instance could be started from it.
var errHandleEvicted = errors.New("handle evicted before start")

// EngineConfig configures one channel engine.
type EngineConfig struct {
	// Channel names the engine in logs and events
	Channel string

	// PoolSize is the number of idle handles kept decoded
	PoolSize int

	// Streaming asks the decoder to decode on the fly
	Streaming bool

	// LoadTimeout bounds AwaitLoaded
	LoadTimeout time.Duration

	// TickInterval is the fade step
	TickInterval time.Duration

	// Clock replaces time.Now (tests)
	Clock func() time.Time
}

// Engine is the playback core shared by every channel.
//
// Thread-safety: All methods are thread-safe.
type Engine struct {
	// Dependencies (injected)
	logger *slog.Logger
	bus    ports.EventBus
	fades  *fade.Controller

	// Configuration
	channel     string
	loadTimeout time.Duration
	now         func() time.Time

	// State guarded by mu
	mu         sync.Mutex
	pool       *pool.Pool
	pending    map[uint64]chan struct{}
	pendingSeq uint64
	evicted    []string
	muted      bool
	destroyed  bool
}

// live is a registered instance together with the handle it plays from.
type live struct {
	handle *pool.Handle
	inst   *domain.Instance
}

// launch describes an instance to start.
type launch struct {
	volume     float64
	loop       bool
	speaker    string
	completion func()

	// maxConcurrent > 0 enables admission control
	maxConcurrent int
	retireFade    time.Duration

	onEnd       func(h *pool.Handle, inst *domain.Instance)
	onPlayError func(h *pool.Handle, inst *domain.Instance, err error)
}

// ticket carries the work start leaves for after the lock is released.
type ticket struct {
	started    live
	retired    []live
	retireFade time.Duration
}

// NewEngine creates an engine over decoder. bus may be nil.
func NewEngine(logger *slog.Logger, decoder ports.Decoder, bus ports.EventBus, cfg EngineConfig) *Engine {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("channel", cfg.Channel))

	e := &Engine{
		logger:      logger,
		bus:         bus,
		fades:       fade.NewController(cfg.TickInterval, logger),
		channel:     cfg.Channel,
		loadTimeout: cfg.LoadTimeout,
		now:         cfg.Clock,
		pending:     make(map[uint64]chan struct{}),
	}
	e.pool = pool.New(decoder, cfg.PoolSize,
		pool.WithStreaming(cfg.Streaming),
		pool.WithLogger(logger),
		pool.WithClock(cfg.Clock))
	e.pool.OnEvict(func(source string) {
		// Called with mu held; published by Acquire once released.
		e.evicted = append(e.evicted, source)
	})

	logger.Debug("engine initialized",
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("streaming", cfg.Streaming))

	return e
}

// Channel returns the channel name.
func (e *Engine) Channel() string {
	return e.channel
}

// Acquire returns the pooled handle for source, creating it if needed.
// The handle may still be loading.
func (e *Engine) Acquire(source string) (*pool.Handle, error) {
	if strings.TrimSpace(source) == "" {
		return nil, domain.ErrInvalidSource
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, domain.ErrEngineDestroyed
	}
	_, existed := e.pool.Peek(source)
	h, err := e.pool.Get(source)
	if err == nil && !existed && e.muted {
		h.Resource().SetMuted(true)
	}
	evicted := e.evicted
	e.evicted = nil
	e.mu.Unlock()

	for _, src := range evicted {
		e.publish(domain.NewHandleEvictedEvent(e.channel, src))
	}
	if err != nil {
		e.logger.Warn("failed to acquire handle", slog.String("source", source), slog.Any("error", err))
		return nil, err
	}
	return h, nil
}

// AwaitLoaded blocks until the handle's resource is ready.
//
// It returns immediately if the resource is already loaded. A load error
// removes the handle from the pool so the next request starts clean and
// returns an error wrapping domain.ErrLoadFailed. A timeout keeps the handle
// and returns an error wrapping domain.ErrLoadTimeout.
func (e *Engine) AwaitLoaded(ctx context.Context, h *pool.Handle) error {
	res := h.Resource()
	switch res.State() {
	case domain.StateLoaded:
		return nil
	case domain.StateFailed:
		return e.loadFailed(h, errors.New("resource failed to load"))
	case domain.StateUnloaded:
		return domain.NewAudioEngineError("load", h.Source(), "resource was unloaded", domain.ErrResourceUnloaded)
	}

	loaded := make(chan struct{}, 1)
	failed := make(chan error, 1)

	onLoad := res.OnLoad(func() {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer onLoad.Unsubscribe()
	onError := res.OnLoadError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	defer onError.Unsubscribe()

	// The resource may have settled between the first check and subscribing.
	switch res.State() {
	case domain.StateLoaded:
		return nil
	case domain.StateFailed:
		return e.loadFailed(h, errors.New("resource failed to load"))
	}

	timer := time.NewTimer(e.loadTimeout)
	defer timer.Stop()

	select {
	case <-loaded:
		e.logger.Debug("handle loaded", slog.String("source", h.Source()))
		e.publish(domain.NewHandleLoadedEvent(e.channel, h.Source()))
		return nil
	case err := <-failed:
		return e.loadFailed(h, err)
	case <-timer.C:
		err := domain.NewAudioEngineError("load", h.Source(),
			fmt.Sprintf("not ready after %s", e.loadTimeout), domain.ErrLoadTimeout)
		e.logger.Warn("load timed out", slog.String("source", h.Source()))
		e.publish(domain.NewHandleLoadFailedEvent(e.channel, h.Source(), err))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loadFailed(h *pool.Handle, cause error) error {
	e.mu.Lock()
	if cur, ok := e.pool.Peek(h.Source()); ok && cur == h {
		e.pool.Remove(h.Source())
	}
	e.mu.Unlock()

	err := domain.NewAudioEngineError("load", h.Source(), cause.Error(), domain.ErrLoadFailed)
	e.logger.Error("load failed", slog.String("source", h.Source()), slog.Any("error", cause))
	e.publish(domain.NewHandleLoadFailedEvent(e.channel, h.Source(), err))
	return err
}

// prepare acquires source and waits for it to load.
func (e *Engine) prepare(ctx context.Context, source string) (*pool.Handle, error) {
	h, err := e.Acquire(source)
	if err != nil {
		return nil, err
	}
	if err := e.AwaitLoaded(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// start plays a new instance from h and registers it.
//
// With admission control enabled, the oldest live instances are retired
// first so the live count never exceeds maxConcurrent. The returned ticket
// must be passed to settle once the caller holds no locks.
func (e *Engine) start(h *pool.Handle, l launch) (*domain.Instance, *ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, nil, domain.ErrEngineDestroyed
	}
	if cur, ok := e.pool.Peek(h.Source()); !ok || cur != h {
		return nil, nil, errHandleEvicted
	}

	t := &ticket{retireFade: l.retireFade}
	if l.maxConcurrent > 0 {
		for e.pool.Count() >= l.maxConcurrent {
			oh, oi, ok := e.pool.Oldest()
			if !ok {
				break
			}
			oh.Unregister(oi.ID)
			t.retired = append(t.retired, live{handle: oh, inst: oi})
		}
	}

	res := h.Resource()
	id, err := res.Play()
	if err != nil {
		if !errors.Is(err, domain.ErrPlayRejected) {
			err = fmt.Errorf("%w: %w", domain.ErrPlayRejected, err)
		}
		return nil, t, err
	}
	res.SetVolume(clampVolume(l.volume), id)
	res.SetLoop(l.loop, id)

	inst := domain.NewInstance(id, h.Source(), e.now())
	inst.Speaker = l.speaker
	inst.SetCompletion(l.completion)
	h.Register(inst)

	if l.onEnd != nil {
		h.Track(id, res.OnEnd(id, func(domain.InstanceID) { l.onEnd(h, inst) }))
	}
	if l.onPlayError != nil {
		h.Track(id, res.OnPlayError(id, func(_ domain.InstanceID, err error) { l.onPlayError(h, inst, err) }))
	}

	t.started = live{handle: h, inst: inst}
	return inst, t, nil
}

// settle fades out retired instances and announces the started one.
func (e *Engine) settle(t *ticket) {
	if t == nil {
		return
	}
	for _, r := range t.retired {
		res, id := r.handle.Resource(), r.inst.ID
		e.logger.Debug("retiring oldest instance",
			slog.String("source", r.inst.Source),
			slog.Int64("instance", int64(id)))
		e.publish(domain.NewInstanceStoppedEvent(e.channel, r.inst))
		e.Crossfade(r.handle, id, 0, t.retireFade, func(bool) {
			// Retired instances are already unregistered; stop even if the fade was cut short.
			_ = res.Stop(id)
		})
	}
	if t.started.inst != nil {
		e.publish(domain.NewInstanceStartedEvent(e.channel, t.started.inst))
	}
}

// Crossfade fades the instance (or the whole handle for GlobalInstance) from
// its current volume to target. Updates stop once the resource is unloaded.
func (e *Engine) Crossfade(h *pool.Handle, id domain.InstanceID, target float64,
	duration time.Duration, onComplete func(finished bool)) *fade.Tween {
	res := h.Resource()
	key := fade.Key{Source: h.Source(), Instance: id}
	return e.fades.Fade(key, res.Volume(id), clampVolume(target), duration,
		func(v float64) {
			if res.State() == domain.StateUnloaded {
				return
			}
			res.SetVolume(v, id)
		}, onComplete)
}

// Stop fades the instance to silence, then stops and unregisters it.
// A non-positive fade stops at once. If another fade takes over the
// instance before this one finishes, the instance is left playing.
func (e *Engine) Stop(ctx context.Context, h *pool.Handle, id domain.InstanceID, fadeOut time.Duration) error {
	if fadeOut <= 0 {
		e.fades.Cancel(fade.Key{Source: h.Source(), Instance: id})
		e.halt(h, id)
		return nil
	}
	tw := e.Crossfade(h, id, 0, fadeOut, func(finished bool) {
		if finished {
			e.halt(h, id)
		}
	})
	return tw.Wait(ctx)
}

// halt stops the instance on the backend and unregisters it.
func (e *Engine) halt(h *pool.Handle, id domain.InstanceID) {
	if err := h.Resource().Stop(id); err != nil {
		e.logger.Debug("backend stop failed",
			slog.String("source", h.Source()),
			slog.Int64("instance", int64(id)),
			slog.Any("error", err))
	}
	if inst, ok := e.release(h, id); ok {
		e.publish(domain.NewInstanceStoppedEvent(e.channel, inst))
	}
}

// ended unregisters an instance that reached its natural end.
func (e *Engine) ended(h *pool.Handle, inst *domain.Instance) {
	if _, ok := e.release(h, inst.ID); ok {
		e.publish(domain.NewInstanceEndedEvent(e.channel, inst))
	}
}

// failed unregisters an instance the backend could not keep playing.
func (e *Engine) failed(h *pool.Handle, inst *domain.Instance, err error) {
	e.logger.Error("playback error",
		slog.String("source", inst.Source),
		slog.Int64("instance", int64(inst.ID)),
		slog.Any("error", err))
	if _, ok := e.release(h, inst.ID); ok {
		e.publish(domain.NewInstanceStoppedEvent(e.channel, inst))
	}
}

// release runs the instance completion callback and then unregisters it,
// marking the handle as just used. It reports false if the instance was not
// registered.
func (e *Engine) release(h *pool.Handle, id domain.InstanceID) (*domain.Instance, bool) {
	e.mu.Lock()
	inst, ok := h.Instance(id)
	e.mu.Unlock()
	if !ok {
		return nil, false
	}

	inst.Complete()

	e.mu.Lock()
	_, ok = h.Unregister(id)
	e.pool.Touch(h)
	e.mu.Unlock()
	return inst, ok
}

// fadeOutAll starts a fade to silence on every live instance and returns the
// tweens without waiting. Each instance is stopped when its fade finishes.
func (e *Engine) fadeOutAll(fadeOut time.Duration, skip func(live) bool) []*fade.Tween {
	var tweens []*fade.Tween
	for _, l := range e.collect(nil) {
		if skip != nil && skip(l) {
			continue
		}
		h, id := l.handle, l.inst.ID
		tweens = append(tweens, e.Crossfade(h, id, 0, fadeOut, func(finished bool) {
			if finished {
				e.halt(h, id)
			}
		}))
	}
	return tweens
}

// StopAll cancels every pending delayed play and stops every live instance.
// With a positive fade each instance fades out and StopAll waits for all of
// them; otherwise instances stop at once and their fades are killed.
func (e *Engine) StopAll(ctx context.Context, fadeOut time.Duration) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return domain.ErrEngineDestroyed
	}
	e.cancelPendingLocked()
	e.mu.Unlock()

	if fadeOut <= 0 {
		e.stopNow(e.collect(nil))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tw := range e.fadeOutAll(fadeOut, nil) {
		g.Go(func() error { return tw.Wait(gctx) })
	}
	return g.Wait()
}

func (e *Engine) stopNow(targets []live) {
	seen := make(map[string]bool)
	for _, l := range targets {
		if !seen[l.handle.Source()] {
			seen[l.handle.Source()] = true
			e.fades.CancelSource(l.handle.Source())
		}
	}
	for _, l := range targets {
		e.halt(l.handle, l.inst.ID)
	}
}

// stopEach stops every target with the same fade and waits for all of them.
func (e *Engine) stopEach(ctx context.Context, targets []live, fadeOut time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range targets {
		g.Go(func() error { return e.Stop(gctx, l.handle, l.inst.ID, fadeOut) })
	}
	return g.Wait()
}

// Schedule waits for delay as a tracked timer. StopAll and Destroy cancel
// it, in which case it returns domain.ErrPlayCancelled.
func (e *Engine) Schedule(ctx context.Context, delay time.Duration) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return domain.ErrEngineDestroyed
	}
	e.pendingSeq++
	seq := e.pendingSeq
	cancelled := make(chan struct{})
	e.pending[seq] = cancelled
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-cancelled:
		return domain.ErrPlayCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cancelPendingLocked() {
	for seq, ch := range e.pending {
		close(ch)
		delete(e.pending, seq)
	}
}

// Pending returns the number of scheduled plays not yet fired.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// collect returns the live instances accepted by match (all when nil).
func (e *Engine) collect(match func(*pool.Handle, *domain.Instance) bool) []live {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []live
	for h, inst := range e.pool.All() {
		if match == nil || match(h, inst) {
			out = append(out, live{handle: h, inst: inst})
		}
	}
	return out
}

// touch refreshes the last-used time of a pooled source.
func (e *Engine) touch(source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.pool.Peek(source); ok {
		e.pool.Touch(h)
	}
}

// Count returns the number of live instances.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Count()
}

// Snapshot returns the live instances, handles in insertion order.
func (e *Engine) Snapshot() []*domain.Instance {
	targets := e.collect(nil)
	out := make([]*domain.Instance, 0, len(targets))
	for _, l := range targets {
		out = append(out, l.inst)
	}
	return out
}

// Handles returns the number of pooled handles.
func (e *Engine) Handles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Len()
}

// SetMuted mutes or unmutes every resource, including ones loaded later.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	e.muted = muted
	handles := e.pool.Handles()
	e.mu.Unlock()

	for _, h := range handles {
		h.Resource().SetMuted(muted)
	}
}

// Muted reports the engine mute flag.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Destroy cancels fades and pending plays, stops every instance and unloads
// every handle. It is safe to call more than once. Afterwards operations
// fail with domain.ErrEngineDestroyed.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.cancelPendingLocked()
	e.mu.Unlock()

	e.fades.Shutdown()
	for _, l := range e.collect(nil) {
		e.halt(l.handle, l.inst.ID)
	}

	e.mu.Lock()
	e.pool.Clear()
	e.mu.Unlock()

	e.logger.Debug("engine destroyed")
}

// Destroyed reports whether Destroy has been called.
func (e *Engine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *Engine) publish(event domain.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
