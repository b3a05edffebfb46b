package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/pool"
	"github.com/tinystage/stageaudio/internal/ports"
)

// EffectConfig configures the effect channel.
type EffectConfig struct {
	Engine EngineConfig

	// MaxConcurrent caps live effect instances across all sources
	MaxConcurrent int

	// EvictFade is how fast the oldest instance fades when the cap is hit
	EvictFade time.Duration

	// MinRetrigger is the minimum spacing between plays of one source (0 disables)
	MinRetrigger time.Duration
}

// DefaultEffectConfig returns the effect defaults: a pool of 20 decoded
// sources and at most 20 simultaneous instances.
func DefaultEffectConfig() EffectConfig {
	return EffectConfig{
		Engine: EngineConfig{
			Channel:  "sfx",
			PoolSize: 20,
		},
		MaxConcurrent: 20,
		EvictFade:     50 * time.Millisecond,
	}
}

// EffectChannel plays short, overlapping sound effects.
//
// Thread-safety: All methods are thread-safe.
type EffectChannel struct {
	// Dependencies (injected)
	logger *slog.Logger
	engine *Engine

	// Configuration
	maxConcurrent int
	evictFade     time.Duration
	minRetrigger  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEffectChannel creates an effect channel.
func NewEffectChannel(logger *slog.Logger, decoder ports.Decoder, bus ports.EventBus, cfg EffectConfig) *EffectChannel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "effects"))
	if cfg.Engine.Channel == "" {
		cfg.Engine.Channel = "sfx"
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 20
	}

	return &EffectChannel{
		logger:        logger,
		engine:        NewEngine(logger, decoder, bus, cfg.Engine),
		maxConcurrent: cfg.MaxConcurrent,
		evictFade:     cfg.EvictFade,
		minRetrigger:  cfg.MinRetrigger,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// Engine returns the channel's playback engine.
func (c *EffectChannel) Engine() *Engine {
	return c.engine
}

// Play plays source once, or as many times as WithRepeat asks.
//
// With WithDelay the play waits first; StopAll or Destroy during the wait
// cancel it with domain.ErrPlayCancelled. When MaxConcurrent instances are
// already live, the one that started first is faded out to make room.
func (c *EffectChannel) Play(ctx context.Context, source string, opts ...PlayOption) (*domain.Instance, error) {
	req := newPlayRequest(opts)

	if err := c.throttle(source); err != nil {
		return nil, err
	}

	if delay := req.delayFor(); delay > 0 {
		if err := c.engine.Schedule(ctx, delay); err != nil {
			return nil, err
		}
	}

	repeat := req.repeat.Normalize()
	var remaining atomic.Int64
	remaining.Store(int64(repeat) - 1)

	plan := launch{
		volume:        req.volumeOr(1.0),
		loop:          repeat.IsInfinite(),
		maxConcurrent: c.maxConcurrent,
		retireFade:    c.evictFade,
		onEnd: func(h *pool.Handle, inst *domain.Instance) {
			if repeat.IsInfinite() {
				return
			}
			if remaining.Add(-1) >= 0 {
				err := h.Resource().Resume(inst.ID)
				if err == nil {
					return
				}
				c.logger.Warn("failed to repeat effect",
					slog.String("source", inst.Source),
					slog.Any("error", err))
			}
			c.engine.ended(h, inst)
		},
		onPlayError: c.engine.failed,
	}

	for attempt := 1; ; attempt++ {
		h, err := c.engine.prepare(ctx, source)
		if err != nil {
			return nil, err
		}

		inst, t, err := c.engine.start(h, plan)
		c.engine.settle(t)
		if errors.Is(err, errHandleEvicted) && attempt < maxLaunchAttempts {
			continue
		}
		if err != nil {
			c.logger.Error("failed to play effect", slog.String("source", source), slog.Any("error", err))
			return nil, err
		}
		return inst, nil
	}
}

func (c *EffectChannel) throttle(source string) error {
	if c.minRetrigger <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.minRetrigger), 1)
		c.limiters[source] = limiter
	}
	c.mu.Unlock()

	if !limiter.Allow() {
		return fmt.Errorf("%w: %s", domain.ErrThrottled, source)
	}
	return nil
}

// StopInstance fades out and stops one instance. Unknown ids are ignored.
func (c *EffectChannel) StopInstance(ctx context.Context, id domain.InstanceID, fadeOut time.Duration) error {
	targets := c.engine.collect(func(_ *pool.Handle, inst *domain.Instance) bool {
		return inst.ID == id
	})
	return c.engine.stopEach(ctx, targets, fadeOut)
}

// StopSource fades out and stops every instance of source.
func (c *EffectChannel) StopSource(ctx context.Context, source string, fadeOut time.Duration) error {
	targets := c.engine.collect(func(h *pool.Handle, _ *domain.Instance) bool {
		return h.Source() == source
	})
	return c.engine.stopEach(ctx, targets, fadeOut)
}

// StopAll cancels delayed plays and stops every instance.
func (c *EffectChannel) StopAll(ctx context.Context, fadeOut time.Duration) error {
	return c.engine.StopAll(ctx, fadeOut)
}

// Count returns the number of live effect instances.
func (c *EffectChannel) Count() int {
	return c.engine.Count()
}

// SetMuted mutes or unmutes the channel.
func (c *EffectChannel) SetMuted(muted bool) {
	c.engine.SetMuted(muted)
}

// Destroy stops everything and releases every resource.
func (c *EffectChannel) Destroy() {
	c.engine.Destroy()
}
