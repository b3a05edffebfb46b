package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/fade"
	"github.com/tinystage/stageaudio/internal/pool"
	"github.com/tinystage/stageaudio/internal/ports"
)

// VoiceConfig configures the voice channel.
type VoiceConfig struct {
	Engine EngineConfig

	// InterruptFade is how fast interrupted lines fade out
	InterruptFade time.Duration
}

// DefaultVoiceConfig returns the voice defaults: streamed lines and a
// 100ms interrupt fade.
func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		Engine: EngineConfig{
			Channel:   "voice",
			PoolSize:  DefaultPoolSize,
			Streaming: true,
		},
		InterruptFade: 100 * time.Millisecond,
	}
}

// VoiceChannel plays dialogue lines tagged by speaker.
type VoiceChannel struct {
	logger        *slog.Logger
	engine        *Engine
	interruptFade time.Duration
}

// NewVoiceChannel creates a voice channel.
func NewVoiceChannel(logger *slog.Logger, decoder ports.Decoder, bus ports.EventBus, cfg VoiceConfig) *VoiceChannel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "voice"))
	if cfg.Engine.Channel == "" {
		cfg.Engine.Channel = "voice"
	}

	return &VoiceChannel{
		logger:        logger,
		engine:        NewEngine(logger, decoder, bus, cfg.Engine),
		interruptFade: cfg.InterruptFade,
	}
}

// Engine returns the channel's playback engine.
func (c *VoiceChannel) Engine() *Engine {
	return c.engine
}

// Play speaks a line.
//
// If the same source is already sounding for the same speaker, that instance
// restarts from the beginning and is returned; nothing is interrupted. Otherwise
// the interrupt policy runs first: InterruptAll fades out every other line
// without waiting, InterruptSelf stops the speaker's lines and waits.
//
// The completion callback runs exactly once, when the line ends, fails, or is
// stopped, and also when loading fails.
func (c *VoiceChannel) Play(ctx context.Context, source string, opts ...PlayOption) (*domain.Instance, error) {
	req := newPlayRequest(opts)
	volume := req.volumeOr(1.0)

	if inst, ok := c.restartInPlace(source, req.speaker, volume, req.completion); ok {
		return inst, nil
	}

	switch req.interrupt {
	case domain.InterruptAll:
		c.engine.fadeOutAll(c.interruptFade, nil)
	case domain.InterruptSelf:
		if err := c.StopSpeaker(ctx, req.speaker, c.interruptFade); err != nil {
			return nil, err
		}
	}

	plan := launch{
		volume:      volume,
		speaker:     req.speaker,
		completion:  req.completion,
		onEnd:       c.engine.ended,
		onPlayError: c.engine.failed,
	}

	for attempt := 1; ; attempt++ {
		h, err := c.engine.prepare(ctx, source)
		if err != nil {
			c.logger.Error("failed to load line", slog.String("source", source), slog.Any("error", err))
			complete(req.completion)
			return nil, err
		}

		inst, t, err := c.engine.start(h, plan)
		c.engine.settle(t)
		if errors.Is(err, errHandleEvicted) && attempt < maxLaunchAttempts {
			continue
		}
		if err != nil {
			c.logger.Error("failed to play line", slog.String("source", source), slog.Any("error", err))
			complete(req.completion)
			return nil, err
		}
		return inst, nil
	}
}

func (c *VoiceChannel) restartInPlace(source, speaker string, volume float64, completion func()) (*domain.Instance, bool) {
	candidates := c.engine.collect(func(h *pool.Handle, inst *domain.Instance) bool {
		return h.Source() == source && inst.Speaker == speaker
	})

	for _, l := range candidates {
		res, id := l.handle.Resource(), l.inst.ID
		if !res.Playing(id) {
			continue
		}
		c.engine.fades.Cancel(fade.Key{Source: source, Instance: id})
		if err := res.Seek(0, id); err != nil {
			c.logger.Debug("restart seek failed", slog.String("source", source), slog.Any("error", err))
		}
		res.SetVolume(volume, id)
		l.inst.SetCompletion(completion)
		c.engine.touch(source)
		return l.inst, true
	}
	return nil, false
}

// StopSpeaker fades out and stops every line of speaker, waiting for the fades.
func (c *VoiceChannel) StopSpeaker(ctx context.Context, speaker string, fadeOut time.Duration) error {
	targets := c.engine.collect(func(_ *pool.Handle, inst *domain.Instance) bool {
		return inst.Speaker == speaker
	})
	return c.engine.stopEach(ctx, targets, fadeOut)
}

// StopAll stops every line.
func (c *VoiceChannel) StopAll(ctx context.Context, fadeOut time.Duration) error {
	return c.engine.StopAll(ctx, fadeOut)
}

// Count returns the number of live lines.
func (c *VoiceChannel) Count() int {
	return c.engine.Count()
}

// SetMuted mutes or unmutes the channel.
func (c *VoiceChannel) SetMuted(muted bool) {
	c.engine.SetMuted(muted)
}

// Destroy stops every line and releases every resource.
func (c *VoiceChannel) Destroy() {
	c.engine.Destroy()
}

func complete(fn func()) {
	if fn != nil {
		fn()
	}
}
