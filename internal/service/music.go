package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/fade"
	"github.com/tinystage/stageaudio/internal/pool"
	"github.com/tinystage/stageaudio/internal/ports"
)

// MusicConfig configures the music channel.
type MusicConfig struct {
	Engine EngineConfig

	// Volume is the initial target volume
	Volume float64

	// Loop is the initial loop flag
	Loop bool

	// VolumeFade is the ramp SetVolume uses
	VolumeFade time.Duration
}

// DefaultMusicConfig returns the music defaults: looping, full volume,
// streamed from a pool of 10.
func DefaultMusicConfig() MusicConfig {
	return MusicConfig{
		Engine: EngineConfig{
			Channel:   "music",
			PoolSize:  DefaultPoolSize,
			Streaming: true,
		},
		Volume:     1.0,
		Loop:       true,
		VolumeFade: 200 * time.Millisecond,
	}
}

// track is one music instance. Identity matters: a crossfade only stops its
// outgoing track if that exact record is no longer current.
type track struct {
	handle *pool.Handle
	inst   *domain.Instance
}

// MusicChannel plays one background track at a time and crossfades between
// tracks.
//
// Thread-safety: All methods are thread-safe. Overlapping Play calls are
// resolved by a generation counter: only the latest switch starts a track.
type MusicChannel struct {
	// Dependencies (injected)
	logger *slog.Logger
	engine *Engine

	volumeFade time.Duration

	// State
	mu         sync.Mutex
	current    *track
	source     string
	volume     float64
	loop       bool
	generation uint64
}

// NewMusicChannel creates a music channel.
func NewMusicChannel(logger *slog.Logger, decoder ports.Decoder, bus ports.EventBus, cfg MusicConfig) *MusicChannel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "music"))
	if cfg.Engine.Channel == "" {
		cfg.Engine.Channel = "music"
	}

	return &MusicChannel{
		logger:     logger,
		engine:     NewEngine(logger, decoder, bus, cfg.Engine),
		volumeFade: cfg.VolumeFade,
		volume:     clampVolume(cfg.Volume),
		loop:       cfg.Loop,
	}
}

// Engine returns the channel's playback engine.
func (m *MusicChannel) Engine() *Engine {
	return m.engine
}

// Play starts, resumes or switches the music.
//
// Without WithSource (or with the current source) it applies loop and volume
// to the current track, resuming it if paused. While a switch is still
// loading, the new loop and volume are only recorded and the incoming track
// starts with them. It returns domain.ErrNoActiveTrack when nothing has ever
// been selected.
//
// With a different source it crossfades to that track over WithFade. If a
// later Play supersedes this one while the track loads, Play returns nil
// without starting anything.
func (m *MusicChannel) Play(ctx context.Context, opts ...PlayOption) error {
	req := newPlayRequest(opts)

	m.mu.Lock()
	if req.volume != nil {
		m.volume = clampVolume(*req.volume)
	}
	if req.loop != nil {
		m.loop = *req.loop
	}

	if req.source == "" || req.source == m.source {
		cur, source := m.current, m.source
		if cur == nil && source == "" {
			m.mu.Unlock()
			return domain.ErrNoActiveTrack
		}
		if cur == nil {
			// Only the source is known (stopped, or never started): start it fresh.
			m.generation++
			gen := m.generation
			m.mu.Unlock()
			return m.switchTo(ctx, source, gen, source, nil, req.fade)
		}
		if cur.handle.Source() != source {
			m.mu.Unlock()
			return nil
		}
		vol, loop := m.volume, m.loop
		m.mu.Unlock()
		return m.retarget(ctx, cur, vol, loop, req.fade)
	}

	m.generation++
	gen := m.generation
	previous := m.source
	outgoing := m.current
	m.source = req.source
	m.mu.Unlock()

	m.logger.Debug("switching track",
		slog.String("from", previous),
		slog.String("to", req.source),
		slog.Duration("fade", req.fade))
	m.engine.publish(domain.NewMusicSwitchedEvent(previous, req.source))

	return m.switchTo(ctx, req.source, gen, previous, outgoing, req.fade)
}

// switchTo loads source and crossfades from outgoing to it, unless a newer
// call has superseded generation gen. Volume and loop are read once the
// track is ready, so changes made while it loads are not lost.
func (m *MusicChannel) switchTo(ctx context.Context, source string, gen uint64, previous string,
	outgoing *track, fadeDur time.Duration) error {
	for attempt := 1; ; attempt++ {
		h, err := m.engine.prepare(ctx, source)
		if err != nil {
			m.restore(gen, previous)
			return err
		}

		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			m.logger.Debug("switch superseded", slog.String("source", source))
			return nil
		}
		vol, loop := m.volume, m.loop

		if outgoing != nil && outgoing.handle == h {
			// Switching back to the track that was fading out: take it back.
			m.current = outgoing
			m.mu.Unlock()
			return m.retarget(ctx, outgoing, vol, loop, fadeDur)
		}

		startVol := vol
		if fadeDur > 0 {
			startVol = 0
		}
		inst, t, err := m.engine.start(h, launch{
			volume: startVol,
			loop:   loop,
			onEnd:  m.onEnd,
		})
		if errors.Is(err, errHandleEvicted) && attempt < maxLaunchAttempts {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			if m.generation == gen {
				m.source = previous
			}
			m.mu.Unlock()
			m.engine.settle(t)
			m.logger.Error("failed to start track", slog.String("source", source), slog.Any("error", err))
			return err
		}

		m.current = &track{handle: h, inst: inst}
		// The fade-in must exist before a later switch can fade this track out.
		var fadeIn *fade.Tween
		if fadeDur > 0 {
			fadeIn = m.engine.Crossfade(h, inst.ID, vol, fadeDur, nil)
		}
		m.mu.Unlock()
		m.engine.settle(t)

		g, gctx := errgroup.WithContext(ctx)
		if outgoing != nil {
			g.Go(func() error { return m.fadeOut(gctx, outgoing, fadeDur) })
		}
		if fadeIn != nil {
			g.Go(func() error { return fadeIn.Wait(gctx) })
		}
		return g.Wait()
	}
}

// restore puts back the previous source after a failed switch, unless the
// switch was already superseded.
func (m *MusicChannel) restore(gen uint64, previous string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen {
		m.source = previous
	}
}

// retarget applies loop and volume to an existing track, resuming it from
// silence if it is paused.
func (m *MusicChannel) retarget(ctx context.Context, t *track, vol float64, loop bool, fadeDur time.Duration) error {
	res, id := t.handle.Resource(), t.inst.ID
	res.SetLoop(loop, id)
	if !res.Playing(id) {
		m.engine.fades.Cancel(fadeKey(t))
		res.SetVolume(0, id)
		if err := res.Resume(id); err != nil {
			return err
		}
	}
	return m.engine.Crossfade(t.handle, id, vol, fadeDur, nil).Wait(ctx)
}

// fadeOut fades t to silence and stops it if it is still not the current
// track when the fade finishes.
func (m *MusicChannel) fadeOut(ctx context.Context, t *track, fadeDur time.Duration) error {
	stopIfStale := func() {
		m.mu.Lock()
		stale := m.current != t
		m.mu.Unlock()
		if stale {
			m.engine.halt(t.handle, t.inst.ID)
		}
	}

	if fadeDur <= 0 {
		m.engine.fades.Cancel(fadeKey(t))
		stopIfStale()
		return nil
	}
	return m.engine.Crossfade(t.handle, t.inst.ID, 0, fadeDur, func(finished bool) {
		if finished {
			stopIfStale()
		}
	}).Wait(ctx)
}

func (m *MusicChannel) onEnd(h *pool.Handle, inst *domain.Instance) {
	if h.Resource().Loop(inst.ID) {
		return
	}

	m.mu.Lock()
	if m.current != nil && m.current.inst == inst {
		m.current = nil
	}
	m.mu.Unlock()

	m.engine.ended(h, inst)
}

// Pause fades the current track out and pauses it. A switch still loading
// is abandoned.
func (m *MusicChannel) Pause(ctx context.Context, fadeDur time.Duration) error {
	cur := m.cancelSwitch()
	if cur == nil {
		return nil
	}
	res, id := cur.handle.Resource(), cur.inst.ID

	if fadeDur <= 0 {
		m.engine.fades.Cancel(fadeKey(cur))
		return res.Pause(id)
	}
	return m.engine.Crossfade(cur.handle, id, 0, fadeDur, func(finished bool) {
		if finished {
			_ = res.Pause(id)
		}
	}).Wait(ctx)
}

// Resume resumes the current track, fading back to the target volume.
func (m *MusicChannel) Resume(ctx context.Context, fadeDur time.Duration) error {
	return m.Play(ctx, WithFade(fadeDur))
}

// Stop fades the current track out and stops it. A switch still loading is
// abandoned. The source is kept, so a later Play without a source starts it
// again.
func (m *MusicChannel) Stop(ctx context.Context, fadeDur time.Duration) error {
	cur := m.cancelSwitch()
	if cur == nil {
		return nil
	}

	forget := func() {
		m.mu.Lock()
		if m.current == cur {
			m.current = nil
		}
		m.mu.Unlock()
	}

	if fadeDur <= 0 {
		forget()
		return m.engine.Stop(ctx, cur.handle, cur.inst.ID, 0)
	}
	return m.engine.Crossfade(cur.handle, cur.inst.ID, 0, fadeDur, func(finished bool) {
		if finished {
			forget()
			m.engine.halt(cur.handle, cur.inst.ID)
		}
	}).Wait(ctx)
}

// Fade sets the target volume and fades the current track to it.
func (m *MusicChannel) Fade(ctx context.Context, volume float64, fadeDur time.Duration) error {
	m.mu.Lock()
	m.volume = clampVolume(volume)
	cur, vol := m.settledLocked(), m.volume
	m.mu.Unlock()

	if cur == nil {
		return nil
	}
	return m.engine.Crossfade(cur.handle, cur.inst.ID, vol, fadeDur, nil).Wait(ctx)
}

// SetVolume sets the target volume and ramps the current track to it
// without blocking.
func (m *MusicChannel) SetVolume(volume float64) {
	m.mu.Lock()
	m.volume = clampVolume(volume)
	cur, vol := m.settledLocked(), m.volume
	m.mu.Unlock()

	if cur == nil {
		return
	}
	if math.Abs(cur.handle.Resource().Volume(cur.inst.ID)-vol) <= 0.001 {
		return
	}
	m.engine.Crossfade(cur.handle, cur.inst.ID, vol, m.volumeFade, nil)
}

// Volume returns the target volume.
func (m *MusicChannel) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Loop returns the loop flag.
func (m *MusicChannel) Loop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop
}

// SetLoop sets the loop flag and applies it to the current track.
func (m *MusicChannel) SetLoop(loop bool) {
	m.mu.Lock()
	m.loop = loop
	cur := m.settledLocked()
	m.mu.Unlock()

	if cur != nil {
		cur.handle.Resource().SetLoop(loop, cur.inst.ID)
	}
}

// Muted reports whether the channel is muted.
func (m *MusicChannel) Muted() bool {
	return m.engine.Muted()
}

// SetMuted mutes or unmutes the channel.
func (m *MusicChannel) SetMuted(muted bool) {
	m.engine.SetMuted(muted)
}

// CurrentSource returns the selected source, or "" if none.
func (m *MusicChannel) CurrentSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Playing reports whether the current track is sounding.
func (m *MusicChannel) Playing() bool {
	cur := m.currentTrack()
	return cur != nil && cur.handle.Resource().Playing(cur.inst.ID)
}

// NowPlaying describes the current track when the backend provides metadata.
func (m *MusicChannel) NowPlaying() (domain.TrackInfo, bool) {
	cur := m.currentTrack()
	if cur == nil {
		return domain.TrackInfo{}, false
	}
	provider, ok := cur.handle.Resource().(ports.MetadataProvider)
	if !ok {
		return domain.TrackInfo{Source: cur.handle.Source()}, true
	}
	info, ok := provider.Metadata()
	if ok && info.Source == "" {
		info.Source = cur.handle.Source()
	}
	return info, ok
}

// Destroy stops the music and releases every resource.
func (m *MusicChannel) Destroy() {
	m.engine.Destroy()

	m.mu.Lock()
	m.current = nil
	m.generation++
	m.mu.Unlock()
}

func fadeKey(t *track) fade.Key {
	return fade.Key{Source: t.handle.Source(), Instance: t.inst.ID}
}

// settledLocked returns the current track unless a switch away from it is
// still loading. Callers hold m.mu.
func (m *MusicChannel) settledLocked() *track {
	if m.current == nil || m.current.handle.Source() != m.source {
		return nil
	}
	return m.current
}

// cancelSwitch supersedes any switch still loading and returns the current
// track. The selected source falls back to the track actually playing.
func (m *MusicChannel) cancelSwitch() *track {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	if m.current != nil && m.current.handle.Source() != m.source {
		m.logger.Debug("pending switch abandoned", slog.String("source", m.source))
		m.source = m.current.handle.Source()
	}
	return m.current
}

func (m *MusicChannel) currentTrack() *track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
