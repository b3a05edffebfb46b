package ebiten

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/tinystage/stageaudio/internal/adapter/eventbus"
	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// reapAfter is how long a finished, non-paused instance keeps its player
// before the monitor closes it.
const reapAfter = 5 * time.Second

// Resource is one decoded source and the players spawned from it.
//
// Thread-safety: This implementation is thread-safe. Handlers are always
// invoked without the resource lock held.
type Resource struct {
	decoder   *Decoder
	source    string
	format    string
	streaming bool

	mu       sync.Mutex
	state    domain.LoadState
	data     []byte // encoded bytes
	pcm      []byte // decoded once when not streaming
	duration time.Duration
	volume   float64
	loop     bool
	muted    bool
	voices   map[domain.InstanceID]*voice

	loaded     *eventbus.Signal[struct{}]
	loadErrors *eventbus.Signal[error]
	ends       *eventbus.Signal[domain.InstanceID]
	playErrors *eventbus.Signal[playFailure]
}

// voice is one instance: a player plus the state the monitor needs.
type voice struct {
	player    *audio.Player
	volume    float64
	loop      bool
	active    bool // expected to be sounding
	paused    bool
	idleSince time.Time
}

type playFailure struct {
	id  domain.InstanceID
	err error
}

func newResource(d *Decoder, source, format string, streaming bool) *Resource {
	return &Resource{
		decoder:    d,
		source:     source,
		format:     format,
		streaming:  streaming,
		state:      domain.StateLoading,
		volume:     1.0,
		voices:     make(map[domain.InstanceID]*voice),
		loaded:     eventbus.NewSignal[struct{}]("load", d.logger),
		loadErrors: eventbus.NewSignal[error]("loaderror", d.logger),
		ends:       eventbus.NewSignal[domain.InstanceID]("end", d.logger),
		playErrors: eventbus.NewSignal[playFailure]("playerror", d.logger),
	}
}

// load reads and decodes the source, then fires the load or load error handlers.
func (r *Resource) load() {
	data, err := fs.ReadFile(r.decoder.fsys, r.source)
	if err != nil {
		r.fail(fmt.Errorf("read: %w", err))
		return
	}

	if r.format == formatWav {
		if _, err := wavDuration(data); err != nil {
			r.fail(err)
			return
		}
	}

	rate := r.decoder.sampleRate()
	stream, err := decodeStream(r.format, rate, data)
	if err != nil {
		r.fail(err)
		return
	}

	var pcm []byte
	if !r.streaming {
		pcm, err = io.ReadAll(stream)
		if err != nil {
			r.fail(fmt.Errorf("decode %s: %w", r.format, err))
			return
		}
	}

	r.mu.Lock()
	if r.state != domain.StateLoading {
		r.mu.Unlock()
		return
	}
	r.data = data
	r.pcm = pcm
	r.duration = streamDuration(stream.Length(), rate)
	r.state = domain.StateLoaded
	r.mu.Unlock()

	r.decoder.logger.Debug("source loaded",
		slog.String("source", r.source),
		slog.Bool("streaming", r.streaming),
		slog.Duration("duration", r.duration))
	r.loaded.Emit(struct{}{})
}

func (r *Resource) fail(cause error) {
	r.mu.Lock()
	if r.state != domain.StateLoading {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateFailed
	r.mu.Unlock()

	err := domain.NewAudioEngineError("load", r.source, cause.Error(), domain.ErrLoadFailed)
	r.decoder.logger.Warn("source failed to load", slog.String("source", r.source), slog.Any("error", cause))
	r.loadErrors.Emit(err)
}

// State returns the current load state.
func (r *Resource) State() domain.LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Play creates a player for a new instance and starts it.
func (r *Resource) Play() (domain.InstanceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case domain.StateLoaded:
	case domain.StateUnloaded:
		return 0, domain.ErrResourceUnloaded
	default:
		return 0, domain.NewAudioEngineError("play", r.source,
			fmt.Sprintf("resource is %s", r.state), domain.ErrPlayRejected)
	}

	player, err := r.newPlayer()
	if err != nil {
		return 0, domain.NewAudioEngineError("play", r.source, err.Error(), domain.ErrPlayRejected)
	}

	id := r.decoder.allocateID()
	v := &voice{
		player: player,
		volume: r.volume,
		loop:   r.loop,
		active: true,
	}
	r.voices[id] = v
	r.apply(v)
	player.Play()
	return id, nil
}

func (r *Resource) newPlayer() (*audio.Player, error) {
	ctx := r.decoder.ctx
	if !r.streaming {
		return ctx.NewPlayerFromBytes(r.pcm), nil
	}
	stream, err := decodeStream(r.format, ctx.SampleRate(), r.data)
	if err != nil {
		return nil, err
	}
	return ctx.NewPlayer(stream)
}

// apply pushes the effective volume to the player. Caller holds r.mu.
func (r *Resource) apply(v *voice) {
	v.player.SetVolume(effectiveVolume(v.volume, r.muted))
}

// Resume resumes a paused instance or restarts a finished one.
func (r *Resource) Resume(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	if v.player.IsPlaying() {
		return nil
	}
	if !v.paused {
		if err := v.player.Rewind(); err != nil {
			return domain.NewAudioEngineError("resume", r.source, err.Error(), domain.ErrPlayRejected)
		}
	}
	v.player.Play()
	v.active = true
	v.paused = false
	return nil
}

// Stop stops and rewinds the instance.
func (r *Resource) Stop(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	v.player.Pause()
	v.active = false
	v.paused = false
	v.idleSince = time.Now()
	return v.player.Rewind()
}

// Pause pauses the instance, keeping its position.
func (r *Resource) Pause(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	if v.active {
		v.player.Pause()
		v.active = false
		v.paused = true
	}
	return nil
}

// Seek moves the instance position.
func (r *Resource) Seek(position time.Duration, id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.lookup(id)
	if err != nil {
		return err
	}
	if position < 0 || (r.duration > 0 && position > r.duration) {
		return domain.NewValidationError("position", position, "must be within the track")
	}
	return v.player.SetPosition(position)
}

// Volume returns the instance volume, or the resource volume for GlobalInstance.
func (r *Resource) Volume(id domain.InstanceID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		return r.volume
	}
	if v, ok := r.voices[id]; ok {
		return v.volume
	}
	return 0
}

// SetVolume sets the instance volume. GlobalInstance sets every instance and
// the volume new instances start at.
func (r *Resource) SetVolume(volume float64, id domain.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == domain.StateUnloaded {
		return
	}
	if id == domain.GlobalInstance {
		r.volume = volume
		for _, v := range r.voices {
			v.volume = volume
			r.apply(v)
		}
		return
	}
	if v, ok := r.voices[id]; ok {
		v.volume = volume
		r.apply(v)
	}
}

// Loop returns the loop flag of the instance.
func (r *Resource) Loop(id domain.InstanceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		return r.loop
	}
	if v, ok := r.voices[id]; ok {
		return v.loop
	}
	return false
}

// SetLoop sets the loop flag of the instance, or of every instance for GlobalInstance.
func (r *Resource) SetLoop(loop bool, id domain.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		r.loop = loop
		for _, v := range r.voices {
			v.loop = loop
		}
		return
	}
	if v, ok := r.voices[id]; ok {
		v.loop = loop
	}
}

// Playing reports whether the instance is sounding.
func (r *Resource) Playing(id domain.InstanceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.voices[id]
	return ok && v.player.IsPlaying()
}

// SetMuted silences or restores every instance without losing their volumes.
func (r *Resource) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.muted = muted
	for _, v := range r.voices {
		r.apply(v)
	}
}

// Unload closes every player, drops all handlers and releases the decoded data.
func (r *Resource) Unload() {
	r.mu.Lock()
	if r.state == domain.StateUnloaded {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateUnloaded
	voices := r.voices
	r.voices = make(map[domain.InstanceID]*voice)
	r.data, r.pcm = nil, nil
	r.mu.Unlock()

	for id, v := range voices {
		if err := v.player.Close(); err != nil {
			r.decoder.logger.Debug("closing player failed",
				slog.String("source", r.source),
				slog.Int64("instance", int64(id)),
				slog.Any("error", err))
		}
	}

	r.loaded.Clear()
	r.loadErrors.Clear()
	r.ends.Clear()
	r.playErrors.Clear()
	r.decoder.forget(r)
}

// OnLoad registers a load handler.
func (r *Resource) OnLoad(handler func()) ports.Subscription {
	return r.loaded.Connect(func(struct{}) { handler() })
}

// OnLoadError registers a load error handler.
func (r *Resource) OnLoadError(handler func(err error)) ports.Subscription {
	return r.loadErrors.Connect(handler)
}

// OnEnd registers an end handler for one instance.
func (r *Resource) OnEnd(id domain.InstanceID, handler func(id domain.InstanceID)) ports.Subscription {
	return r.ends.Connect(func(ended domain.InstanceID) {
		if ended == id {
			handler(ended)
		}
	})
}

// OnPlayError registers a play error handler for one instance.
func (r *Resource) OnPlayError(id domain.InstanceID, handler func(id domain.InstanceID, err error)) ports.Subscription {
	return r.playErrors.Connect(func(f playFailure) {
		if f.id == id {
			handler(f.id, f.err)
		}
	})
}

// poll finds players that ran out, rewinds the looping ones and reports
// every end. Players idle for longer than reapAfter are closed.
func (r *Resource) poll() {
	var (
		ended    []domain.InstanceID
		failures []playFailure
		reaped   []*audio.Player
	)
	now := time.Now()

	r.mu.Lock()
	if r.state != domain.StateLoaded {
		r.mu.Unlock()
		return
	}
	for id, v := range r.voices {
		switch {
		case v.active && !v.player.IsPlaying():
			ended = append(ended, id)
			if !v.loop {
				v.active = false
				v.idleSince = now
				continue
			}
			if err := v.player.Rewind(); err != nil {
				v.active = false
				v.idleSince = now
				failures = append(failures, playFailure{id: id, err: err})
				continue
			}
			v.player.Play()
		case !v.active && !v.paused && !v.idleSince.IsZero() && now.Sub(v.idleSince) > reapAfter:
			delete(r.voices, id)
			reaped = append(reaped, v.player)
		}
	}
	r.mu.Unlock()

	for _, p := range reaped {
		_ = p.Close()
	}
	for _, f := range failures {
		r.playErrors.Emit(f)
	}
	for _, id := range ended {
		r.ends.Emit(id)
	}
}

// Metadata returns tag information for the source, falling back to its file name.
func (r *Resource) Metadata() (domain.TrackInfo, bool) {
	r.mu.Lock()
	state, data, duration := r.state, r.data, r.duration
	r.mu.Unlock()

	if state != domain.StateLoaded {
		return domain.TrackInfo{}, false
	}
	info := readTrackInfo(r.source, r.format, data)
	if info.Duration == 0 {
		info.Duration = duration
	}
	return info, true
}

func (r *Resource) lookup(id domain.InstanceID) (*voice, error) {
	if r.state == domain.StateUnloaded {
		return nil, domain.ErrResourceUnloaded
	}
	v, ok := r.voices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidInstance, id)
	}
	return v, nil
}

func effectiveVolume(volume float64, muted bool) float64 {
	if muted {
		return 0
	}
	return volume
}

// Verify that Resource implements the Resource and MetadataProvider interfaces
var (
	_ ports.Resource         = (*Resource)(nil)
	_ ports.MetadataProvider = (*Resource)(nil)
)
