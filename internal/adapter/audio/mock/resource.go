package mock

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinystage/stageaudio/internal/adapter/eventbus"
	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// simulatedDuration is the length reported for every mock source.
const simulatedDuration = 3 * time.Minute

// Resource is a mock implementation of the Resource interface.
// Nothing advances on its own: tests call End, FailPlay, CompleteLoad and
// FailLoad to move instances and the resource through their lifecycles.
//
// Thread-safety: This implementation is thread-safe. Handlers are always
// invoked without the resource lock held.
type Resource struct {
	decoder   *Decoder
	source    string
	streaming bool

	mu        sync.Mutex
	state     domain.LoadState
	volume    float64
	loop      bool
	muted     bool
	instances map[domain.InstanceID]*instance

	loaded     *eventbus.Signal[struct{}]
	loadErrors *eventbus.Signal[error]
	ends       *eventbus.Signal[domain.InstanceID]
	playErrors *eventbus.Signal[playFailure]
}

// instance represents one playing sound in the mock resource.
type instance struct {
	volume   float64
	loop     bool
	playing  bool
	paused   bool
	position time.Duration
	starts   int
}

type playFailure struct {
	id  domain.InstanceID
	err error
}

func newResource(d *Decoder, source string, streaming bool) *Resource {
	return &Resource{
		decoder:    d,
		source:     source,
		streaming:  streaming,
		state:      domain.StateLoading,
		volume:     1.0,
		instances:  make(map[domain.InstanceID]*instance),
		loaded:     eventbus.NewSignal[struct{}]("load", d.logger),
		loadErrors: eventbus.NewSignal[error]("loaderror", d.logger),
		ends:       eventbus.NewSignal[domain.InstanceID]("end", d.logger),
		playErrors: eventbus.NewSignal[playFailure]("playerror", d.logger),
	}
}

// Source returns the source the resource was decoded from.
func (r *Resource) Source() string {
	return r.source
}

// Streaming reports whether the resource was requested in streaming mode.
func (r *Resource) Streaming() bool {
	return r.streaming
}

// State returns the current load state.
func (r *Resource) State() domain.LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CompleteLoad marks the resource loaded and fires the load handlers.
// It does nothing unless the resource is still loading.
func (r *Resource) CompleteLoad() {
	r.mu.Lock()
	if r.state != domain.StateLoading {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateLoaded
	r.mu.Unlock()

	r.loaded.Emit(struct{}{})
}

// FailLoad marks the resource failed and fires the load error handlers.
// It does nothing unless the resource is still loading.
func (r *Resource) FailLoad(err error) {
	r.mu.Lock()
	if r.state != domain.StateLoading {
		r.mu.Unlock()
		return
	}
	r.state = domain.StateFailed
	r.mu.Unlock()

	r.loadErrors.Emit(err)
}

// Play starts a new instance.
func (r *Resource) Play() (domain.InstanceID, error) {
	if r.decoder.playRejected() {
		return 0, domain.NewAudioEngineError("play", r.source, "mock playback failed", domain.ErrPlayRejected)
	}

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

	id := r.decoder.allocateID()
	r.instances[id] = &instance{
		volume:  r.volume,
		loop:    r.loop,
		playing: true,
		starts:  1,
	}
	return id, nil
}

// Resume resumes a paused instance or restarts a finished one.
func (r *Resource) Resume(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	if inst.playing {
		return nil
	}
	if !inst.paused {
		inst.starts++
	}
	inst.playing = true
	inst.paused = false
	return nil
}

// Stop stops and rewinds the instance.
func (r *Resource) Stop(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	inst.playing = false
	inst.paused = false
	inst.position = 0
	return nil
}

// Pause pauses the instance, keeping its position.
func (r *Resource) Pause(id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	if inst.playing {
		inst.playing = false
		inst.paused = true
	}
	return nil
}

// Seek moves the instance position.
func (r *Resource) Seek(position time.Duration, id domain.InstanceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	if position < 0 || position > simulatedDuration {
		return domain.NewValidationError("position", position, "must be within the track")
	}
	inst.position = position
	return nil
}

// Volume returns the instance volume, or the resource volume for GlobalInstance.
func (r *Resource) Volume(id domain.InstanceID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		return r.volume
	}
	if inst, ok := r.instances[id]; ok {
		return inst.volume
	}
	return 0
}

// SetVolume sets the instance volume. GlobalInstance sets every instance and
// the volume new instances start at.
func (r *Resource) SetVolume(volume float64, id domain.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		r.volume = volume
		for _, inst := range r.instances {
			inst.volume = volume
		}
		return
	}
	if inst, ok := r.instances[id]; ok {
		inst.volume = volume
	}
}

// Loop returns the native loop flag of the instance.
func (r *Resource) Loop(id domain.InstanceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		return r.loop
	}
	if inst, ok := r.instances[id]; ok {
		return inst.loop
	}
	return false
}

// SetLoop sets the native loop flag of the instance, or of every instance for GlobalInstance.
func (r *Resource) SetLoop(loop bool, id domain.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == domain.GlobalInstance {
		r.loop = loop
		for _, inst := range r.instances {
			inst.loop = loop
		}
		return
	}
	if inst, ok := r.instances[id]; ok {
		inst.loop = loop
	}
}

// Playing reports whether the instance is sounding.
func (r *Resource) Playing(id domain.InstanceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	return ok && inst.playing
}

// SetMuted silences or restores every instance.
func (r *Resource) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
}

// Muted reports the resource mute flag.
func (r *Resource) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Unload stops every instance and drops all handlers.
func (r *Resource) Unload() {
	r.mu.Lock()
	r.state = domain.StateUnloaded
	for _, inst := range r.instances {
		inst.playing = false
		inst.paused = false
	}
	r.mu.Unlock()

	r.loaded.Clear()
	r.loadErrors.Clear()
	r.ends.Clear()
	r.playErrors.Clear()
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

// End simulates the instance reaching its end.
// A looping instance rewinds and keeps playing, like a real backend.
func (r *Resource) End(id domain.InstanceID) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok || !inst.playing {
		r.mu.Unlock()
		return
	}
	inst.position = 0
	if !inst.loop {
		inst.playing = false
	}
	r.mu.Unlock()

	r.ends.Emit(id)
}

// FailPlay simulates a playback failure on a live instance.
func (r *Resource) FailPlay(id domain.InstanceID, err error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		inst.playing = false
		inst.paused = false
	}
	r.mu.Unlock()

	if ok {
		r.playErrors.Emit(playFailure{id: id, err: err})
	}
}

// Position returns the instance playback position.
func (r *Resource) Position(id domain.InstanceID) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst.position
	}
	return 0
}

// Starts returns how many times the instance has been started or restarted.
func (r *Resource) Starts(id domain.InstanceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst.starts
	}
	return 0
}

// Instances returns every instance id the resource ever created, in order.
func (r *Resource) Instances() []domain.InstanceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]domain.InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PlayingCount returns the number of sounding instances.
func (r *Resource) PlayingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, inst := range r.instances {
		if inst.playing {
			n++
		}
	}
	return n
}

// Subscribers returns the number of registered end handlers.
func (r *Resource) Subscribers() int {
	return r.ends.Len() + r.playErrors.Len()
}

// Metadata returns mock track information derived from the source path.
func (r *Resource) Metadata() (domain.TrackInfo, bool) {
	if r.State() != domain.StateLoaded {
		return domain.TrackInfo{}, false
	}

	filename := filepath.Base(r.source)
	ext := filepath.Ext(filename)
	return domain.TrackInfo{
		Source:   r.source,
		Title:    strings.TrimSuffix(filename, ext),
		Artist:   "Mock Artist",
		Format:   strings.TrimPrefix(strings.ToLower(ext), "."),
		Duration: simulatedDuration,
	}, true
}

func (r *Resource) lookup(id domain.InstanceID) (*instance, error) {
	if r.state == domain.StateUnloaded {
		return nil, domain.ErrResourceUnloaded
	}
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidInstance, id)
	}
	return inst, nil
}

// Verify that Resource implements the Resource and MetadataProvider interfaces
var (
	_ ports.Resource         = (*Resource)(nil)
	_ ports.MetadataProvider = (*Resource)(nil)
)
