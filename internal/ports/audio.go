// Package ports define interfaces for dependency inversion.
// These interfaces keep the channel engine independent of any concrete audio backend.
package ports

import (
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
)

// Decoder turns a source identifier into a loadable resource.
// This abstracts the underlying audio library and allows for testing with mocks.
//
// Implementations must be thread-safe as they may be called from multiple goroutines.
type Decoder interface {
	// Decode starts loading the source and returns immediately.
	// The resource reports readiness through OnLoad / OnLoadError.
	//
	// streaming: prefer decoding on the fly over caching the whole decoded buffer
	//
	// Returns an error only when the request cannot even be started
	// (e.g. unsupported format).
	Decode(source string, streaming bool) (Resource, error)
}

// Resource is one decoded (or decoding) audio source capable of producing
// independent playable instances from the same buffer.
//
// Methods taking an InstanceID treat domain.GlobalInstance as "the whole resource"
// where that makes sense (volume, loop). Event handlers are registered per kind so
// handler signatures are checked at compile time.
type Resource interface {
	// State returns the current load state.
	State() domain.LoadState

	// Play starts a new instance and returns its id.
	// Returns an error wrapping domain.ErrPlayRejected if playback cannot start.
	Play() (domain.InstanceID, error)

	// Resume resumes a paused instance, or restarts one that has ended.
	Resume(id domain.InstanceID) error

	// Stop stops the instance and rewinds it. The id stays valid for Resume.
	Stop(id domain.InstanceID) error

	// Pause pauses the instance, keeping its position.
	Pause(id domain.InstanceID) error

	// Seek moves the instance playback position.
	Seek(position time.Duration, id domain.InstanceID) error

	// Volume returns the instance volume (0.0-1.0), or the resource volume for GlobalInstance.
	Volume(id domain.InstanceID) float64

	// SetVolume sets the instance volume, or the resource volume for GlobalInstance.
	SetVolume(volume float64, id domain.InstanceID)

	// Loop returns the native loop flag of the instance.
	Loop(id domain.InstanceID) bool

	// SetLoop sets the native loop flag of the instance, or of every instance for GlobalInstance.
	SetLoop(loop bool, id domain.InstanceID)

	// Playing reports whether the instance is currently sounding.
	Playing(id domain.InstanceID) bool

	// SetMuted silences or restores every instance without touching volumes.
	SetMuted(muted bool)

	// Unload stops every instance and releases the decoded data.
	// The resource is unusable afterwards.
	Unload()

	// OnLoad registers a handler called once the resource is ready.
	OnLoad(handler func()) Subscription

	// OnLoadError registers a handler called when loading fails.
	OnLoadError(handler func(err error)) Subscription

	// OnEnd registers a handler called each time the instance reaches its end.
	OnEnd(id domain.InstanceID, handler func(id domain.InstanceID)) Subscription

	// OnPlayError registers a handler called when the instance fails while playing.
	OnPlayError(id domain.InstanceID, handler func(id domain.InstanceID, err error)) Subscription
}

// Subscription is returned by every Resource event registration.
type Subscription interface {
	// Unsubscribe removes the handler. Safe to call more than once.
	Unsubscribe()
}

// MetadataProvider is implemented by resources that can describe their content.
// This is optional and not all backends need to support it.
type MetadataProvider interface {
	// Metadata returns the track information once the resource is loaded.
	Metadata() (domain.TrackInfo, bool)
}
