// Package domain contains the core audio-channel types with no external dependencies.
// This package defines instances, load states, and playback policies shared by every channel.
package domain

import (
	"sync"
	"time"
)

// InstanceID identifies one sounding occurrence of a loaded resource.
// IDs are assigned by the backend and are unique within their resource.
type InstanceID int64

// GlobalInstance is the sentinel used where an operation targets the whole
// resource rather than a single instance (e.g. handle-wide volume).
const GlobalInstance InstanceID = 0

// LoadState is the loading state of a backend resource.
type LoadState int

const (
	// StateLoading indicates the resource has been requested but is not ready yet
	StateLoading LoadState = iota

	// StateLoaded indicates the resource is decoded and can spawn instances
	StateLoaded

	// StateFailed indicates decoding or fetching failed
	StateFailed

	// StateUnloaded indicates the resource was released and is unusable
	StateUnloaded
)

// String returns a human-readable representation of the load state.
func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// LoopCount is the number of times an effect plays back to back.
// 1 means play once.
type LoopCount int

// LoopInfinite makes an effect loop until it is stopped externally.
const LoopInfinite LoopCount = -1

// IsInfinite reports whether the count is the infinite sentinel.
func (c LoopCount) IsInfinite() bool {
	return c == LoopInfinite
}

// Normalize maps non-positive finite counts to 1.
func (c LoopCount) Normalize() LoopCount {
	if c.IsInfinite() || c >= 1 {
		return c
	}
	return 1
}

// Interrupt is the policy the voice channel applies before starting a new line.
type Interrupt string

const (
	// InterruptAll fades out every other live voice instance
	InterruptAll Interrupt = "all"

	// InterruptSelf fades out only instances of the same speaker
	InterruptSelf Interrupt = "self"

	// InterruptNone leaves other instances untouched
	InterruptNone Interrupt = "none"
)

// DefaultSpeaker is the speaker tag used when a voice line names none.
const DefaultSpeaker = "default"

// Instance represents one concrete sounding occurrence of a loaded source.
type Instance struct {
	// ID is the backend instance id
	ID InstanceID

	// Source is the source identifier of the owning handle (back-reference only)
	Source string

	// StartedAt is when playback of this instance began
	StartedAt time.Time

	// Speaker is the voice-channel speaker tag (empty for other channels)
	Speaker string

	mu         sync.Mutex
	onComplete func()
}

// NewInstance creates an instance record.
func NewInstance(id InstanceID, source string, startedAt time.Time) *Instance {
	return &Instance{
		ID:        id,
		Source:    source,
		StartedAt: startedAt,
	}
}

// SetCompletion replaces the completion callback.
// A nil callback clears it.
func (i *Instance) SetCompletion(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onComplete = fn
}

// Complete invokes the completion callback at most once.
// Subsequent calls are no-ops until SetCompletion installs a new callback.
func (i *Instance) Complete() {
	i.mu.Lock()
	fn := i.onComplete
	i.onComplete = nil
	i.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// TrackInfo holds descriptive metadata for a loaded source.
type TrackInfo struct {
	Source   string
	Title    string
	Artist   string
	Album    string
	Format   string
	Duration time.Duration
}
