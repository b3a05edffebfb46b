// Package domain defines events for the event-driven architecture.
// Channels publish these so higher layers can observe playback without callbacks.
package domain

import (
	"time"
)

// Event is the base interface for all events in the system.
// All events must implement this interface to be published via the event bus.
type Event interface {
	// Type returns the event type identifier
	Type() EventType

	// Timestamp returns when the event occurred
	Timestamp() time.Time
}

// EventType is a string identifier for different event types.
type EventType string

// Event type constants define all possible events in the system.
const (
	// Handle lifecycle events
	EventHandleLoaded     EventType = "handle.loaded"
	EventHandleEvicted    EventType = "handle.evicted"
	EventHandleLoadFailed EventType = "handle.load_failed"

	// Instance lifecycle events
	EventInstanceStarted EventType = "instance.started"
	EventInstanceEnded   EventType = "instance.ended"
	EventInstanceStopped EventType = "instance.stopped"

	// Music channel events
	EventMusicSwitched EventType = "music.switched"
)

// EventHandler is a function that handles events.
type EventHandler func(event Event)

// SubscriptionID uniquely identifies an event subscription.
type SubscriptionID string

// baseEvent provides common event functionality.
// All concrete events should embed this struct.
type baseEvent struct {
	timestamp time.Time
}

// Timestamp returns when the event occurred.
func (e baseEvent) Timestamp() time.Time {
	return e.timestamp
}

// newBaseEvent creates a new base event with the current timestamp.
func newBaseEvent() baseEvent {
	return baseEvent{timestamp: time.Now()}
}

// HandleLoadedEvent is published when a pooled resource becomes ready.
type HandleLoadedEvent struct {
	baseEvent
	Channel string
	Source  string
}

// Type returns the event type.
func (e HandleLoadedEvent) Type() EventType {
	return EventHandleLoaded
}

// NewHandleLoadedEvent creates a new HandleLoadedEvent.
func NewHandleLoadedEvent(channel, source string) HandleLoadedEvent {
	return HandleLoadedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    source,
	}
}

// HandleEvictedEvent is published when the pool releases an idle handle.
type HandleEvictedEvent struct {
	baseEvent
	Channel string
	Source  string
}

// Type returns the event type.
func (e HandleEvictedEvent) Type() EventType {
	return EventHandleEvicted
}

// NewHandleEvictedEvent creates a new HandleEvictedEvent.
func NewHandleEvictedEvent(channel, source string) HandleEvictedEvent {
	return HandleEvictedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    source,
	}
}

// HandleLoadFailedEvent is published when a resource fails or times out while loading.
type HandleLoadFailedEvent struct {
	baseEvent
	Channel string
	Source  string
	Error   error
}

// Type returns the event type.
func (e HandleLoadFailedEvent) Type() EventType {
	return EventHandleLoadFailed
}

// NewHandleLoadFailedEvent creates a new HandleLoadFailedEvent.
func NewHandleLoadFailedEvent(channel, source string, err error) HandleLoadFailedEvent {
	return HandleLoadFailedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    source,
		Error:     err,
	}
}

// InstanceStartedEvent is published when a new instance begins playing.
type InstanceStartedEvent struct {
	baseEvent
	Channel  string
	Source   string
	Instance InstanceID
	Speaker  string
}

// Type returns the event type.
func (e InstanceStartedEvent) Type() EventType {
	return EventInstanceStarted
}

// NewInstanceStartedEvent creates a new InstanceStartedEvent.
func NewInstanceStartedEvent(channel string, inst *Instance) InstanceStartedEvent {
	return InstanceStartedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    inst.Source,
		Instance:  inst.ID,
		Speaker:   inst.Speaker,
	}
}

// InstanceEndedEvent is published when an instance finishes naturally.
type InstanceEndedEvent struct {
	baseEvent
	Channel  string
	Source   string
	Instance InstanceID
}

// Type returns the event type.
func (e InstanceEndedEvent) Type() EventType {
	return EventInstanceEnded
}

// NewInstanceEndedEvent creates a new InstanceEndedEvent.
func NewInstanceEndedEvent(channel string, inst *Instance) InstanceEndedEvent {
	return InstanceEndedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    inst.Source,
		Instance:  inst.ID,
	}
}

// InstanceStoppedEvent is published when an instance is stopped before its natural end.
type InstanceStoppedEvent struct {
	baseEvent
	Channel  string
	Source   string
	Instance InstanceID
}

// Type returns the event type.
func (e InstanceStoppedEvent) Type() EventType {
	return EventInstanceStopped
}

// NewInstanceStoppedEvent creates a new InstanceStoppedEvent.
func NewInstanceStoppedEvent(channel string, inst *Instance) InstanceStoppedEvent {
	return InstanceStoppedEvent{
		baseEvent: newBaseEvent(),
		Channel:   channel,
		Source:    inst.Source,
		Instance:  inst.ID,
	}
}

// MusicSwitchedEvent is published when the music channel begins switching tracks.
type MusicSwitchedEvent struct {
	baseEvent
	From string
	To   string
}

// Type returns the event type.
func (e MusicSwitchedEvent) Type() EventType {
	return EventMusicSwitched
}

// NewMusicSwitchedEvent creates a new MusicSwitchedEvent.
func NewMusicSwitchedEvent(from, to string) MusicSwitchedEvent {
	return MusicSwitchedEvent{
		baseEvent: newBaseEvent(),
		From:      from,
		To:        to,
	}
}
