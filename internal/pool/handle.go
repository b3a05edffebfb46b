package pool

import (
	"iter"
	"slices"
	"time"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/ports"
)

// Handle is one pooled source: its backend resource plus the registry of
// instances currently playing from it.
//
// Handles are not safe for concurrent use; the owning engine serializes access.
type Handle struct {
	source   string
	resource ports.Resource
	seq      uint64
	lastUsed time.Time

	instances map[domain.InstanceID]*domain.Instance
	subs      map[domain.InstanceID][]ports.Subscription
}

func newHandle(source string, resource ports.Resource, seq uint64, now time.Time) *Handle {
	return &Handle{
		source:    source,
		resource:  resource,
		seq:       seq,
		lastUsed:  now,
		instances: make(map[domain.InstanceID]*domain.Instance),
		subs:      make(map[domain.InstanceID][]ports.Subscription),
	}
}

// Source returns the source identifier.
func (h *Handle) Source() string { return h.source }

// Resource returns the backend resource.
func (h *Handle) Resource() ports.Resource { return h.resource }

// LastUsed returns when the handle was last requested.
func (h *Handle) LastUsed() time.Time { return h.lastUsed }

// Register adds inst to the handle. Registering an id twice replaces the record.
func (h *Handle) Register(inst *domain.Instance) {
	h.instances[inst.ID] = inst
}

// Track attaches a backend subscription to a registered instance so it is
// released when the instance is unregistered.
func (h *Handle) Track(id domain.InstanceID, sub ports.Subscription) {
	if sub == nil {
		return
	}
	if _, ok := h.instances[id]; !ok {
		sub.Unsubscribe()
		return
	}
	h.subs[id] = append(h.subs[id], sub)
}

// Unregister removes the instance and releases its subscriptions.
// It returns the removed record, or false if id was not registered.
func (h *Handle) Unregister(id domain.InstanceID) (*domain.Instance, bool) {
	inst, ok := h.instances[id]
	if !ok {
		return nil, false
	}
	delete(h.instances, id)
	for _, sub := range h.subs[id] {
		sub.Unsubscribe()
	}
	delete(h.subs, id)
	return inst, true
}

// Instance returns the registered instance with id.
func (h *Handle) Instance(id domain.InstanceID) (*domain.Instance, bool) {
	inst, ok := h.instances[id]
	return inst, ok
}

// Instances yields the registered instances in id order.
// The set is captured when iteration starts, so the caller may unregister
// while ranging.
func (h *Handle) Instances() iter.Seq[*domain.Instance] {
	return func(yield func(*domain.Instance) bool) {
		for _, inst := range h.sorted() {
			if !yield(inst) {
				return
			}
		}
	}
}

func (h *Handle) sorted() []*domain.Instance {
	out := make([]*domain.Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *domain.Instance) int {
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered instances.
func (h *Handle) Len() int { return len(h.instances) }

// Idle reports whether no instance is registered.
func (h *Handle) Idle() bool { return len(h.instances) == 0 }

// release drops every instance and subscription without touching the backend.
func (h *Handle) release() {
	for id, subs := range h.subs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		delete(h.subs, id)
	}
	clear(h.instances)
}

func compareIDs(a, b domain.InstanceID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
