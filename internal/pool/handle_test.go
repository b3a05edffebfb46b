package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/testutil"
)

type countingSub struct{ calls int }

func (s *countingSub) Unsubscribe() { s.calls++ }

func TestHandle_RegisterUnregister(t *testing.T) {
	p, _, clock := newTestPool(1)
	h := get(t, p, clock, "A")
	assert.True(t, h.Idle())

	inst := domain.NewInstance(5, "A", testutil.Epoch)
	h.Register(inst)
	assert.False(t, h.Idle())

	got, ok := h.Instance(5)
	require.True(t, ok)
	assert.Same(t, inst, got)

	removed, ok := h.Unregister(5)
	require.True(t, ok)
	assert.Same(t, inst, removed)

	_, ok = h.Unregister(5)
	assert.False(t, ok)
	assert.True(t, h.Idle())
}

func TestHandle_TrackReleasedOnUnregister(t *testing.T) {
	p, _, clock := newTestPool(1)
	h := get(t, p, clock, "A")
	h.Register(domain.NewInstance(1, "A", testutil.Epoch))

	end, failure := &countingSub{}, &countingSub{}
	h.Track(1, end)
	h.Track(1, failure)
	h.Unregister(1)

	assert.Equal(t, 1, end.calls)
	assert.Equal(t, 1, failure.calls)
}

func TestHandle_TrackUnknownInstanceReleasesImmediately(t *testing.T) {
	p, _, clock := newTestPool(1)
	h := get(t, p, clock, "A")

	sub := &countingSub{}
	h.Track(99, sub)
	assert.Equal(t, 1, sub.calls)
}

func TestHandle_InstancesSnapshot(t *testing.T) {
	p, _, clock := newTestPool(1)
	h := get(t, p, clock, "A")
	for _, id := range []domain.InstanceID{3, 1, 2} {
		h.Register(domain.NewInstance(id, "A", testutil.Epoch))
	}

	var seen []domain.InstanceID
	for inst := range h.Instances() {
		seen = append(seen, inst.ID)
		h.Unregister(inst.ID)
	}
	assert.Equal(t, []domain.InstanceID{1, 2, 3}, seen)
	assert.Equal(t, 0, h.Len())
}

func TestHandle_RemoveReleasesSubscriptions(t *testing.T) {
	p, _, clock := newTestPool(2)
	h := get(t, p, clock, "A")
	h.Register(domain.NewInstance(1, "A", testutil.Epoch))
	sub := &countingSub{}
	h.Track(1, sub)

	p.Remove("A")
	assert.Equal(t, 1, sub.calls)
}
