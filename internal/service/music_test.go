package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/fade"
	"github.com/tinystage/stageaudio/internal/testutil"
)

// only returns the single live music instance.
func only(t *testing.T, m *MusicChannel) *domain.Instance {
	t.Helper()
	live := m.Engine().Snapshot()
	require.Len(t, live, 1)
	return live[0]
}

func TestMusic_PlayWithoutTrack(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	assert.ErrorIs(t, m.Play(context.Background()), domain.ErrNoActiveTrack)
	assert.False(t, m.Playing())
}

func TestMusic_PlayDefaults(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	require.NoError(t, m.Play(context.Background(), WithSource("theme.ogg")))

	inst := only(t, m)
	res := f.decoder.Resource("theme.ogg")
	assert.True(t, res.Streaming())
	assert.True(t, res.Loop(inst.ID))
	assert.Equal(t, 1.0, res.Volume(inst.ID))
	assert.True(t, m.Playing())
	assert.Equal(t, "theme.ogg", m.CurrentSource())
	assert.Equal(t, 1, f.events.count(domain.EventMusicSwitched))

	// Looping tracks survive their end.
	res.End(inst.ID)
	assert.True(t, m.Playing())
}

func TestMusic_PlaySameSourceRetargets(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("theme.ogg")))
	first := only(t, m)

	require.NoError(t, m.Play(ctx, WithSource("theme.ogg"), WithVolume(0.5), WithLoop(false)))

	inst := only(t, m)
	res := f.decoder.Resource("theme.ogg")
	assert.Equal(t, first.ID, inst.ID)
	assert.InDelta(t, 0.5, res.Volume(inst.ID), 1e-9)
	assert.False(t, res.Loop(inst.ID))
	assert.Equal(t, 1, f.events.count(domain.EventMusicSwitched))
}

func TestMusic_SwitchCrossfades(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	old := only(t, m)

	require.NoError(t, m.Play(ctx, WithSource("b.ogg"), WithFade(20*time.Millisecond)))

	inst := only(t, m)
	assert.Equal(t, "b.ogg", inst.Source)
	assert.Equal(t, 1.0, f.decoder.Resource("b.ogg").Volume(inst.ID))
	assert.False(t, f.decoder.Resource("a.ogg").Playing(old.ID))
	assert.Equal(t, "b.ogg", m.CurrentSource())
	assert.Equal(t, []domain.InstanceID{old.ID}, f.events.stopped())
}

func TestMusic_SwitchBackWhileLoading(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	original := only(t, m)

	f.decoder.SetAutoLoad(false)
	toB := make(chan error, 1)
	go func() { toB <- m.Play(ctx, WithSource("b.ogg"), WithFade(50*time.Millisecond)) }()

	require.Eventually(t, func() bool { return f.decoder.Resource("b.ogg") != nil },
		time.Second, time.Millisecond)

	require.NoError(t, m.Play(ctx, WithSource("a.ogg"), WithFade(10*time.Millisecond)))
	f.decoder.Resource("b.ogg").CompleteLoad()

	require.NoError(t, <-toB, "superseded switch returns quietly")
	assert.Equal(t, "a.ogg", m.CurrentSource())
	assert.Equal(t, original.ID, only(t, m).ID)
	assert.Equal(t, 0, f.decoder.Resource("b.ogg").PlayingCount())
	assert.True(t, m.Playing())
}

func TestMusic_SettingsWhileSwitchLoading(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	original := only(t, m)

	f.decoder.SetAutoLoad(false)
	toB := make(chan error, 1)
	go func() { toB <- m.Play(ctx, WithSource("b.ogg"), WithFade(20*time.Millisecond)) }()

	require.Eventually(t, func() bool { return f.decoder.Resource("b.ogg") != nil },
		time.Second, time.Millisecond)

	require.NoError(t, m.Play(ctx, WithSource("b.ogg"), WithVolume(0.3)))
	m.SetLoop(false)
	assert.Equal(t, 1.0, f.decoder.Resource("a.ogg").Volume(original.ID), "outgoing track untouched")
	assert.True(t, f.decoder.Resource("a.ogg").Loop(original.ID))

	f.decoder.Resource("b.ogg").CompleteLoad()
	require.NoError(t, <-toB)

	inst := only(t, m)
	res := f.decoder.Resource("b.ogg")
	assert.Equal(t, "b.ogg", inst.Source)
	assert.InDelta(t, 0.3, res.Volume(inst.ID), 1e-9)
	assert.False(t, res.Loop(inst.ID))
	assert.Equal(t, 0.3, m.Volume())
	assert.Equal(t, 0, f.decoder.Resource("a.ogg").PlayingCount())
}

func TestMusic_StopAbandonsPendingSwitch(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))

	f.decoder.SetAutoLoad(false)
	toB := make(chan error, 1)
	go func() { toB <- m.Play(ctx, WithSource("b.ogg")) }()

	require.Eventually(t, func() bool { return f.decoder.Resource("b.ogg") != nil },
		time.Second, time.Millisecond)

	require.NoError(t, m.Stop(ctx, 0))
	f.decoder.Resource("b.ogg").CompleteLoad()

	require.NoError(t, <-toB)
	assert.False(t, m.Playing())
	assert.Equal(t, 0, m.Engine().Count())
	assert.Equal(t, 0, f.decoder.Resource("b.ogg").PlayingCount())
	assert.Equal(t, "a.ogg", m.CurrentSource())
}

func TestMusic_PauseAbandonsPendingSwitch(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	original := only(t, m)

	f.decoder.SetAutoLoad(false)
	toB := make(chan error, 1)
	go func() { toB <- m.Play(ctx, WithSource("b.ogg"), WithFade(20*time.Millisecond)) }()

	require.Eventually(t, func() bool { return f.decoder.Resource("b.ogg") != nil },
		time.Second, time.Millisecond)

	require.NoError(t, m.Pause(ctx, 0))
	f.decoder.Resource("b.ogg").CompleteLoad()

	require.NoError(t, <-toB)
	assert.False(t, m.Playing())
	assert.Equal(t, original.ID, only(t, m).ID, "paused track stays registered")
	assert.Equal(t, 0, f.decoder.Resource("b.ogg").PlayingCount())
	assert.Equal(t, "a.ogg", m.CurrentSource())

	require.NoError(t, m.Resume(ctx, 0))
	assert.True(t, m.Playing())
	assert.Equal(t, original.ID, only(t, m).ID)
}

func TestMusic_SwitchBackMidFade(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	original := only(t, m)

	toB := make(chan error, 1)
	go func() { toB <- m.Play(ctx, WithSource("b.ogg"), WithFade(200*time.Millisecond)) }()

	require.Eventually(t, func() bool {
		res := f.decoder.Resource("b.ogg")
		return res != nil && res.PlayingCount() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Play(ctx, WithSource("a.ogg"), WithFade(10*time.Millisecond)))
	require.NoError(t, <-toB)

	require.Eventually(t, func() bool { return m.Engine().Count() == 1 },
		time.Second, time.Millisecond)

	inst := only(t, m)
	assert.Equal(t, "a.ogg", inst.Source)
	assert.NotEqual(t, original.ID, inst.ID)
	assert.Equal(t, 1, f.decoder.Resource("a.ogg").PlayingCount())
	assert.Equal(t, 0, f.decoder.Resource("b.ogg").PlayingCount())
	assert.Equal(t, "a.ogg", m.CurrentSource())
}

func TestMusic_LoadFailureRestoresSource(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))

	f.decoder.SetFailLoad(true)
	err := m.Play(ctx, WithSource("missing.ogg"), WithFade(10*time.Millisecond))
	require.ErrorIs(t, err, domain.ErrLoadFailed)

	assert.Equal(t, "a.ogg", m.CurrentSource())
	assert.True(t, m.Playing())
}

func TestMusic_PauseResume(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	inst := only(t, m)
	res := f.decoder.Resource("a.ogg")

	require.NoError(t, m.Pause(ctx, 10*time.Millisecond))
	assert.False(t, m.Playing())
	assert.Equal(t, 1, m.Engine().Count(), "paused tracks stay registered")

	require.NoError(t, m.Resume(ctx, 10*time.Millisecond))
	assert.True(t, m.Playing())
	assert.Equal(t, inst.ID, only(t, m).ID)
	assert.Equal(t, 1.0, res.Volume(inst.ID))
	assert.Equal(t, 1, res.Starts(inst.ID))
}

func TestMusic_StopKeepsSource(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	first := only(t, m)

	require.NoError(t, m.Stop(ctx, 10*time.Millisecond))
	assert.False(t, m.Playing())
	assert.Equal(t, 0, m.Engine().Count())
	assert.Equal(t, "a.ogg", m.CurrentSource())

	require.NoError(t, m.Play(ctx))
	assert.True(t, m.Playing())
	assert.NotEqual(t, first.ID, only(t, m).ID)
}

func TestMusic_Volume(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))
	inst := only(t, m)
	res := f.decoder.Resource("a.ogg")
	key := fade.Key{Source: "a.ogg", Instance: inst.ID}

	m.SetVolume(0.3)
	assert.Equal(t, 0.3, m.Volume())
	require.Eventually(t, func() bool { return !m.Engine().fades.Active(key) },
		time.Second, time.Millisecond)
	assert.InDelta(t, 0.3, res.Volume(inst.ID), 1e-9)

	m.SetVolume(0.3005)
	assert.False(t, m.Engine().fades.Active(key), "tiny changes do not start a ramp")
	assert.InDelta(t, 0.3, res.Volume(inst.ID), 1e-9)
	assert.Equal(t, 0.3005, m.Volume())

	require.NoError(t, m.Fade(ctx, 0.8, 10*time.Millisecond))
	assert.InDelta(t, 0.8, res.Volume(inst.ID), 1e-9)

	m.SetVolume(7)
	assert.Equal(t, 1.0, m.Volume())
}

func TestMusic_NonLoopingEnd(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("sting.ogg"), WithLoop(false)))
	inst := only(t, m)
	assert.False(t, m.Loop())

	f.decoder.Resource("sting.ogg").End(inst.ID)

	assert.False(t, m.Playing())
	assert.Equal(t, 0, m.Engine().Count())
	assert.Equal(t, "sting.ogg", m.CurrentSource())
	assert.Equal(t, 1, f.events.count(domain.EventInstanceEnded))

	_, ok := m.NowPlaying()
	assert.False(t, ok)
}

func TestMusic_SetLoopAppliesToCurrent(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	require.NoError(t, m.Play(context.Background(), WithSource("a.ogg")))
	inst := only(t, m)

	m.SetLoop(false)
	assert.False(t, m.Loop())
	assert.False(t, f.decoder.Resource("a.ogg").Loop(inst.ID))
}

func TestMusic_NowPlaying(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	_, ok := m.NowPlaying()
	assert.False(t, ok)

	require.NoError(t, m.Play(context.Background(), WithSource("music/Overworld.OGG")))

	info, ok := m.NowPlaying()
	require.True(t, ok)
	assert.Equal(t, "music/Overworld.OGG", info.Source)
	assert.Equal(t, "Overworld", info.Title)
	assert.Equal(t, "ogg", info.Format)
}

func TestMusic_Mute(t *testing.T) {
	f := newFixture()
	m := f.newMusic()
	defer m.Destroy()

	require.NoError(t, m.Play(context.Background(), WithSource("a.ogg")))

	m.SetMuted(true)
	assert.True(t, m.Muted())
	assert.True(t, f.decoder.Resource("a.ogg").Muted())
	assert.True(t, m.Playing(), "muting does not stop playback")
}

func TestMusic_Destroy(t *testing.T) {
	defer testutil.VerifyNoLeaks(t)

	f := newFixture()
	m := f.newMusic()

	ctx := context.Background()
	require.NoError(t, m.Play(ctx, WithSource("a.ogg")))

	m.Destroy()
	m.Destroy()

	assert.False(t, m.Playing())
	assert.Equal(t, domain.StateUnloaded, f.decoder.Resource("a.ogg").State())
	assert.ErrorIs(t, m.Play(ctx, WithSource("b.ogg")), domain.ErrEngineDestroyed)
}
