package service

import (
	"sync"
	"time"

	"github.com/tinystage/stageaudio/internal/adapter/audio/mock"
	"github.com/tinystage/stageaudio/internal/adapter/eventbus"
	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/logger"
	"github.com/tinystage/stageaudio/internal/testutil"
)

// tickingClock advances by one millisecond on every read so start times are
// strictly ordered.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: testutil.Epoch}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func testEngineConfig(channel string) EngineConfig {
	return EngineConfig{
		Channel:      channel,
		PoolSize:     4,
		LoadTimeout:  500 * time.Millisecond,
		TickInterval: time.Millisecond,
		Clock:        newTickingClock().Now,
	}
}

// eventLog records every event published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func newEventLog(bus *eventbus.SyncEventBus) *eventLog {
	l := &eventLog{}
	bus.SubscribeAll(func(e domain.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
	})
	return l
}

func (l *eventLog) count(t domain.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func (l *eventLog) stopped() []domain.InstanceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []domain.InstanceID
	for _, e := range l.events {
		if s, ok := e.(domain.InstanceStoppedEvent); ok {
			ids = append(ids, s.Instance)
		}
	}
	return ids
}

type fixture struct {
	decoder *mock.Decoder
	bus     *eventbus.SyncEventBus
	events  *eventLog
}

func newFixture() *fixture {
	dec := mock.NewDecoder()
	bus := eventbus.NewSyncEventBus()
	bus.SetLogger(logger.NewTestLogger())
	return &fixture{
		decoder: dec,
		bus:     bus,
		events:  newEventLog(bus),
	}
}

func (f *fixture) newEngine() *Engine {
	return NewEngine(logger.NewTestLogger(), f.decoder, f.bus, testEngineConfig("test"))
}

func (f *fixture) newMusic() *MusicChannel {
	cfg := DefaultMusicConfig()
	cfg.Engine = testEngineConfig("music")
	cfg.Engine.Streaming = true
	cfg.VolumeFade = 10 * time.Millisecond
	return NewMusicChannel(logger.NewTestLogger(), f.decoder, f.bus, cfg)
}

func (f *fixture) newEffects(maxConcurrent int) *EffectChannel {
	cfg := DefaultEffectConfig()
	cfg.Engine = testEngineConfig("sfx")
	cfg.MaxConcurrent = maxConcurrent
	cfg.EvictFade = 5 * time.Millisecond
	return NewEffectChannel(logger.NewTestLogger(), f.decoder, f.bus, cfg)
}

func (f *fixture) newVoices() *VoiceChannel {
	cfg := DefaultVoiceConfig()
	cfg.Engine = testEngineConfig("voice")
	cfg.InterruptFade = 5 * time.Millisecond
	return NewVoiceChannel(logger.NewTestLogger(), f.decoder, f.bus, cfg)
}
