// Package app provides application-level orchestration and dependency injection.
// This package wires together all components and manages the application lifecycle.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/tinystage/stageaudio/internal/adapter/audio/ebiten"
	"github.com/tinystage/stageaudio/internal/adapter/audio/mock"
	"github.com/tinystage/stageaudio/internal/adapter/eventbus"
	"github.com/tinystage/stageaudio/internal/config"
	"github.com/tinystage/stageaudio/internal/logger"
	"github.com/tinystage/stageaudio/internal/ports"
	"github.com/tinystage/stageaudio/internal/service"
)

// Application is the root structure that holds all dependencies.
//
// The Application struct is responsible for:
// - Creating and wiring the logger, event bus, decoder and channels
// - Applying configuration reloads
// - Shutting everything down in reverse order
type Application struct {
	// Core dependencies
	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	// Infrastructure
	eventBus *eventbus.SyncEventBus
	decoder  ports.Decoder
	closer   io.Closer

	// Channels
	music   *service.MusicChannel
	effects *service.EffectChannel
	voices  *service.VoiceChannel

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewApplication creates an application with all dependencies wired.
func NewApplication(cfg config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	app := &Application{level: new(slog.LevelVar)}

	// Step 1: Create logger
	logCfg := cfg.LoggerConfig()
	app.level.Set(logCfg.Level)
	logCfg.Leveler = app.level
	app.logger, app.logCloser = logger.NewLogger(logCfg)
	app.logger.Info("initializing stageaudio",
		slog.String("version", GetVersionInfo().Release()),
		slog.String("backend", cfg.Backend))

	// Step 2: Create an event bus
	app.eventBus = eventbus.NewSyncEventBus()
	app.eventBus.SetLogger(app.logger.With(slog.String("component", "eventbus")))

	// Step 3: Create a decoder
	if err := app.initDecoder(cfg); err != nil {
		_ = app.logCloser.Close()
		return nil, err
	}

	// Step 4: Create channels
	app.music = service.NewMusicChannel(app.logger, app.decoder, app.eventBus, musicConfig(cfg))
	app.effects = service.NewEffectChannel(app.logger, app.decoder, app.eventBus, effectConfig(cfg))
	app.voices = service.NewVoiceChannel(app.logger, app.decoder, app.eventBus, voiceConfig(cfg))

	app.logger.Info("all channels initialized")
	return app, nil
}

func (a *Application) initDecoder(cfg config.Config) error {
	switch cfg.Backend {
	case config.BackendMock:
		dec := mock.NewDecoder()
		dec.SetLogger(a.logger.With(slog.String("engine", "mock")))
		a.decoder = dec
	case config.BackendEbiten:
		// Ebitengine allows a single audio context per process.
		ctx := audio.CurrentContext()
		if ctx == nil {
			ctx = audio.NewContext(cfg.SampleRate)
		} else if ctx.SampleRate() != cfg.SampleRate {
			return fmt.Errorf("audio context already running at %d Hz", ctx.SampleRate())
		}
		dec := ebiten.NewDecoder(ctx, os.DirFS(cfg.AssetsDir), ebiten.WithLogger(a.logger))
		a.decoder = dec
		a.closer = dec
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func engineConfig(cfg config.Config, channel string, poolSize int, streaming bool) service.EngineConfig {
	return service.EngineConfig{
		Channel:      channel,
		PoolSize:     poolSize,
		Streaming:    streaming,
		TickInterval: cfg.FadeTick,
	}
}

func musicConfig(cfg config.Config) service.MusicConfig {
	mc := service.DefaultMusicConfig()
	mc.Engine = engineConfig(cfg, mc.Engine.Channel, cfg.Music.PoolSize, true)
	mc.Engine.LoadTimeout = cfg.Music.LoadTimeout
	mc.Volume = cfg.Music.Volume
	mc.Loop = cfg.Music.Loop
	mc.VolumeFade = cfg.Music.VolumeFade
	return mc
}

func effectConfig(cfg config.Config) service.EffectConfig {
	ec := service.DefaultEffectConfig()
	ec.Engine = engineConfig(cfg, ec.Engine.Channel, cfg.Effects.PoolSize, false)
	ec.Engine.LoadTimeout = cfg.Effects.LoadTimeout
	ec.MaxConcurrent = cfg.Effects.MaxConcurrent
	ec.EvictFade = cfg.Effects.EvictFade
	ec.MinRetrigger = cfg.Effects.MinRetrigger
	return ec
}

func voiceConfig(cfg config.Config) service.VoiceConfig {
	vc := service.DefaultVoiceConfig()
	vc.Engine = engineConfig(cfg, vc.Engine.Channel, cfg.Voice.PoolSize, true)
	vc.Engine.LoadTimeout = cfg.Voice.LoadTimeout
	vc.InterruptFade = cfg.Voice.InterruptFade
	return vc
}

// Music returns the music channel.
func (a *Application) Music() *service.MusicChannel { return a.music }

// Effects returns the effect channel.
func (a *Application) Effects() *service.EffectChannel { return a.effects }

// Voices returns the voice channel.
func (a *Application) Voices() *service.VoiceChannel { return a.voices }

// EventBus returns the bus every channel publishes on.
func (a *Application) EventBus() ports.EventBus { return a.eventBus }

// Decoder returns the decoder shared by the channels.
func (a *Application) Decoder() ports.Decoder { return a.decoder }

// Logger returns the application logger.
func (a *Application) Logger() *slog.Logger { return a.logger }

// Watch applies configuration changes from m until shutdown.
// Only the log level and music settings are applied at runtime; the rest
// needs a restart.
func (a *Application) Watch(m *config.Manager) {
	m.Watch(a.Apply)
}

// Apply updates the runtime-adjustable settings.
func (a *Application) Apply(cfg config.Config) {
	if level, err := logger.ParseLevel(cfg.Log.Level); err == nil {
		a.level.Set(level)
	}
	if a.music.Engine().Destroyed() {
		return
	}
	a.music.SetLoop(cfg.Music.Loop)
	a.music.SetVolume(cfg.Music.Volume)
	a.logger.Debug("configuration applied",
		slog.String("level", a.level.Level().String()),
		slog.Float64("music_volume", cfg.Music.Volume))
}

// Shutdown gracefully shuts down the application. It is safe to call more
// than once.
func (a *Application) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutting down application")

		// Shutdown channels (in reverse order of creation)
		a.voices.Destroy()
		a.effects.Destroy()
		a.music.Destroy()

		var errs []error
		if a.closer != nil {
			if err := a.closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close decoder: %w", err))
			}
		}
		if err := a.eventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}

		a.logger.Info("application shutdown complete")
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}
