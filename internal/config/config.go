// Package config loads stageaudio settings from defaults, an optional file and
// STAGEAUDIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tinystage/stageaudio/internal/domain"
	"github.com/tinystage/stageaudio/internal/logger"
)

// EnvPrefix is the prefix of every environment override, e.g.
// STAGEAUDIO_MUSIC_VOLUME=0.5.
const EnvPrefix = "STAGEAUDIO"

// Backends.
const (
	BackendEbiten = "ebiten"
	BackendMock   = "mock"
)

// Config is the full stageaudio configuration.
type Config struct {
	Backend    string        `mapstructure:"backend"`
	AssetsDir  string        `mapstructure:"assets_dir"`
	SampleRate int           `mapstructure:"sample_rate"`
	FadeTick   time.Duration `mapstructure:"fade_tick"`

	Log     LogConfig     `mapstructure:"log"`
	Music   MusicConfig   `mapstructure:"music"`
	Effects EffectsConfig `mapstructure:"effects"`
	Voice   VoiceConfig   `mapstructure:"voice"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MusicConfig configures the music channel.
type MusicConfig struct {
	PoolSize    int           `mapstructure:"pool_size"`
	Volume      float64       `mapstructure:"volume"`
	Loop        bool          `mapstructure:"loop"`
	VolumeFade  time.Duration `mapstructure:"volume_fade"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

// EffectsConfig configures the effect channel.
type EffectsConfig struct {
	PoolSize      int           `mapstructure:"pool_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	EvictFade     time.Duration `mapstructure:"evict_fade"`
	MinRetrigger  time.Duration `mapstructure:"min_retrigger"`
	LoadTimeout   time.Duration `mapstructure:"load_timeout"`
}

// VoiceConfig configures the voice channel.
type VoiceConfig struct {
	PoolSize      int           `mapstructure:"pool_size"`
	InterruptFade time.Duration `mapstructure:"interrupt_fade"`
	LoadTimeout   time.Duration `mapstructure:"load_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendEbiten)
	v.SetDefault("assets_dir", ".")
	v.SetDefault("sample_rate", 44100)
	v.SetDefault("fade_tick", 16*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", logger.OutputStderr)
	v.SetDefault("log.file", "stageaudio.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("music.pool_size", 10)
	v.SetDefault("music.volume", 1.0)
	v.SetDefault("music.loop", true)
	v.SetDefault("music.volume_fade", 200*time.Millisecond)
	v.SetDefault("music.load_timeout", 8*time.Second)

	v.SetDefault("effects.pool_size", 20)
	v.SetDefault("effects.max_concurrent", 20)
	v.SetDefault("effects.evict_fade", 50*time.Millisecond)
	v.SetDefault("effects.min_retrigger", time.Duration(0))
	v.SetDefault("effects.load_timeout", 8*time.Second)

	v.SetDefault("voice.pool_size", 10)
	v.SetDefault("voice.interrupt_fade", 100*time.Millisecond)
	v.SetDefault("voice.load_timeout", 8*time.Second)
}

// Validate checks the configuration for values the channels cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field string, value any, msg string) {
		if !ok {
			errs = append(errs, domain.NewValidationError(field, value, msg))
		}
	}

	check(c.Backend == BackendEbiten || c.Backend == BackendMock,
		"backend", c.Backend, "must be ebiten or mock")
	check(c.SampleRate > 0, "sample_rate", c.SampleRate, "must be positive")
	check(c.FadeTick >= 0, "fade_tick", c.FadeTick, "must not be negative")

	_, err := logger.ParseLevel(c.Log.Level)
	check(err == nil, "log.level", c.Log.Level, "must be debug, info, warn or error")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format", c.Log.Format, "must be text or json")
	switch c.Log.Output {
	case logger.OutputStderr, logger.OutputFile, logger.OutputBoth:
	default:
		check(false, "log.output", c.Log.Output, "must be stderr, file or both")
	}

	check(c.Music.PoolSize >= 1, "music.pool_size", c.Music.PoolSize, "must be at least 1")
	check(c.Music.Volume >= 0 && c.Music.Volume <= 1, "music.volume", c.Music.Volume, "must be within [0,1]")
	check(c.Music.VolumeFade >= 0, "music.volume_fade", c.Music.VolumeFade, "must not be negative")
	check(c.Music.LoadTimeout >= 0, "music.load_timeout", c.Music.LoadTimeout, "must not be negative")

	check(c.Effects.PoolSize >= 1, "effects.pool_size", c.Effects.PoolSize, "must be at least 1")
	check(c.Effects.MaxConcurrent >= 1, "effects.max_concurrent", c.Effects.MaxConcurrent, "must be at least 1")
	check(c.Effects.EvictFade >= 0, "effects.evict_fade", c.Effects.EvictFade, "must not be negative")
	check(c.Effects.MinRetrigger >= 0, "effects.min_retrigger", c.Effects.MinRetrigger, "must not be negative")
	check(c.Effects.LoadTimeout >= 0, "effects.load_timeout", c.Effects.LoadTimeout, "must not be negative")

	check(c.Voice.PoolSize >= 1, "voice.pool_size", c.Voice.PoolSize, "must be at least 1")
	check(c.Voice.InterruptFade >= 0, "voice.interrupt_fade", c.Voice.InterruptFade, "must not be negative")
	check(c.Voice.LoadTimeout >= 0, "voice.load_timeout", c.Voice.LoadTimeout, "must not be negative")

	return errors.Join(errs...)
}

// LoggerConfig converts the log section for logger.NewLogger.
func (c Config) LoggerConfig() logger.Config {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return logger.Config{
		Level:      level,
		Format:     c.Log.Format,
		Output:     c.Log.Output,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// Default returns the configuration with nothing but defaults applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

// Manager owns a viper instance and the last valid configuration.
//
// Thread-safety: All methods are thread-safe.
type Manager struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Config
}

// NewManager loads the configuration. path may be empty, in which case only
// defaults and environment variables apply. The file format follows its
// extension (yaml, json, toml).
func NewManager(path string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	m := &Manager{
		v:      v,
		path:   path,
		logger: log.With(slog.String("component", "config")),
	}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.current = cfg

	m.logger.Debug("configuration loaded",
		slog.String("file", v.ConfigFileUsed()),
		slog.String("backend", cfg.Backend))
	return m, nil
}

func (m *Manager) decode() (Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch reloads the file whenever it changes and calls fn with every new
// valid configuration. Invalid edits are logged and ignored. Watch does
// nothing when no file was loaded.
func (m *Manager) Watch(fn func(Config)) {
	if m.path == "" {
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.decode()
		if err != nil {
			m.logger.Warn("ignoring config change", slog.String("file", e.Name), slog.Any("error", err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("configuration reloaded", slog.String("file", e.Name))
		if fn != nil {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}
